// Package executor routes session operations to the host they live on:
// the local host directly, or a remote executor over its control channel.
package executor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// maxLogEntries bounds the registry's in-memory event log.
const maxLogEntries = 200

// ControlConn is the registry's view of an executor control socket.
type ControlConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// TerminalConn is a dialed-back terminal byte-channel.
type TerminalConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Info is the cached view of one connected executor.
type Info struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Labels      []string                    `json:"labels,omitempty"`
	Version     string                      `json:"version,omitempty"`
	OwnerUserID string                      `json:"owner_user_id"`
	ConnectedAt time.Time                   `json:"connected_at"`
	LastSeen    time.Time                   `json:"last_seen"`
	Sessions    []execproto.SessionLiveness `json:"sessions"`
}

// LogEntry is one notable registry transition.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	ExecutorID string    `json:"executor_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
}

// HeartbeatFunc observes each heartbeat; the session manager uses it for
// orphan adoption.
type HeartbeatFunc func(executorID, ownerUserID string, sessions []execproto.SessionLiveness)

type rpcResult struct {
	data json.RawMessage
	err  error
}

type pendingRPC struct {
	executorID string
	ch         chan rpcResult
	timer      *time.Timer
}

type pendingChannel struct {
	ch    chan TerminalConn
	timer *time.Timer
}

type remoteExecutor struct {
	conn ControlConn
	info Info
}

// Registry tracks connected remote executors, correlates RPC responses,
// and rendezvous terminal byte-channels.
type Registry struct {
	cfg    config.ExecutorConfig
	logger *logger.Logger

	mu              sync.Mutex
	executors       map[string]*remoteExecutor
	pendingRPCs     map[string]*pendingRPC
	pendingChannels map[string]*pendingChannel
	log             []LogEntry
	onChange        []func()
	onHeartbeat     HeartbeatFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry creates a stopped registry; call Start to arm the health sweep.
func NewRegistry(cfg config.ExecutorConfig, log *logger.Logger) *Registry {
	return &Registry{
		cfg:             cfg,
		logger:          log.WithFields(zap.String("component", "executor_registry")),
		executors:       make(map[string]*remoteExecutor),
		pendingRPCs:     make(map[string]*pendingRPC),
		pendingChannels: make(map[string]*pendingChannel),
		stopCh:          make(chan struct{}),
	}
}

// Start runs the periodic heartbeat-timeout sweep until Stop.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.cfg.HealthIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep and disconnects every executor.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	for _, info := range r.List() {
		r.Disconnect(info.ID, "shutdown")
	}
}

// OnChange registers a callback fired after register and disconnect.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// OnHeartbeat installs the heartbeat observer.
func (r *Registry) OnHeartbeat(fn HeartbeatFunc) {
	r.mu.Lock()
	r.onHeartbeat = fn
	r.mu.Unlock()
}

// ServeControl owns one executor control socket: it requires a register
// frame first, then consumes heartbeats and RPC responses until the socket
// errors, at which point the executor is disconnected and its pending RPCs
// failed.
func (r *Registry) ServeControl(conn ControlConn, ownerUserID string) {
	_, first, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	env, err := execproto.DecodeEnvelope(first)
	if err != nil || env.Type != execproto.TypeRegister {
		r.logger.Warn("executor sent non-register first frame")
		_ = conn.Close()
		return
	}
	var reg execproto.Register
	if err := json.Unmarshal(first, &reg); err != nil || reg.ExecutorID == "" {
		r.logger.Warn("malformed register frame", zap.Error(err))
		_ = conn.Close()
		return
	}

	r.register(conn, ownerUserID, reg)
	defer r.disconnect(reg.ExecutorID, conn, "socket closed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := execproto.DecodeEnvelope(raw)
		if err != nil {
			r.logger.Debug("undecodable executor frame", zap.String("executor_id", reg.ExecutorID))
			continue
		}
		switch env.Type {
		case execproto.TypeHeartbeat:
			var hb execproto.Heartbeat
			if err := json.Unmarshal(raw, &hb); err == nil {
				r.heartbeat(reg.ExecutorID, hb.Sessions)
			}
		case execproto.TypeResponse:
			var resp execproto.Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				r.resolveRPC(resp)
			}
		default:
			r.logger.Debug("unexpected executor frame type",
				zap.String("executor_id", reg.ExecutorID),
				zap.String("type", env.Type))
		}
	}
}

func (r *Registry) register(conn ControlConn, ownerUserID string, reg execproto.Register) {
	now := time.Now()
	r.mu.Lock()
	if prev, ok := r.executors[reg.ExecutorID]; ok {
		// A reconnect replaces the stale socket.
		_ = prev.conn.Close()
	}
	r.executors[reg.ExecutorID] = &remoteExecutor{
		conn: conn,
		info: Info{
			ID:          reg.ExecutorID,
			Name:        reg.Name,
			Labels:      reg.Labels,
			Version:     reg.Version,
			OwnerUserID: ownerUserID,
			ConnectedAt: now,
			LastSeen:    now,
		},
	}
	r.appendLogLocked(reg.ExecutorID, "registered", reg.Name)
	callbacks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	r.logger.Info("executor registered",
		zap.String("executor_id", reg.ExecutorID),
		zap.String("name", reg.Name))
	for _, fn := range callbacks {
		fn()
	}
}

func (r *Registry) heartbeat(executorID string, sessions []execproto.SessionLiveness) {
	r.mu.Lock()
	ex, ok := r.executors[executorID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ex.info.LastSeen = time.Now()
	ex.info.Sessions = sessions
	owner := ex.info.OwnerUserID
	observer := r.onHeartbeat
	r.mu.Unlock()

	if observer != nil {
		observer(executorID, owner, sessions)
	}
}

// Disconnect removes the executor, closes its socket, and fails its
// pending RPCs. Unknown ids are ignored.
func (r *Registry) Disconnect(executorID, reason string) {
	r.disconnect(executorID, nil, reason)
}

// disconnect is the identity-aware removal. A non-nil conn restricts the
// removal to the connection that ended: when a reconnect has already
// replaced the map entry, the stale socket's teardown must not kick the
// fresh registration.
func (r *Registry) disconnect(executorID string, conn ControlConn, reason string) {
	r.mu.Lock()
	ex, ok := r.executors[executorID]
	if !ok || (conn != nil && ex.conn != conn) {
		r.mu.Unlock()
		return
	}
	delete(r.executors, executorID)

	var failed []*pendingRPC
	for id, p := range r.pendingRPCs {
		if p.executorID == executorID {
			delete(r.pendingRPCs, id)
			failed = append(failed, p)
		}
	}
	r.appendLogLocked(executorID, "disconnected", reason)
	callbacks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	_ = ex.conn.Close()
	for _, p := range failed {
		p.timer.Stop()
		p.ch <- rpcResult{err: fmt.Errorf("%w: %s", errdefs.ErrExecutorOffline, executorID)}
	}

	r.logger.Info("executor disconnected",
		zap.String("executor_id", executorID),
		zap.String("reason", reason))
	for _, fn := range callbacks {
		fn()
	}
}

// sweep force-disconnects executors whose last heartbeat is too old. The
// connection is captured under the lock so a re-register racing the sweep
// is left alone.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeoutDuration())
	type staleEntry struct {
		id   string
		conn ControlConn
	}
	r.mu.Lock()
	var stale []staleEntry
	for id, ex := range r.executors {
		if ex.info.LastSeen.Before(cutoff) {
			stale = append(stale, staleEntry{id: id, conn: ex.conn})
		}
	}
	for _, s := range stale {
		r.appendLogLocked(s.id, "timed_out", "")
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.disconnect(s.id, s.conn, "heartbeat timeout")
	}
}

// Call sends one RPC to the executor and waits for the correlated response
// or the 30 s timeout. makeFrame receives the fresh rpc id.
func (r *Registry) Call(executorID string, makeFrame func(id string) any) (json.RawMessage, error) {
	rpcID := uuid.New().String()

	r.mu.Lock()
	ex, ok := r.executors[executorID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errdefs.ErrExecutorOffline, executorID)
	}
	pending := &pendingRPC{
		executorID: executorID,
		ch:         make(chan rpcResult, 1),
	}
	pending.timer = time.AfterFunc(r.cfg.RPCTimeoutDuration(), func() {
		r.expireRPC(rpcID)
	})
	r.pendingRPCs[rpcID] = pending
	conn := ex.conn
	r.mu.Unlock()

	if err := conn.WriteJSON(makeFrame(rpcID)); err != nil {
		r.dropRPC(rpcID)
		return nil, fmt.Errorf("%w: write to %s: %v", errdefs.ErrExecutorOffline, executorID, err)
	}

	res := <-pending.ch
	return res.data, res.err
}

// resolveRPC completes a pending call; responses with unknown ids are
// dropped, including late responses after a timeout.
func (r *Registry) resolveRPC(resp execproto.Response) {
	r.mu.Lock()
	pending, ok := r.pendingRPCs[resp.ID]
	if ok {
		delete(r.pendingRPCs, resp.ID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	pending.timer.Stop()
	if !resp.OK {
		pending.ch <- rpcResult{err: remoteError(resp.Error)}
		return
	}
	pending.ch <- rpcResult{data: resp.Data}
}

func (r *Registry) expireRPC(rpcID string) {
	r.mu.Lock()
	pending, ok := r.pendingRPCs[rpcID]
	if ok {
		delete(r.pendingRPCs, rpcID)
	}
	r.mu.Unlock()
	if ok {
		pending.ch <- rpcResult{err: fmt.Errorf("%w: rpc %s", errdefs.ErrRpcTimeout, rpcID)}
	}
}

func (r *Registry) dropRPC(rpcID string) {
	r.mu.Lock()
	pending, ok := r.pendingRPCs[rpcID]
	if ok {
		delete(r.pendingRPCs, rpcID)
	}
	r.mu.Unlock()
	if ok {
		pending.timer.Stop()
	}
}

// AwaitTerminalChannel arms a rendezvous for channelID and returns a channel
// that yields the dialed-back socket, or nil after the 10 s window.
func (r *Registry) AwaitTerminalChannel(channelID string) <-chan TerminalConn {
	pending := &pendingChannel{ch: make(chan TerminalConn, 1)}
	pending.timer = time.AfterFunc(r.cfg.ChannelTimeoutDuration(), func() {
		r.mu.Lock()
		p, ok := r.pendingChannels[channelID]
		if ok {
			delete(r.pendingChannels, channelID)
		}
		r.mu.Unlock()
		if ok {
			close(p.ch)
		}
	})

	r.mu.Lock()
	r.pendingChannels[channelID] = pending
	r.mu.Unlock()
	return pending.ch
}

// ResolveTerminalChannel fulfils a pending rendezvous. Late or orphan dials
// return an error; the caller refuses the socket with close code 1008.
func (r *Registry) ResolveTerminalChannel(channelID string, conn TerminalConn) error {
	r.mu.Lock()
	pending, ok := r.pendingChannels[channelID]
	if ok {
		delete(r.pendingChannels, channelID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending terminal channel %s", errdefs.ErrNotFound, channelID)
	}
	pending.timer.Stop()
	pending.ch <- conn
	return nil
}

// Upgrade pushes an upgrade frame asking the executor process to exit.
func (r *Registry) Upgrade(executorID, reason string) error {
	r.mu.Lock()
	ex, ok := r.executors[executorID]
	if ok {
		r.appendLogLocked(executorID, "upgrade_sent", reason)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrExecutorOffline, executorID)
	}
	return ex.conn.WriteJSON(execproto.Upgrade{Type: execproto.TypeUpgrade, Reason: reason})
}

// Get returns the cached info for one executor.
func (r *Registry) Get(executorID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executors[executorID]
	if !ok {
		return Info{}, false
	}
	return ex.info, true
}

// List returns every connected executor.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.executors))
	for _, ex := range r.executors {
		out = append(out, ex.info)
	}
	return out
}

// Logs returns buffered log entries at or after since.
func (r *Registry) Logs(since time.Time) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogEntry
	for _, e := range r.log {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) appendLogLocked(executorID, event, detail string) {
	r.log = append(r.log, LogEntry{
		Timestamp:  time.Now(),
		ExecutorID: executorID,
		Event:      event,
		Detail:     detail,
	})
	if len(r.log) > maxLogEntries {
		r.log = r.log[len(r.log)-maxLogEntries:]
	}
}

// remoteError maps an executor-reported error string back onto the local
// error taxonomy where the message allows it.
func remoteError(msg string) error {
	for _, sentinel := range []error{
		errdefs.ErrNotFound,
		errdefs.ErrAlreadyExists,
		errdefs.ErrInvalidName,
		errdefs.ErrInvalidArgument,
	} {
		if len(msg) >= len(sentinel.Error()) && msg[:len(sentinel.Error())] == sentinel.Error() {
			return fmt.Errorf("%w: %s", sentinel, msg)
		}
	}
	return fmt.Errorf("executor error: %s", msg)
}
