// Package executoragent runs the executor side of the control protocol: it
// dials the control plane, registers, heartbeats tmux liveness, executes
// session RPCs against the local host, and dials back terminal channels
// for attach requests.
package executoragent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/gateway"
	"github.com/claude-host/claude-host/pkg/execproto"
)

const (
	heartbeatInterval = 10 * time.Second
	opTimeout         = 30 * time.Second
	dialTimeout       = 10 * time.Second

	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// ErrUpgradeRequested is returned by Run when the control plane asked the
// process to exit so a supervisor can restart it with a newer build.
var ErrUpgradeRequested = errors.New("upgrade requested by control plane")

// Options configure the agent's identity and its control-plane endpoint.
type Options struct {
	// URL is the control socket endpoint, e.g. wss://host/ws/executor/control.
	URL   string
	Token string

	ID      string
	Name    string
	Labels  []string
	Version string
}

// Agent is one executor process.
type Agent struct {
	opts   Options
	local  executor.Executor
	logger *logger.Logger

	// writeMu serializes frames onto the control socket: responses and
	// heartbeats come from different goroutines.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New builds an agent over the host's local executor.
func New(opts Options, local executor.Executor, log *logger.Logger) *Agent {
	return &Agent{
		opts:   opts,
		local:  local,
		logger: log.WithFields(zap.String("component", "executor_agent"), zap.String("executor_id", opts.ID)),
	}
}

// Run connects and serves until ctx is canceled or an upgrade is
// requested. Connection failures are retried with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := backoffMin
	for {
		start := time.Now()
		err := a.runOnce(ctx)
		if errors.Is(err, ErrUpgradeRequested) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that held for a while resets the backoff.
		if time.Since(start) > backoffMax {
			backoff = backoffMin
		}
		a.logger.Warn("control connection lost, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	conn, err := a.dial(ctx, a.opts.URL)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer conn.Close()
	a.conn = conn

	if err := a.writeJSON(execproto.Register{
		Type:       execproto.TypeRegister,
		ExecutorID: a.opts.ID,
		Name:       a.opts.Name,
		Labels:     a.opts.Labels,
		Version:    a.opts.Version,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered with control plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.readLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (a *Agent) dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set(gateway.HeaderExecutorToken, a.opts.Token)
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (a *Agent) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}

// heartbeatLoop reports tmux liveness every ten seconds, starting with an
// immediate report so the control plane sees sessions right away.
func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.sendHeartbeat(ctx); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	sessions, err := a.local.ListSessions(opCtx)
	cancel()
	if err != nil {
		a.logger.Warn("liveness scan failed", zap.Error(err))
		sessions = nil
	}
	if sessions == nil {
		sessions = []execproto.SessionLiveness{}
	}
	return a.writeJSON(execproto.Heartbeat{Type: execproto.TypeHeartbeat, Sessions: sessions})
}

func (a *Agent) readLoop(ctx context.Context) error {
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := execproto.DecodeEnvelope(raw)
		if err != nil {
			a.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Type == execproto.TypeUpgrade {
			a.logger.Info("upgrade requested, exiting")
			return ErrUpgradeRequested
		}
		go a.handleFrame(ctx, env, raw)
	}
}

// handleFrame executes one RPC and writes its response. Frames run
// concurrently; responses correlate by id.
func (a *Agent) handleFrame(ctx context.Context, env execproto.Envelope, raw []byte) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := a.dispatch(opCtx, env.Type, raw)
	var resp *execproto.Response
	if err != nil {
		resp = execproto.ErrResponse(env.ID, err)
	} else {
		resp, err = execproto.OKResponse(env.ID, data)
		if err != nil {
			resp = execproto.ErrResponse(env.ID, err)
		}
	}
	if err := a.writeJSON(resp); err != nil {
		a.logger.Warn("failed to write response",
			zap.String("rpc_id", env.ID), zap.Error(err))
	}
}

func (a *Agent) dispatch(ctx context.Context, op string, raw []byte) (any, error) {
	switch op {
	case execproto.TypePing:
		return nil, nil

	case execproto.OpCreateSession:
		var req execproto.CreateSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.CreateSession(ctx, req.Name, req.Command)

	case execproto.OpCreateRichSession:
		var req execproto.CreateSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.CreateRichSession(ctx, req.Name, req.Command)

	case execproto.OpCreateJob:
		var req execproto.CreateJobRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.CreateJob(ctx, req.Name, req.Prompt, req.MaxIterations, req.SkipPermissions)

	case execproto.OpDeleteSession:
		var req execproto.DeleteSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.DeleteSession(ctx, req.Name)

	case execproto.OpDeleteRichSession:
		var req execproto.DeleteSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.DeleteRichSession(ctx, req.Name)

	case execproto.OpForkSession:
		var req execproto.ForkSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.local.ForkSession(ctx, req.SourceName, req.NewName, req.ForkHooks)

	case execproto.OpListSessions:
		sessions, err := a.local.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		return execproto.ListSessionsData{Sessions: sessions}, nil

	case execproto.OpSnapshotSession:
		var req execproto.SnapshotSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		text, err := a.local.SnapshotSession(ctx, req.Name, req.Lines)
		if err != nil {
			return nil, err
		}
		return execproto.SnapshotData{Text: text}, nil

	case execproto.OpSnapshotRich:
		var req execproto.SnapshotSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		text, err := a.local.SnapshotRichSession(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return execproto.SnapshotData{Text: text}, nil

	case execproto.OpSummarizeSession:
		var req execproto.ProbeSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		desc, err := a.local.Summarize(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return execproto.SummarizeData{Description: desc}, nil

	case execproto.OpAnalyzeSession:
		var req execproto.ProbeSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		desc, needsInput, err := a.local.Analyze(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return execproto.AnalyzeData{Description: desc, NeedsInput: needsInput}, nil

	case execproto.OpAttachSession:
		var req execproto.AttachSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.handleAttach(ctx, req, false)

	case execproto.OpAttachRichSession:
		var req execproto.AttachSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return nil, a.handleAttach(ctx, req, true)

	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

// handleAttach dials back the terminal channel and splices it to a local
// attachment: channel payloads flow to the session, session output flows
// to the channel.
func (a *Agent) handleAttach(ctx context.Context, req execproto.AttachSessionRequest, rich bool) error {
	channelURL, err := a.terminalURL(req.ChannelID)
	if err != nil {
		return err
	}
	conn, err := a.dial(ctx, channelURL)
	if err != nil {
		return fmt.Errorf("dial terminal channel: %w", err)
	}

	msgType := websocket.BinaryMessage
	if rich {
		msgType = websocket.TextMessage
	}
	sink := newConnSink(conn, msgType)

	var handle executor.StreamHandle
	if rich {
		handle, err = a.local.AttachRich(req.Name, sink)
	} else {
		handle, err = a.local.AttachTerminal(req.Name, req.Cols, req.Rows, sink)
	}
	if err != nil {
		conn.Close()
		return err
	}

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if err := handle.Send(data); err != nil {
				break
			}
		}
		handle.Close()
	}()
	return nil
}

// terminalURL derives the dial-back endpoint from the control URL.
func (a *Agent) terminalURL(channelID string) (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse control url: %w", err)
	}
	u.Path = "/ws/executor/terminal/" + channelID
	u.RawQuery = ""
	return u.String(), nil
}

// connSink adapts the dialed-back socket to the stream-sink contract.
type connSink struct {
	conn    *websocket.Conn
	msgType int

	mu     sync.Mutex
	closed bool
}

func newConnSink(conn *websocket.Conn, msgType int) *connSink {
	return &connSink{conn: conn, msgType: msgType}
}

func (s *connSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("terminal channel closed")
	}
	if err := s.conn.WriteMessage(s.msgType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *connSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
