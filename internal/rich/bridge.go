// Package rich owns the agent subprocess for rich-mode sessions and bridges
// it to a single client at a time, with a durable event log for replay
// across reconnects and control-plane restarts.
package rich

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
)

// agentReadBuf allows for large single-line JSON events (up to 10MB).
const agentReadBuf = 10 * 1024 * 1024

// ClientConn is the bridge's view of the connected client socket.
type ClientConn interface {
	WriteJSON(v any) error
	Close() error
}

// Client -> bridge protocol.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Bridge -> client protocol.
type eventMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type turnCompleteMessage struct {
	Type string `json:"type"`
}

type sessionStateMessage struct {
	Type         string `json:"type"`
	Streaming    bool   `json:"streaming"`
	ProcessAlive bool   `json:"process_alive"`
}

// userMessage is the prompt frame written to the agent's stdin.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configure one rich session's bridge.
type Options struct {
	SkipPermissions bool
	Cwd             string
}

// Bridge is the per-session state machine. All state is guarded by mu; the
// bridge performs at most one client socket write at a time.
type Bridge struct {
	name          string
	store         *Store
	logger        *logger.Logger
	spawn         func(resumeID string) (agentProcess, error)
	flushDebounce time.Duration

	mu             sync.Mutex
	client         ClientConn
	proc           agentProcess
	gen            int
	turning        bool
	initSeen       bool
	expectExit     bool
	agentSessionID string
	events         []Event
	dirty          bool
	flushTimer     *time.Timer
	restored       bool
	closed         bool
}

func newBridge(name string, store *Store, spawn func(resumeID string) (agentProcess, error), flushDebounce time.Duration, log *logger.Logger) *Bridge {
	return &Bridge{
		name:          name,
		store:         store,
		spawn:         spawn,
		flushDebounce: flushDebounce,
		logger:        log.WithSession(name),
	}
}

// Attach installs conn as the session's client, closing any previous one,
// then replays the persisted event log followed by exactly one
// session_state message.
func (b *Bridge) Attach(conn ClientConn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		conn.Close()
		return fmt.Errorf("rich session %s is closed", b.name)
	}
	if b.client != nil {
		// Duplicate connect preempts the previous client.
		_ = b.client.Close()
		b.logger.Info("previous rich client preempted")
	}
	b.client = conn

	if err := b.restoreLocked(); err != nil {
		b.logger.Warn("failed to restore event log", zap.Error(err))
	}

	for _, ev := range b.events {
		if err := conn.WriteJSON(eventMessage{Type: "event", Event: ev.Raw}); err != nil {
			return err
		}
	}
	return conn.WriteJSON(sessionStateMessage{
		Type:         "session_state",
		Streaming:    b.turning,
		ProcessAlive: b.proc != nil,
	})
}

// Detach removes conn if it is still the current client. The subprocess
// keeps running so the next connect can resume.
func (b *Bridge) Detach(conn ClientConn) {
	b.mu.Lock()
	if b.client == conn {
		b.client = nil
	}
	b.mu.Unlock()
}

// HandleClientMessage dispatches one line-delimited JSON client frame.
func (b *Bridge) HandleClientMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError("malformed message")
		return
	}
	switch msg.Type {
	case "prompt":
		b.handlePrompt(msg.Text)
	case "interrupt":
		b.handleInterrupt()
	case "restart":
		b.handleRestart()
	default:
		b.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (b *Bridge) handlePrompt(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.turning {
		// Non-fatal: the client stays connected, state is unchanged.
		b.sendLocked(errorMessage{Type: "error", Message: "a turn is already in progress"})
		return
	}

	if b.proc == nil {
		proc, err := b.spawn(b.agentSessionID)
		if err != nil {
			b.logger.Warn("agent spawn failed", zap.Error(err))
			b.sendLocked(errorMessage{Type: "error", Message: err.Error()})
			return
		}
		b.proc = proc
		b.gen++
		b.initSeen = false
		gen := b.gen
		go b.readLoop(proc, gen)
		go b.waitLoop(proc, gen)
		b.logger.Info("agent spawned", zap.String("resume", b.agentSessionID))
	}

	frame, err := json.Marshal(userMessage{
		Type:    "user",
		Message: userMessageBody{Role: "user", Content: text},
	})
	if err != nil {
		b.sendLocked(errorMessage{Type: "error", Message: "failed to encode prompt"})
		return
	}
	frame = append(frame, '\n')

	b.turning = true
	if _, err := b.proc.Stdin().Write(frame); err != nil {
		b.turning = false
		werr := classifyStdinError(err)
		if errors.Is(werr, errdefs.ErrTransient) {
			// The process is gone; forget it so the next prompt respawns
			// with --resume.
			b.proc.Kill()
			b.proc = nil
			b.logger.Warn("agent stdin closed, will respawn on next prompt", zap.Error(werr))
		} else {
			b.logger.Warn("prompt write failed", zap.Error(werr))
		}
		b.sendLocked(errorMessage{Type: "error", Message: "failed to send prompt to agent"})
	}
}

func (b *Bridge) handleInterrupt() {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc != nil {
		if err := proc.Signal(os.Interrupt); err != nil {
			b.logger.Debug("interrupt signal failed", zap.Error(err))
		}
	}
}

func (b *Bridge) handleRestart() {
	b.mu.Lock()
	proc := b.proc
	if proc != nil {
		b.expectExit = true
	}
	b.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// readLoop consumes agent stdout lines until EOF. gen guards against lines
// from a stale process after a respawn.
func (b *Bridge) readLoop(proc agentProcess, gen int) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), agentReadBuf)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleAgentLine(gen, line)
	}
	if err := scanner.Err(); err != nil {
		b.logger.Debug("agent stdout closed", zap.Error(err))
	}
}

func (b *Bridge) handleAgentLine(gen int, line []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	ev := parseEvent(line)

	if ev.SessionID != "" && b.agentSessionID == "" {
		b.agentSessionID = ev.SessionID
		b.logger.Info("captured agent session id", zap.String("agent_session_id", ev.SessionID))
	}

	switch {
	case ev.isInit():
		if b.initSeen {
			return
		}
		b.initSeen = true
		b.persistLocked(ev)
		b.sendLocked(eventMessage{Type: "event", Event: ev.Raw})

	case ev.fromSubagent(), ev.isStream():
		// Forwarded live, never persisted.
		b.sendLocked(eventMessage{Type: "event", Event: ev.Raw})

	case ev.isResult():
		b.persistLocked(ev)
		b.sendLocked(eventMessage{Type: "event", Event: ev.Raw})
		b.turning = false
		b.sendLocked(turnCompleteMessage{Type: "turn_complete"})
		b.flushLocked()

	default:
		b.persistLocked(ev)
		b.sendLocked(eventMessage{Type: "event", Event: ev.Raw})
	}
}

// waitLoop reaps the subprocess and surfaces abnormal exits.
func (b *Bridge) waitLoop(proc agentProcess, gen int) {
	code, err := proc.Wait()
	if err != nil {
		b.logger.Warn("agent wait failed", zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.proc == nil {
		return
	}
	wasTurning := b.turning
	expected := b.expectExit
	b.turning = false
	b.expectExit = false
	b.proc = nil
	b.initSeen = false

	if !expected {
		var crashErr error
		switch {
		case code != 0:
			crashErr = fmt.Errorf("%w: exit code %d", errdefs.ErrAgentCrashed, code)
			b.sendLocked(errorMessage{Type: "error", Message: fmt.Sprintf("Process exited (code %d)", code)})
		case wasTurning:
			crashErr = fmt.Errorf("%w: exited mid-turn", errdefs.ErrAgentCrashed)
			b.sendLocked(errorMessage{Type: "error", Message: "Agent process exited unexpectedly"})
		}
		if crashErr != nil {
			b.logger.Warn("agent crashed", zap.Error(crashErr))
		}
	}
	if wasTurning {
		b.sendLocked(turnCompleteMessage{Type: "turn_complete"})
	}
	b.flushLocked()
	b.logger.Info("agent exited", zap.Int("code", code), zap.Bool("expected", expected))
}

// restoreLocked lazily loads the persisted log on first use and re-sniffs
// the agent session identifier from it.
func (b *Bridge) restoreLocked() error {
	if b.restored {
		return nil
	}
	b.restored = true
	events, err := b.store.Load(b.name)
	if err != nil {
		return err
	}
	b.events = events
	for _, ev := range events {
		if ev.SessionID != "" {
			b.agentSessionID = ev.SessionID
			break
		}
	}
	return nil
}

// persistLocked appends to the in-memory log and arms the debounced flush.
func (b *Bridge) persistLocked(ev Event) {
	b.events = append(b.events, ev)
	b.dirty = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushTimer = time.AfterFunc(b.flushDebounce, b.Flush)
}

// Flush writes the event log to durable storage if dirty.
func (b *Bridge) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Bridge) flushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if !b.dirty || b.closed {
		return
	}
	if err := b.store.Save(b.name, b.events); err != nil {
		b.logger.Error("failed to flush event log", zap.Error(err))
		return
	}
	b.dirty = false
}

func (b *Bridge) sendError(message string) {
	b.mu.Lock()
	b.sendLocked(errorMessage{Type: "error", Message: message})
	b.mu.Unlock()
}

// sendLocked writes to the current client, if any. Holding mu serializes
// all socket writes. A failed write drops the client.
func (b *Bridge) sendLocked(v any) {
	if b.client == nil {
		return
	}
	if err := b.client.WriteJSON(v); err != nil {
		b.logger.Debug("client write failed, dropping client", zap.Error(err))
		_ = b.client.Close()
		b.client = nil
	}
}

// Snapshot renders the persisted event log as newline-delimited JSON.
func (b *Bridge) Snapshot() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.restoreLocked(); err != nil {
		return "", err
	}
	out := make([]byte, 0, 4096)
	for _, ev := range b.events {
		out = append(out, ev.Raw...)
		out = append(out, '\n')
	}
	return string(out), nil
}

// State reports turning and process liveness for status overlays.
func (b *Bridge) State() (turning, alive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turning, b.proc != nil
}

// shutdown flushes the log and terminates the subprocess without touching
// durable state.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	proc := b.proc
	if proc != nil {
		b.expectExit = true
	}
	b.flushLocked()
	b.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// remove tears the bridge down and deletes its durable record.
func (b *Bridge) remove() error {
	b.mu.Lock()
	proc := b.proc
	if proc != nil {
		b.expectExit = true
	}
	b.closed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if client != nil {
		_ = client.Close()
	}
	return b.store.Delete(b.name)
}
