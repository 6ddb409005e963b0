package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/rich"
	"github.com/claude-host/claude-host/internal/terminal"
	"github.com/claude-host/claude-host/internal/tmux"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// LocalID is the executor identifier for sessions on the control-plane host.
const LocalID = "local"

// tmuxQueryTimeout bounds the window metadata lookups behind rich attach.
const tmuxQueryTimeout = 5 * time.Second

// StreamSink receives session output bound for one client socket.
type StreamSink = terminal.OutputSink

// StreamHandle is one live attachment; Send carries client payloads toward
// the session, Close detaches.
type StreamHandle interface {
	Send(data []byte) error
	Close()
}

// FailureSink is an optional StreamSink extension. Sinks that implement it
// receive the reason when the stream ends abnormally, so a client can tell
// a broken attachment from a clean close.
type FailureSink interface {
	CloseWithError(reason string) error
}

// Executor runs session operations on one host. Local drives tmux and the
// bridges in-process; Remote marshals the same operations over a control
// channel.
type Executor interface {
	ID() string
	CreateSession(ctx context.Context, name, command string) error
	CreateRichSession(ctx context.Context, name, command string) error
	CreateJob(ctx context.Context, name, prompt string, maxIterations int, skipPermissions bool) error
	DeleteSession(ctx context.Context, name string) error
	DeleteRichSession(ctx context.Context, name string) error
	ForkSession(ctx context.Context, sourceName, newName string, forkHooks map[string]string) error
	ListSessions(ctx context.Context) ([]execproto.SessionLiveness, error)
	SnapshotSession(ctx context.Context, name string, lines int) (string, error)
	SnapshotRichSession(ctx context.Context, name string) (string, error)
	Summarize(ctx context.Context, name string) (string, error)
	Analyze(ctx context.Context, name string) (string, bool, error)
	AttachTerminal(name string, cols, rows int, sink StreamSink) (StreamHandle, error)
	AttachRich(name string, sink StreamSink) (StreamHandle, error)
}

// Local is the executor for sessions on this host.
type Local struct {
	runner    *tmux.Runner
	terminals *terminal.Manager
	rich      *rich.Manager
	logger    *logger.Logger
}

// NewLocal wires the local executor over the host's runner and bridges.
func NewLocal(runner *tmux.Runner, terminals *terminal.Manager, richMgr *rich.Manager, log *logger.Logger) *Local {
	return &Local{
		runner:    runner,
		terminals: terminals,
		rich:      richMgr,
		logger:    log.WithFields(zap.String("component", "local_executor")),
	}
}

func (l *Local) ID() string { return LocalID }

func (l *Local) CreateSession(ctx context.Context, name, command string) error {
	return l.runner.CreateWindow(ctx, name, command)
}

func (l *Local) CreateRichSession(ctx context.Context, name, command string) error {
	return l.runner.CreateWindow(ctx, name, command)
}

func (l *Local) CreateJob(ctx context.Context, name, prompt string, maxIterations int, skipPermissions bool) error {
	return l.runner.CreateJobWindow(ctx, name, prompt, maxIterations, skipPermissions)
}

func (l *Local) DeleteSession(ctx context.Context, name string) error {
	l.terminals.CloseSession(name)
	return l.runner.KillWindow(ctx, name)
}

func (l *Local) DeleteRichSession(ctx context.Context, name string) error {
	if err := l.rich.Delete(name); err != nil {
		l.logger.Warn("failed to remove rich state", zap.String("name", name), zap.Error(err))
	}
	l.terminals.CloseSession(name)
	return l.runner.KillWindow(ctx, name)
}

func (l *Local) ForkSession(ctx context.Context, sourceName, newName string, forkHooks map[string]string) error {
	return l.runner.ForkWindow(ctx, sourceName, newName, forkHooks)
}

func (l *Local) ListSessions(ctx context.Context) ([]execproto.SessionLiveness, error) {
	windows, err := l.runner.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]execproto.SessionLiveness, 0, len(windows))
	for _, w := range windows {
		out = append(out, execproto.SessionLiveness{
			Name:         w.Name,
			Alive:        w.Alive,
			LastActivity: w.LastActivity,
		})
	}
	return out, nil
}

func (l *Local) SnapshotSession(ctx context.Context, name string, lines int) (string, error) {
	return l.runner.CapturePane(ctx, name, lines)
}

func (l *Local) SnapshotRichSession(ctx context.Context, name string) (string, error) {
	return l.rich.Snapshot(name)
}

func (l *Local) Summarize(ctx context.Context, name string) (string, error) {
	return l.runner.Summarize(ctx, name), nil
}

func (l *Local) Analyze(ctx context.Context, name string) (string, bool, error) {
	desc, needsInput := l.runner.Analyze(ctx, name)
	return desc, needsInput, nil
}

func (l *Local) AttachTerminal(name string, cols, rows int, sink StreamSink) (StreamHandle, error) {
	att, err := l.terminals.Attach(name, cols, rows, sink)
	if err != nil {
		return nil, err
	}
	return &localTerminalHandle{att: att}, nil
}

func (l *Local) AttachRich(name string, sink StreamSink) (StreamHandle, error) {
	bridge := l.rich.Bridge(name, l.richOptions(name))
	conn := &richSinkConn{sink: sink}
	if err := bridge.Attach(conn); err != nil {
		return nil, err
	}
	return &localRichHandle{bridge: bridge, conn: conn}, nil
}

// richOptions derives the agent spawn options from the session's window:
// working directory from the pane, permission mode from the stored command.
func (l *Local) richOptions(name string) rich.Options {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxQueryTimeout)
	defer cancel()
	var opts rich.Options
	if cwd, err := l.runner.PaneCwd(ctx, name); err == nil {
		opts.Cwd = cwd
	}
	if cmd, err := l.runner.StoredCommand(ctx, name); err == nil {
		opts.SkipPermissions = strings.Contains(cmd, "--dangerously-skip-permissions")
	}
	return opts
}

type localTerminalHandle struct {
	att *terminal.Attachment
}

func (h *localTerminalHandle) Send(data []byte) error { return h.att.HandleMessage(data) }
func (h *localTerminalHandle) Close()                 { h.att.Close() }

// richSinkConn adapts a byte sink to the rich bridge's JSON client view.
type richSinkConn struct {
	sink StreamSink
}

func (c *richSinkConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.sink.Write(append(raw, '\n'))
	return err
}

func (c *richSinkConn) Close() error { return c.sink.Close() }

type localRichHandle struct {
	bridge *rich.Bridge
	conn   *richSinkConn
}

func (h *localRichHandle) Send(data []byte) error {
	h.bridge.HandleClientMessage(data)
	return nil
}

func (h *localRichHandle) Close() { h.bridge.Detach(h.conn) }
