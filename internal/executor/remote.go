package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// Remote marshals executor operations over the registry's control channel.
type Remote struct {
	id     string
	reg    *Registry
	logger *logger.Logger
}

// NewRemote wraps one connected executor id.
func NewRemote(id string, reg *Registry, log *logger.Logger) *Remote {
	return &Remote{
		id:     id,
		reg:    reg,
		logger: log.WithExecutor(id),
	}
}

func (e *Remote) ID() string { return e.id }

func (e *Remote) CreateSession(ctx context.Context, name, command string) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.CreateSessionRequest{Type: execproto.OpCreateSession, ID: id, Name: name, Command: command}
	})
	return err
}

func (e *Remote) CreateRichSession(ctx context.Context, name, command string) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.CreateSessionRequest{Type: execproto.OpCreateRichSession, ID: id, Name: name, Command: command}
	})
	return err
}

func (e *Remote) CreateJob(ctx context.Context, name, prompt string, maxIterations int, skipPermissions bool) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.CreateJobRequest{
			Type: execproto.OpCreateJob, ID: id,
			Name: name, Prompt: prompt,
			MaxIterations: maxIterations, SkipPermissions: skipPermissions,
		}
	})
	return err
}

func (e *Remote) DeleteSession(ctx context.Context, name string) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.DeleteSessionRequest{Type: execproto.OpDeleteSession, ID: id, Name: name}
	})
	return err
}

func (e *Remote) DeleteRichSession(ctx context.Context, name string) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.DeleteSessionRequest{Type: execproto.OpDeleteRichSession, ID: id, Name: name}
	})
	return err
}

func (e *Remote) ForkSession(ctx context.Context, sourceName, newName string, forkHooks map[string]string) error {
	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.ForkSessionRequest{
			Type: execproto.OpForkSession, ID: id,
			SourceName: sourceName, NewName: newName, ForkHooks: forkHooks,
		}
	})
	return err
}

func (e *Remote) ListSessions(ctx context.Context) ([]execproto.SessionLiveness, error) {
	data, err := e.reg.Call(e.id, func(id string) any {
		return execproto.ListSessionsRequest{Type: execproto.OpListSessions, ID: id}
	})
	if err != nil {
		return nil, err
	}
	var out execproto.ListSessionsData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode list_sessions data: %w", err)
	}
	return out.Sessions, nil
}

func (e *Remote) SnapshotSession(ctx context.Context, name string, lines int) (string, error) {
	return e.snapshot(execproto.OpSnapshotSession, name, lines)
}

func (e *Remote) SnapshotRichSession(ctx context.Context, name string) (string, error) {
	return e.snapshot(execproto.OpSnapshotRich, name, 0)
}

func (e *Remote) snapshot(op, name string, lines int) (string, error) {
	data, err := e.reg.Call(e.id, func(id string) any {
		return execproto.SnapshotSessionRequest{Type: op, ID: id, Name: name, Lines: lines}
	})
	if err != nil {
		return "", err
	}
	var out execproto.SnapshotData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode snapshot data: %w", err)
	}
	return out.Text, nil
}

func (e *Remote) Summarize(ctx context.Context, name string) (string, error) {
	data, err := e.reg.Call(e.id, func(id string) any {
		return execproto.ProbeSessionRequest{Type: execproto.OpSummarizeSession, ID: id, Name: name}
	})
	if err != nil {
		return "", err
	}
	var out execproto.SummarizeData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode summarize data: %w", err)
	}
	return out.Description, nil
}

func (e *Remote) Analyze(ctx context.Context, name string) (string, bool, error) {
	data, err := e.reg.Call(e.id, func(id string) any {
		return execproto.ProbeSessionRequest{Type: execproto.OpAnalyzeSession, ID: id, Name: name}
	})
	if err != nil {
		return "", false, err
	}
	var out execproto.AnalyzeData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", false, fmt.Errorf("decode analyze data: %w", err)
	}
	return out.Description, out.NeedsInput, nil
}

func (e *Remote) AttachTerminal(name string, cols, rows int, sink StreamSink) (StreamHandle, error) {
	return e.attach(execproto.OpAttachSession, name, cols, rows, websocket.BinaryMessage, sink)
}

func (e *Remote) AttachRich(name string, sink StreamSink) (StreamHandle, error) {
	return e.attach(execproto.OpAttachRichSession, name, 0, 0, websocket.TextMessage, sink)
}

// attach arms the terminal-channel rendezvous, asks the executor to dial
// back, and returns a handle that buffers client payloads in order until
// the channel is live.
func (e *Remote) attach(op, name string, cols, rows int, msgType int, sink StreamSink) (StreamHandle, error) {
	channelID := uuid.New().String()
	wait := e.reg.AwaitTerminalChannel(channelID)

	ch := &remoteChannel{msgType: msgType, sink: sink}
	go func() {
		conn, ok := <-wait
		if !ok || conn == nil {
			e.logger.Warn("terminal channel never arrived",
				zap.String("channel_id", channelID),
				zap.String("name", name))
			ch.fail()
			return
		}
		ch.resolve(conn)
	}()

	_, err := e.reg.Call(e.id, func(id string) any {
		return execproto.AttachSessionRequest{
			Type: op, ID: id,
			Name: name, ChannelID: channelID,
			Cols: cols, Rows: rows,
		}
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// remoteChannel splices a dialed-back executor socket to a client sink.
// Payloads sent before the channel resolves are buffered and replayed in
// order, so the client's initial resize frame is never lost.
type remoteChannel struct {
	msgType int
	sink    StreamSink

	mu     sync.Mutex
	conn   TerminalConn
	buf    [][]byte
	closed bool
}

func (c *remoteChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: terminal channel closed", errdefs.ErrIoFailure)
	}
	if c.conn == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		c.buf = append(c.buf, cp)
		return nil
	}
	return c.conn.WriteMessage(c.msgType, data)
}

func (c *remoteChannel) resolve(conn TerminalConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, data := range c.buf {
		if err := conn.WriteMessage(c.msgType, data); err != nil {
			c.mu.Unlock()
			c.Close()
			return
		}
	}
	c.buf = nil
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn)
}

// readPump copies executor output to the client until either side closes.
func (c *remoteChannel) readPump(conn TerminalConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		if _, err := c.sink.Write(data); err != nil {
			c.Close()
			return
		}
	}
}

// fail tears the channel down after a rendezvous failure, surfacing the
// reason to sinks that can carry it.
func (c *remoteChannel) fail() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if fs, ok := c.sink.(FailureSink); ok {
		_ = fs.CloseWithError("terminal channel unavailable")
		return
	}
	_ = c.sink.Close()
}

func (c *remoteChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = c.sink.Close()
}
