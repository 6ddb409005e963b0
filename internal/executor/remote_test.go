package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// fakeTerminal is a scriptable dialed-back terminal channel.
type fakeTerminal struct {
	in chan []byte

	mu     sync.Mutex
	wrote  [][]byte
	types  []int
	closed bool
	done   chan struct{}
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeTerminal) ReadMessage() (int, []byte, error) {
	select {
	case raw, ok := <-c.in:
		if !ok {
			return 0, nil, fmt.Errorf("connection closed")
		}
		return websocket.BinaryMessage, raw, nil
	case <-c.done:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeTerminal) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.wrote = append(c.wrote, cp)
	c.types = append(c.types, messageType)
	return nil
}

func (c *fakeTerminal) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeTerminal) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.wrote))
	for i, b := range c.wrote {
		out[i] = string(b)
	}
	return out
}

// collectSink gathers remote output.
type collectSink struct {
	mu         sync.Mutex
	data       []byte
	closed     bool
	failReason string
}

func (s *collectSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, b...)
	return len(b), nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

func (s *collectSink) CloseWithError(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.failReason = reason
	return nil
}

func (s *collectSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *collectSink) failure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

func TestRemoteAttachBuffersUntilChannelReady(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")
	remote := NewRemote("exec-1", r, logger.Default())

	sink := &collectSink{}
	handleCh := make(chan StreamHandle, 1)
	go func() {
		h, err := remote.AttachTerminal("dev", 120, 40, sink)
		require.NoError(t, err)
		handleCh <- h
	}()

	// The attach RPC carries a fresh channel id and the viewport.
	rpcID := conn.lastRPCID(t)
	frames := conn.sentFrames()
	attachFrame := frames[len(frames)-1]
	require.Equal(t, execproto.OpAttachSession, attachFrame["type"])
	channelID, _ := attachFrame["channel_id"].(string)
	require.NotEmpty(t, channelID)
	assert.Equal(t, float64(120), attachFrame["cols"])

	conn.send(execproto.Response{Type: execproto.TypeResponse, ID: rpcID, OK: true})
	handle := <-handleCh

	// Payloads sent before the dial-back are buffered in order.
	require.NoError(t, handle.Send([]byte(`{"resize":[120,40]}`)))
	require.NoError(t, handle.Send([]byte("ls\r")))

	term := newFakeTerminal()
	require.NoError(t, r.ResolveTerminalChannel(channelID, term))

	require.Eventually(t, func() bool { return len(term.written()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{`{"resize":[120,40]}`, "ls\r"}, term.written())

	// Post-resolve payloads go straight through, and executor output
	// reaches the sink.
	require.NoError(t, handle.Send([]byte("pwd\r")))
	require.Eventually(t, func() bool { return len(term.written()) == 3 },
		time.Second, 2*time.Millisecond)

	term.in <- []byte("terminal output")
	require.Eventually(t, func() bool { return sink.String() == "terminal output" },
		time.Second, 2*time.Millisecond)

	handle.Close()
	assert.True(t, sink.isClosed())
}

func TestRemoteAttachChannelNeverArrives(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")
	remote := NewRemote("exec-1", r, logger.Default())

	sink := &collectSink{}
	handleCh := make(chan StreamHandle, 1)
	go func() {
		h, err := remote.AttachRich("dev", sink)
		require.NoError(t, err)
		handleCh <- h
	}()

	rpcID := conn.lastRPCID(t)
	conn.send(execproto.Response{Type: execproto.TypeResponse, ID: rpcID, OK: true})
	handle := <-handleCh

	// The 1 s test channel window lapses with no dial-back; the sink is
	// closed with the failure reason and sends start failing.
	require.Eventually(t, func() bool { return sink.isClosed() },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "terminal channel unavailable", sink.failure())
	assert.Error(t, handle.Send([]byte(`{"type":"prompt","text":"hi"}`)))
}

func TestRemoteListSessions(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")
	remote := NewRemote("exec-1", r, logger.Default())

	resCh := make(chan []execproto.SessionLiveness, 1)
	go func() {
		sessions, err := remote.ListSessions(context.Background())
		require.NoError(t, err)
		resCh <- sessions
	}()

	rpcID := conn.lastRPCID(t)
	conn.send(execproto.Response{
		Type: execproto.TypeResponse, ID: rpcID, OK: true,
		Data: json.RawMessage(`{"sessions":[{"name":"dev","alive":true,"last_activity":9}]}`),
	})

	sessions := <-resCh
	require.Len(t, sessions, 1)
	assert.Equal(t, "dev", sessions[0].Name)
	assert.Equal(t, int64(9), sessions[0].LastActivity)
}
