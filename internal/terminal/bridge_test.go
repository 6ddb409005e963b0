package terminal

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
)

// fakePty records writes and resizes and lets tests feed output.
type fakePty struct {
	mu       sync.Mutex
	written  bytes.Buffer
	resizes  [][2]uint16
	out      chan []byte
	closed   bool
	closedCh chan struct{}
}

func newFakePty() *fakePty {
	return &fakePty{out: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (p *fakePty) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-p.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-p.closedCh:
		return 0, io.EOF
	}
}

func (p *fakePty) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakePty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return nil
}

func (p *fakePty) lastResize() ([2]uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resizes) == 0 {
		return [2]uint16{}, false
	}
	return p.resizes[len(p.resizes)-1], true
}

func (p *fakePty) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// chanSink collects broadcast output per client.
type chanSink struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed bool
}

func (s *chanSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.data.Write(b)
}

func (s *chanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *chanSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.String()
}

func (s *chanSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestManager(t *testing.T) (*Manager, *fakePty) {
	t.Helper()
	p := newFakePty()
	m := &Manager{
		attachArgs: func(name string) []string { return []string{"tmux", "attach-session", "-t", "=" + name} },
		startPty: func(argv []string, cols, rows uint16) (ptyHandle, error) {
			p.Resize(cols, rows)
			return p, nil
		},
		logger: logger.Default(),
		shares: make(map[string]*share),
	}
	return m, p
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func TestAttachRejectsBadName(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Attach("bad name", 100, 30, &chanSink{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidName)
}

func TestSingleClientViewport(t *testing.T) {
	m, p := newTestManager(t)

	att, err := m.Attach("dev", 120, 40, &chanSink{})
	require.NoError(t, err)
	defer att.Close()

	last, ok := p.lastResize()
	require.True(t, ok)
	assert.Equal(t, [2]uint16{120, 40}, last)
}

func TestZeroViewportDefaults(t *testing.T) {
	m, p := newTestManager(t)

	att, err := m.Attach("dev", 0, 0, &chanSink{})
	require.NoError(t, err)
	defer att.Close()

	last, _ := p.lastResize()
	assert.Equal(t, [2]uint16{80, 24}, last)
}

func TestMinViewportAcrossClients(t *testing.T) {
	m, p := newTestManager(t)

	a1, err := m.Attach("dev", 200, 50, &chanSink{})
	require.NoError(t, err)
	a2, err := m.Attach("dev", 100, 60, &chanSink{})
	require.NoError(t, err)

	// Componentwise minimum, not either client's full viewport.
	last, _ := p.lastResize()
	assert.Equal(t, [2]uint16{100, 50}, last)

	// Dropping the narrow client restores the wide one's geometry.
	a2.Close()
	last, _ = p.lastResize()
	assert.Equal(t, [2]uint16{200, 50}, last)

	a1.Close()
	assert.True(t, p.isClosed())
}

func TestResizeFrameUpdatesViewport(t *testing.T) {
	m, p := newTestManager(t)

	att, err := m.Attach("dev", 200, 50, &chanSink{})
	require.NoError(t, err)
	defer att.Close()

	require.NoError(t, att.HandleMessage([]byte(`{"resize":[90,30]}`)))
	last, _ := p.lastResize()
	assert.Equal(t, [2]uint16{90, 30}, last)

	// Nothing written to the pty for a control frame.
	assert.Zero(t, p.written.Len())
}

func TestRawInputPassesThrough(t *testing.T) {
	m, p := newTestManager(t)

	att, err := m.Attach("dev", 80, 24, &chanSink{})
	require.NoError(t, err)
	defer att.Close()

	require.NoError(t, att.HandleMessage([]byte("ls -la\r")))
	// JSON that is not a resize frame is still raw input.
	require.NoError(t, att.HandleMessage([]byte(`{"not":"resize"}`)))

	p.mu.Lock()
	written := p.written.String()
	p.mu.Unlock()
	assert.Equal(t, "ls -la\r"+`{"not":"resize"}`, written)
}

func TestBroadcastToAllClients(t *testing.T) {
	m, p := newTestManager(t)

	s1, s2 := &chanSink{}, &chanSink{}
	a1, err := m.Attach("dev", 80, 24, s1)
	require.NoError(t, err)
	a2, err := m.Attach("dev", 80, 24, s2)
	require.NoError(t, err)
	defer a1.Close()
	defer a2.Close()

	p.out <- []byte("hello from tmux")

	eventually(t, func() bool { return s1.String() == "hello from tmux" }, "client 1 output")
	eventually(t, func() bool { return s2.String() == "hello from tmux" }, "client 2 output")
}

func TestLastClientTeardown(t *testing.T) {
	m, p := newTestManager(t)

	att, err := m.Attach("dev", 80, 24, &chanSink{})
	require.NoError(t, err)
	att.Close()

	assert.True(t, p.isClosed())
	m.mu.Lock()
	_, exists := m.shares["dev"]
	m.mu.Unlock()
	assert.False(t, exists)
}

func TestPtyExitClosesClients(t *testing.T) {
	m, p := newTestManager(t)

	sink := &chanSink{}
	_, err := m.Attach("dev", 80, 24, sink)
	require.NoError(t, err)

	close(p.out)

	eventually(t, func() bool { return sink.isClosed() }, "sink closed after pty exit")
	eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, exists := m.shares["dev"]
		return !exists
	}, "share discarded after pty exit")
}

func TestCloseSession(t *testing.T) {
	m, p := newTestManager(t)

	sink := &chanSink{}
	_, err := m.Attach("dev", 80, 24, sink)
	require.NoError(t, err)

	m.CloseSession("dev")
	assert.True(t, p.isClosed())
	eventually(t, func() bool { return sink.isClosed() }, "sink closed on session delete")
}
