package rich

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/common/logger"
)

// fakeProc is a scriptable agent subprocess.
type fakeProc struct {
	mu     sync.Mutex
	stdin  []byte
	sigs   []os.Signal
	killed bool

	stdinErr error

	outR *io.PipeReader
	outW *io.PipeWriter

	exitCh   chan int
	exitOnce sync.Once
}

func newFakeProc() *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{outR: r, outW: w, exitCh: make(chan int, 1)}
}

func (p *fakeProc) Stdin() io.Writer  { return fakeStdin{p} }
func (p *fakeProc) Stdout() io.Reader { return p.outR }

type fakeStdin struct{ p *fakeProc }

func (s fakeStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.stdinErr != nil {
		return 0, s.p.stdinErr
	}
	s.p.stdin = append(s.p.stdin, b...)
	return len(b), nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigs = append(p.sigs, sig)
	return nil
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
}

func (p *fakeProc) Wait() (int, error) {
	return <-p.exitCh, nil
}

// emit writes one stdout line.
func (p *fakeProc) emit(line string) {
	_, _ = p.outW.Write([]byte(line + "\n"))
}

// exit closes stdout and reports the exit code.
func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.outW.Close()
		p.exitCh <- code
	})
}

func (p *fakeProc) stdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stdin)
}

// fakeClient records every JSON frame the bridge writes.
type fakeClient struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *fakeClient) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func (c *fakeClient) frame(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type bridgeFixture struct {
	bridge *Bridge
	store  *Store
	client *fakeClient

	mu      sync.Mutex
	procs   []*fakeProc
	resumes []string
}

func (f *bridgeFixture) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *bridgeFixture) procCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func newBridgeFixture(t *testing.T, name string) *bridgeFixture {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	f := &bridgeFixture{store: store, client: &fakeClient{}}
	spawn := func(resumeID string) (agentProcess, error) {
		p := newFakeProc()
		f.mu.Lock()
		f.procs = append(f.procs, p)
		f.resumes = append(f.resumes, resumeID)
		f.mu.Unlock()
		return p, nil
	}
	f.bridge = newBridge(name, store, spawn, 150*time.Millisecond, logger.Default())
	return f
}

func prompt(text string) []byte {
	raw, _ := json.Marshal(clientMessage{Type: "prompt", Text: text})
	return raw
}

func waitFrames(t *testing.T, c *fakeClient, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n },
		time.Second, 2*time.Millisecond, "expected %d frames, have %v", n, c.types())
}

func TestAttachEmptySessionState(t *testing.T) {
	f := newBridgeFixture(t, "fresh")
	require.NoError(t, f.bridge.Attach(f.client))

	require.Equal(t, []string{"session_state"}, f.client.types())
	state := f.client.frame(0)
	assert.Equal(t, false, state["streaming"])
	assert.Equal(t, false, state["process_alive"])
}

func TestPromptSpawnsAndForwardsTurn(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("hello"))
	require.Equal(t, 1, f.procCount())
	assert.Contains(t, f.proc(0).stdinString(), `"content":"hello"`)

	turning, alive := f.bridge.State()
	assert.True(t, turning)
	assert.True(t, alive)

	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"sess-1"}`)
	f.proc(0).emit(`{"type":"assistant","message":{"content":"hi"}}`)
	f.proc(0).emit(`{"type":"result","subtype":"success"}`)

	// session_state, init, assistant, result, turn_complete
	waitFrames(t, f.client, 5)
	assert.Equal(t, []string{"session_state", "event", "event", "event", "turn_complete"}, f.client.types())

	turning, alive = f.bridge.State()
	assert.False(t, turning)
	assert.True(t, alive)
}

func TestPromptWhileTurningRejected(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("first"))
	f.bridge.HandleClientMessage(prompt("second"))

	waitFrames(t, f.client, 2)
	assert.Equal(t, "error", f.client.frame(1)["type"])
	// Still turning; the rejection did not alter state.
	turning, _ := f.bridge.State()
	assert.True(t, turning)
	assert.NotContains(t, f.proc(0).stdinString(), "second")
}

func TestSecondInitSuppressed(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"s1"}`)
	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"s1"}`)
	f.proc(0).emit(`{"type":"result"}`)

	// session_state, init, result, turn_complete — second init dropped.
	waitFrames(t, f.client, 4)
	assert.Equal(t, []string{"session_state", "event", "event", "turn_complete"}, f.client.types())
}

func TestStreamAndSubagentEventsNotPersisted(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"stream_event","delta":"h"}`)
	f.proc(0).emit(`{"type":"assistant","parent_tool_use_id":"tu-1"}`)
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 5)

	// All three were forwarded live.
	assert.Equal(t, []string{"session_state", "event", "event", "event", "turn_complete"}, f.client.types())

	// Only the result survived in the durable log.
	events, err := f.store.Load("dev")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "result", events[0].Type)
}

func TestRawLineWrapped(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit("plain text spew")
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 4)

	events, err := f.store.Load("dev")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "raw", events[0].Type)
	assert.JSONEq(t, `{"type":"raw","text":"plain text spew"}`, string(events[0].Raw))
}

func TestReplayOrderAndSingleSessionState(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"s9","seq":1}`)
	f.proc(0).emit(`{"type":"assistant","seq":2}`)
	f.proc(0).emit(`{"type":"result","seq":3}`)
	waitFrames(t, f.client, 5)

	// Reconnect with a new client: full replay in insertion order, then
	// exactly one session_state.
	next := &fakeClient{}
	require.NoError(t, f.bridge.Attach(next))
	require.Equal(t, []string{"event", "event", "event", "session_state"}, next.types())

	var seqs []float64
	for i := 0; i < 3; i++ {
		ev := next.frame(i)["event"].(map[string]any)
		seqs = append(seqs, ev["seq"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 3}, seqs)

	// The preempted client was closed.
	assert.True(t, f.client.isClosed())
}

func TestRestoreAcrossBridgeRestart(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))
	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"persisted-id"}`)
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 4)

	// A fresh bridge over the same store restores the log lazily and
	// resumes with the captured agent session id.
	g := &bridgeFixture{store: f.store, client: &fakeClient{}}
	spawn := func(resumeID string) (agentProcess, error) {
		p := newFakeProc()
		g.mu.Lock()
		g.procs = append(g.procs, p)
		g.resumes = append(g.resumes, resumeID)
		g.mu.Unlock()
		return p, nil
	}
	g.bridge = newBridge("dev", f.store, spawn, 150*time.Millisecond, logger.Default())

	require.NoError(t, g.bridge.Attach(g.client))
	require.Equal(t, []string{"event", "event", "session_state"}, g.client.types())

	g.bridge.HandleClientMessage(prompt("continue"))
	require.Equal(t, 1, g.procCount())
	g.mu.Lock()
	resume := g.resumes[0]
	g.mu.Unlock()
	assert.Equal(t, "persisted-id", resume)
}

func TestNonZeroExitSynthesizesError(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).exit(3)

	waitFrames(t, f.client, 3)
	assert.Equal(t, []string{"session_state", "error", "turn_complete"}, f.client.types())
	assert.Equal(t, "Process exited (code 3)", f.client.frame(1)["message"])

	turning, alive := f.bridge.State()
	assert.False(t, turning)
	assert.False(t, alive)
}

func TestCleanExitWhileTurning(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).exit(0)

	waitFrames(t, f.client, 3)
	assert.Equal(t, "error", f.client.frame(1)["type"])
	assert.Equal(t, "Agent process exited unexpectedly", f.client.frame(1)["message"])
	assert.Equal(t, "turn_complete", f.client.frame(2)["type"])
}

func TestCleanExitWhileIdleIsQuiet(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 3)

	f.proc(0).exit(0)
	time.Sleep(50 * time.Millisecond)

	for _, typ := range f.client.types() {
		assert.NotEqual(t, "error", typ)
	}
}

func TestBrokenPipeRespawnsWithResume(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("first"))
	f.proc(0).emit(`{"type":"system","subtype":"init","session_id":"resume-me"}`)
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 4)

	// The process dies between turns; the next stdin write hits EPIPE.
	f.proc(0).mu.Lock()
	f.proc(0).stdinErr = fmt.Errorf("write |1: %w", io.ErrClosedPipe)
	f.proc(0).mu.Unlock()

	f.bridge.HandleClientMessage(prompt("second"))
	waitFrames(t, f.client, 5)
	assert.Equal(t, "error", f.client.frame(4)["type"])
	turning, alive := f.bridge.State()
	assert.False(t, turning)
	assert.False(t, alive)

	// Next prompt respawns, resuming the captured session id.
	f.bridge.HandleClientMessage(prompt("third"))
	require.Equal(t, 2, f.procCount())
	f.mu.Lock()
	resume := f.resumes[1]
	f.mu.Unlock()
	assert.Equal(t, "resume-me", resume)
}

func TestInterruptSignalsProcess(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	raw, _ := json.Marshal(clientMessage{Type: "interrupt"})
	f.bridge.HandleClientMessage(raw)

	p := f.proc(0)
	p.mu.Lock()
	sigs := append([]os.Signal(nil), p.sigs...)
	p.mu.Unlock()
	require.Len(t, sigs, 1)
	assert.Equal(t, os.Interrupt, sigs[0])
}

func TestRestartKillsQuietly(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 3)

	raw, _ := json.Marshal(clientMessage{Type: "restart"})
	f.bridge.HandleClientMessage(raw)

	require.Eventually(t, func() bool {
		_, alive := f.bridge.State()
		return !alive
	}, time.Second, 2*time.Millisecond)

	for _, typ := range f.client.types() {
		assert.NotEqual(t, "error", typ)
	}
}

func TestDebouncedFlush(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))

	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"assistant","n":1}`)
	waitFrames(t, f.client, 2)

	// Not yet flushed inside the debounce window.
	events, err := f.store.Load("dev")
	require.NoError(t, err)
	assert.Empty(t, events)

	require.Eventually(t, func() bool {
		events, err := f.store.Load("dev")
		return err == nil && len(events) == 1
	}, time.Second, 5*time.Millisecond, "debounced flush")
}

func TestRemoveDeletesDurableLog(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))
	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"result"}`)
	waitFrames(t, f.client, 3)

	require.NoError(t, f.bridge.remove())
	assert.True(t, f.proc(0).killed)
	assert.True(t, f.client.isClosed())

	events, err := f.store.Load("dev")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSnapshotRendersNDJSON(t *testing.T) {
	f := newBridgeFixture(t, "dev")
	require.NoError(t, f.bridge.Attach(f.client))
	f.bridge.HandleClientMessage(prompt("go"))
	f.proc(0).emit(`{"type":"assistant","n":1}`)
	f.proc(0).emit(`{"type":"result","n":2}`)
	waitFrames(t, f.client, 4)

	text, err := f.bridge.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"assistant","n":1}`+"\n"+`{"type":"result","n":2}`+"\n", text)
}
