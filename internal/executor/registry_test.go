package executor

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// fakeControl scripts an executor control socket.
type fakeControl struct {
	in chan []byte

	mu     sync.Mutex
	wrote  []map[string]any
	closed bool
	done   chan struct{}
}

func newFakeControl() *fakeControl {
	return &fakeControl{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeControl) ReadMessage() (int, []byte, error) {
	select {
	case raw, ok := <-c.in:
		if !ok {
			return 0, nil, fmt.Errorf("connection closed")
		}
		return 1, raw, nil
	case <-c.done:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeControl) WriteJSON(v any) error {
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
		return fmt.Errorf("connection closed")
	}
	c.wrote = append(c.wrote, m)
	return nil
}

func (c *fakeControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeControl) send(v any) {
	raw, _ := json.Marshal(v)
	c.in <- raw
}

func (c *fakeControl) sentFrames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.wrote...)
}

// lastRPCID pulls the id of the most recent frame the registry sent.
func (c *fakeControl) lastRPCID(t *testing.T) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		frames := c.sentFrames()
		if len(frames) == 0 {
			return false
		}
		id, _ = frames[len(frames)-1]["id"].(string)
		return id != ""
	}, time.Second, 2*time.Millisecond)
	return id
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		RPCTimeout:       1,
		ChannelTimeout:   1,
		HeartbeatTimeout: 1,
		HealthInterval:   1,
		AbandonAfter:     600,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(testConfig(), logger.Default())
}

// connect registers a fake executor and waits until the registry sees it.
func connect(t *testing.T, r *Registry, id, owner string) *fakeControl {
	t.Helper()
	conn := newFakeControl()
	go r.ServeControl(conn, owner)
	conn.send(execproto.Register{Type: execproto.TypeRegister, ExecutorID: id, Name: id + "-host"})
	require.Eventually(t, func() bool {
		_, ok := r.Get(id)
		return ok
	}, time.Second, 2*time.Millisecond)
	return conn
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)
	connect(t, r, "exec-1", "user-a")

	info, ok := r.Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, "exec-1-host", info.Name)
	assert.Equal(t, "user-a", info.OwnerUserID)
	assert.Len(t, r.List(), 1)

	logs := r.Logs(time.Time{})
	require.NotEmpty(t, logs)
	assert.Equal(t, "registered", logs[0].Event)
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeControl()
	done := make(chan struct{})
	go func() {
		r.ServeControl(conn, "user-a")
		close(done)
	}()

	conn.send(execproto.Heartbeat{Type: execproto.TypeHeartbeat})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeControl did not reject non-register first frame")
	}
	assert.Empty(t, r.List())
}

func TestHeartbeatUpdatesSessions(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	var observed []execproto.SessionLiveness
	var observedOwner string
	var obsMu sync.Mutex
	r.OnHeartbeat(func(executorID, owner string, sessions []execproto.SessionLiveness) {
		obsMu.Lock()
		defer obsMu.Unlock()
		observedOwner = owner
		observed = sessions
	})

	conn.send(execproto.Heartbeat{
		Type:     execproto.TypeHeartbeat,
		Sessions: []execproto.SessionLiveness{{Name: "dev", Alive: true, LastActivity: 123}},
	})

	require.Eventually(t, func() bool {
		info, _ := r.Get("exec-1")
		return len(info.Sessions) == 1
	}, time.Second, 2*time.Millisecond)

	obsMu.Lock()
	defer obsMu.Unlock()
	assert.Equal(t, "user-a", observedOwner)
	require.Len(t, observed, 1)
	assert.Equal(t, "dev", observed[0].Name)
}

func TestRPCCorrelation(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	type result struct {
		data json.RawMessage
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, err := r.Call("exec-1", func(id string) any {
			return execproto.ListSessionsRequest{Type: execproto.OpListSessions, ID: id}
		})
		resCh <- result{data, err}
	}()

	rpcID := conn.lastRPCID(t)

	// An unknown id is silently dropped.
	conn.send(execproto.Response{Type: execproto.TypeResponse, ID: "bogus", OK: true})
	// The matching response resolves the call.
	conn.send(execproto.Response{
		Type: execproto.TypeResponse, ID: rpcID, OK: true,
		Data: json.RawMessage(`{"sessions":[{"name":"dev","alive":true,"last_activity":1}]}`),
	})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"sessions":[{"name":"dev","alive":true,"last_activity":1}]}`, string(res.data))
	case <-time.After(time.Second):
		t.Fatal("rpc did not resolve")
	}
}

func TestRPCErrorResponse(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call("exec-1", func(id string) any {
			return execproto.DeleteSessionRequest{Type: execproto.OpDeleteSession, ID: id, Name: "gone"}
		})
		errCh <- err
	}()

	rpcID := conn.lastRPCID(t)
	conn.send(execproto.Response{
		Type: execproto.TypeResponse, ID: rpcID, OK: false,
		Error: errdefs.ErrNotFound.Error() + ": gone",
	})

	err := <-errCh
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRPCTimeoutSingleResolution(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	start := time.Now()
	_, err := r.Call("exec-1", func(id string) any {
		return execproto.ListSessionsRequest{Type: execproto.OpListSessions, ID: id}
	})
	require.ErrorIs(t, err, errdefs.ErrRpcTimeout)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	// A response arriving after the timeout is dropped without panicking.
	rpcID := conn.lastRPCID(t)
	conn.send(execproto.Response{Type: execproto.TypeResponse, ID: rpcID, OK: true})
	time.Sleep(20 * time.Millisecond)
}

func TestCallToUnknownExecutor(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Call("nope", func(id string) any {
		return execproto.ListSessionsRequest{Type: execproto.OpListSessions, ID: id}
	})
	assert.ErrorIs(t, err, errdefs.ErrExecutorOffline)
}

func TestDisconnectFailsPendingRPCs(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call("exec-1", func(id string) any {
			return execproto.ListSessionsRequest{Type: execproto.OpListSessions, ID: id}
		})
		errCh <- err
	}()
	conn.lastRPCID(t)

	changed := make(chan struct{}, 4)
	r.OnChange(func() { changed <- struct{}{} })

	r.Disconnect("exec-1", "test")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errdefs.ErrExecutorOffline)
	case <-time.After(time.Second):
		t.Fatal("pending rpc not failed on disconnect")
	}
	assert.Empty(t, r.List())
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("change callback not fired")
	}

	var events []string
	for _, e := range r.Logs(time.Time{}) {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "disconnected")
}

func TestReconnectKeepsFreshRegistration(t *testing.T) {
	r := newTestRegistry(t)

	conn1 := newFakeControl()
	serve1 := make(chan struct{})
	go func() {
		r.ServeControl(conn1, "user-a")
		close(serve1)
	}()
	conn1.send(execproto.Register{Type: execproto.TypeRegister, ExecutorID: "exec-1", Name: "exec-1-host"})
	require.Eventually(t, func() bool {
		_, ok := r.Get("exec-1")
		return ok
	}, time.Second, 2*time.Millisecond)

	// Reconnect under the same id: the registry closes the stale socket
	// and replaces the entry.
	conn2 := newFakeControl()
	go r.ServeControl(conn2, "user-a")
	conn2.send(execproto.Register{Type: execproto.TypeRegister, ExecutorID: "exec-1", Name: "exec-1-host-v2"})
	require.Eventually(t, func() bool {
		info, ok := r.Get("exec-1")
		return ok && info.Name == "exec-1-host-v2"
	}, time.Second, 2*time.Millisecond)

	// The stale control loop exits and runs its teardown; the fresh
	// registration must survive it.
	select {
	case <-serve1:
	case <-time.After(time.Second):
		t.Fatal("stale control loop did not exit")
	}

	info, ok := r.Get("exec-1")
	require.True(t, ok, "fresh registration removed by stale socket teardown")
	assert.Equal(t, "exec-1-host-v2", info.Name)

	// Traffic lands on the new socket, not the closed one.
	require.NoError(t, r.Upgrade("exec-1", "redeploy"))
	frames := conn2.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "upgrade", frames[0]["type"])
	assert.Empty(t, conn1.sentFrames())
}

func TestHeartbeatTimeoutSweep(t *testing.T) {
	r := newTestRegistry(t)
	connect(t, r, "exec-1", "user-a")

	// No heartbeat for longer than the 1 s test timeout.
	time.Sleep(1100 * time.Millisecond)
	r.sweep()

	assert.Empty(t, r.List())
	var events []string
	for _, e := range r.Logs(time.Time{}) {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "timed_out")
}

func TestTerminalChannelRendezvous(t *testing.T) {
	r := newTestRegistry(t)

	wait := r.AwaitTerminalChannel("chan-1")
	conn := newFakeTerminal()
	require.NoError(t, r.ResolveTerminalChannel("chan-1", conn))

	select {
	case got := <-wait:
		assert.Equal(t, TerminalConn(conn), got)
	case <-time.After(time.Second):
		t.Fatal("rendezvous did not deliver the channel")
	}

	// A second resolve for the same id is an orphan dial.
	err := r.ResolveTerminalChannel("chan-1", newFakeTerminal())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestTerminalChannelTimeout(t *testing.T) {
	r := newTestRegistry(t)

	wait := r.AwaitTerminalChannel("chan-1")
	select {
	case conn, ok := <-wait:
		assert.False(t, ok)
		assert.Nil(t, conn)
	case <-time.After(2 * time.Second):
		t.Fatal("pending channel did not expire")
	}

	// Late dial after expiry is refused.
	err := r.ResolveTerminalChannel("chan-1", newFakeTerminal())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestUpgradePush(t *testing.T) {
	r := newTestRegistry(t)
	conn := connect(t, r, "exec-1", "user-a")

	require.NoError(t, r.Upgrade("exec-1", "new build"))
	frames := conn.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "upgrade", frames[0]["type"])
	assert.Equal(t, "new build", frames[0]["reason"])

	assert.ErrorIs(t, r.Upgrade("absent", ""), errdefs.ErrExecutorOffline)
}

func TestLogRingBounded(t *testing.T) {
	r := newTestRegistry(t)
	r.mu.Lock()
	for i := 0; i < maxLogEntries+50; i++ {
		r.appendLogLocked("exec-1", "registered", "")
	}
	r.mu.Unlock()
	assert.Len(t, r.Logs(time.Time{}), maxLogEntries)
}
