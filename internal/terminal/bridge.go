// Package terminal shares one pseudo-terminal per session across any number
// of client sockets. The pty runs the multiplexer attach command; clients
// negotiate geometry by minimum so a small viewport never clips a large one.
package terminal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/internal/tmux"
)

const (
	// defaultCols and defaultRows apply when a client declares no viewport.
	defaultCols uint16 = 80
	defaultRows uint16 = 24

	readBufSize = 32 * 1024
)

// resizeFrame is the JSON control frame a client sends to update its
// viewport. Anything that does not parse as one is raw pty input.
type resizeFrame struct {
	Resize []uint16 `json:"resize"`
}

// OutputSink receives pty output for one client. Implementations must be
// safe for use from the bridge's read loop.
type OutputSink interface {
	io.Writer
	Close() error
}

// ptyHandle abstracts the attached pseudo-terminal.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// osPty is the production ptyHandle: an attach command on a real pty.
type osPty struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *osPty) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *osPty) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *osPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *osPty) Close() error {
	err := p.f.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return err
}

func startAttachPty(argv []string, cols, rows uint16) (ptyHandle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start pty: %v", errdefs.ErrSpawnFailure, err)
	}
	return &osPty{f: f, cmd: cmd}, nil
}

// Manager owns one share per attached session name.
type Manager struct {
	attachArgs func(name string) []string
	startPty   func(argv []string, cols, rows uint16) (ptyHandle, error)
	logger     *logger.Logger

	mu     sync.Mutex
	shares map[string]*share
}

// NewManager creates a terminal bridge manager attaching through runner.
func NewManager(runner *tmux.Runner, log *logger.Logger) *Manager {
	return &Manager{
		attachArgs: runner.AttachArgs,
		startPty:   startAttachPty,
		logger:     log.WithFields(zap.String("component", "terminal_bridge")),
		shares:     make(map[string]*share),
	}
}

type viewport struct {
	cols, rows uint16
}

func normalizeViewport(cols, rows int) viewport {
	vp := viewport{cols: defaultCols, rows: defaultRows}
	if cols > 0 && cols <= 0xffff {
		vp.cols = uint16(cols)
	}
	if rows > 0 && rows <= 0xffff {
		vp.rows = uint16(rows)
	}
	return vp
}

// share is one pty fanned out to a set of clients.
type share struct {
	name string
	pty  ptyHandle
	mgr  *Manager

	mu      sync.Mutex
	clients map[*Attachment]struct{}
	closed  bool
}

// Attachment is one client's membership in a share.
type Attachment struct {
	share *share
	sink  OutputSink
	vp    viewport
}

// Attach joins a client to the named session's share, creating the share
// and its pty on first attach. cols/rows of zero fall back to 80x24.
func (m *Manager) Attach(name string, cols, rows int, sink OutputSink) (*Attachment, error) {
	if err := tmux.ValidateName(name); err != nil {
		return nil, err
	}
	vp := normalizeViewport(cols, rows)

	for {
		m.mu.Lock()
		s, ok := m.shares[name]
		if !ok {
			p, err := m.startPty(m.attachArgs(name), vp.cols, vp.rows)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
			s = &share{
				name:    name,
				pty:     p,
				mgr:     m,
				clients: make(map[*Attachment]struct{}),
			}
			m.shares[name] = s
			go m.readLoop(s)
			m.logger.Info("terminal share opened",
				zap.String("name", name),
				zap.Uint16("cols", vp.cols),
				zap.Uint16("rows", vp.rows))
		}
		m.mu.Unlock()

		att := &Attachment{share: s, sink: sink, vp: vp}
		if s.add(att) {
			return att, nil
		}
		// Lost a race with the share tearing down; start over.
	}
}

// CloseSession tears down the share for a deleted session, if one exists.
func (m *Manager) CloseSession(name string) {
	m.mu.Lock()
	s, ok := m.shares[name]
	m.mu.Unlock()
	if ok {
		s.teardown()
	}
}

// readLoop fans pty output to every client until the pty exits, then tears
// the share down, closing all client sinks.
func (m *Manager) readLoop(s *share) {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.broadcast(buf[:n])
		}
		if err != nil {
			m.logger.Info("terminal pty exited", zap.String("name", s.name))
			s.teardown()
			return
		}
	}
}

// HandleMessage routes one client payload: a resize control frame updates
// the viewport, anything else is written to the pty unchanged.
func (a *Attachment) HandleMessage(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var frame resizeFrame
		if err := json.Unmarshal(data, &frame); err == nil && len(frame.Resize) == 2 {
			a.Resize(int(frame.Resize[0]), int(frame.Resize[1]))
			return nil
		}
	}
	if _, err := a.share.pty.Write(data); err != nil {
		return fmt.Errorf("%w: pty write: %v", errdefs.ErrIoFailure, err)
	}
	return nil
}

// Resize updates this client's viewport and reapplies the share minimum.
func (a *Attachment) Resize(cols, rows int) {
	a.share.mu.Lock()
	if _, ok := a.share.clients[a]; !ok {
		a.share.mu.Unlock()
		return
	}
	a.vp = normalizeViewport(cols, rows)
	a.share.applyMinLocked()
	a.share.mu.Unlock()
}

// Close detaches the client. The last client out kills the pty.
func (a *Attachment) Close() {
	a.share.remove(a)
}

func (s *share) add(a *Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[a] = struct{}{}
	s.applyMinLocked()
	return true
}

func (s *share) remove(a *Attachment) {
	s.mu.Lock()
	if _, ok := s.clients[a]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, a)
	last := len(s.clients) == 0
	if !last {
		s.applyMinLocked()
	}
	s.mu.Unlock()

	if last {
		s.teardown()
	}
}

// broadcast writes one pty chunk to every client, dropping clients whose
// sink fails.
func (s *share) broadcast(p []byte) {
	s.mu.Lock()
	var dead []*Attachment
	for a := range s.clients {
		if _, err := a.sink.Write(p); err != nil {
			dead = append(dead, a)
		}
	}
	for _, a := range dead {
		delete(s.clients, a)
		_ = a.sink.Close()
	}
	last := len(s.clients) == 0 && len(dead) > 0
	s.mu.Unlock()

	if last {
		s.teardown()
	}
}

// teardown closes the pty, every client sink, and removes the share from
// the manager. Safe to call more than once.
func (s *share) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*Attachment, 0, len(s.clients))
	for a := range s.clients {
		clients = append(clients, a)
	}
	s.clients = make(map[*Attachment]struct{})
	s.mu.Unlock()

	_ = s.pty.Close()
	for _, a := range clients {
		_ = a.sink.Close()
	}

	s.mgr.mu.Lock()
	if s.mgr.shares[s.name] == s {
		delete(s.mgr.shares, s.name)
	}
	s.mgr.mu.Unlock()

	s.mgr.logger.Info("terminal share closed", zap.String("name", s.name))
}

// applyMinLocked resizes the pty to the componentwise minimum viewport of
// the current client set. Caller holds s.mu.
func (s *share) applyMinLocked() {
	cols, rows := defaultCols, defaultRows
	first := true
	for a := range s.clients {
		if first {
			cols, rows = a.vp.cols, a.vp.rows
			first = false
			continue
		}
		if a.vp.cols < cols {
			cols = a.vp.cols
		}
		if a.vp.rows < rows {
			rows = a.vp.rows
		}
	}
	if err := s.pty.Resize(cols, rows); err != nil {
		s.mgr.logger.Debug("pty resize failed",
			zap.String("name", s.name),
			zap.Uint16("cols", cols),
			zap.Uint16("rows", rows),
			zap.Error(err))
	}
}
