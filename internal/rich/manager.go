package rich

import (
	"sync"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
)

// Manager holds one bridge per rich session name.
type Manager struct {
	cfg    config.RichConfig
	store  *Store
	logger *logger.Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewManager creates the event-log store under the configured data dir.
func NewManager(cfg config.RichConfig, log *logger.Logger) (*Manager, error) {
	store, err := NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		logger:  log,
		bridges: make(map[string]*Bridge),
	}, nil
}

// Bridge returns the session's bridge, creating it on first use.
func (m *Manager) Bridge(name string, opts Options) *Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[name]; ok {
		return b
	}
	spawn := func(resumeID string) (agentProcess, error) {
		return spawnAgent(m.cfg.AgentBinary, resumeID, opts.SkipPermissions, opts.Cwd)
	}
	b := newBridge(name, m.store, spawn, m.cfg.FlushDebounceDuration(), m.logger)
	m.bridges[name] = b
	return b
}

// Lookup returns an existing bridge without creating one.
func (m *Manager) Lookup(name string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[name]
	return b, ok
}

// Snapshot renders a session's event log, whether or not a bridge is live.
func (m *Manager) Snapshot(name string) (string, error) {
	if b, ok := m.Lookup(name); ok {
		return b.Snapshot()
	}
	events, err := m.store.Load(name)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, 4096)
	for _, ev := range events {
		out = append(out, ev.Raw...)
		out = append(out, '\n')
	}
	return string(out), nil
}

// Delete tears down a session's bridge and removes its durable log.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	b, ok := m.bridges[name]
	delete(m.bridges, name)
	m.mu.Unlock()
	if ok {
		return b.remove()
	}
	return m.store.Delete(name)
}

// Shutdown flushes every bridge and terminates their subprocesses.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()
	for _, b := range bridges {
		b.shutdown()
	}
}
