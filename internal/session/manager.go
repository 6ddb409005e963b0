package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/tmux"
	"github.com/claude-host/claude-host/pkg/execproto"
)

// slugAttempts bounds the collision retry when minting session names.
const slugAttempts = 8

// heartbeatOpTimeout bounds the store work done per heartbeat.
const heartbeatOpTimeout = 5 * time.Second

// ConfigKeyForkHooks is the user-config key holding the fork-hook map as a
// JSON object of base-command to hook-path.
const ConfigKeyForkHooks = "forkHooks"

// ConfigKeyDefaultCommand is the command used when a plain session is
// created without one.
const ConfigKeyDefaultCommand = "defaultCommand"

// jsonConfigKeys are config values that must parse as JSON objects.
var jsonConfigKeys = map[string]bool{
	ConfigKeyForkHooks: true,
	"shortcuts":        true,
}

// CreateParams are the caller-supplied attributes of a new session.
type CreateParams struct {
	Description     string `json:"description"`
	Command         string `json:"command"`
	Mode            string `json:"mode"`
	ExecutorID      string `json:"executor_id"`
	SkipPermissions bool   `json:"skip_permissions"`
}

// JobParams are the caller-supplied attributes of an unattended job.
type JobParams struct {
	Prompt          string `json:"prompt"`
	MaxIterations   int    `json:"max_iterations"`
	ExecutorID      string `json:"executor_id"`
	SkipPermissions bool   `json:"skip_permissions"`
}

// ExecutorStatus is one entry of the executor listing: the persisted record
// overlaid with the registry's online view.
type ExecutorStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Sessions int       `json:"sessions"`
}

// Manager is the source of truth for session metadata and the routing
// layer over executors. All store mutations go through it.
type Manager struct {
	store       *Store
	local       executor.Executor
	reg         *executor.Registry
	execCfg     config.ExecutorConfig
	agentBinary string
	logger      *logger.Logger
}

// NewManager wires the manager over the metadata store, the local
// executor, and the remote-executor registry.
func NewManager(store *Store, local executor.Executor, reg *executor.Registry, execCfg config.ExecutorConfig, agentBinary string, log *logger.Logger) *Manager {
	return &Manager{
		store:       store,
		local:       local,
		reg:         reg,
		execCfg:     execCfg,
		agentBinary: agentBinary,
		logger:      log.WithFields(zap.String("component", "session_manager")),
	}
}

// executorFor routes an operation. Empty or "local" is the in-process
// executor; anything else must be online and owned by the caller.
func (m *Manager) executorFor(userID, executorID string) (executor.Executor, error) {
	if executorID == "" || executorID == executor.LocalID {
		return m.local, nil
	}
	info, ok := m.reg.Get(executorID)
	if !ok {
		return nil, fmt.Errorf("%w: executor %s", errdefs.ErrNotFound, executorID)
	}
	if info.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: executor %s", errdefs.ErrNotOwned, executorID)
	}
	return executor.NewRemote(executorID, m.reg, m.logger), nil
}

// Create makes a new session: mint a slug, create the window on the
// target executor, persist the row.
func (m *Manager) Create(ctx context.Context, userID string, p CreateParams) (*Session, error) {
	mode := p.Mode
	if mode == "" {
		mode = ModeTerminal
	}
	if mode != ModeTerminal && mode != ModeRich {
		return nil, fmt.Errorf("%w: mode %q", errdefs.ErrInvalidArgument, p.Mode)
	}
	exec, err := m.executorFor(userID, p.ExecutorID)
	if err != nil {
		return nil, err
	}

	command := p.Command
	if mode == ModeRich {
		command = m.agentBinary
		if p.SkipPermissions {
			command += " --dangerously-skip-permissions"
		}
	} else if command == "" {
		command, err = m.store.ConfigValue(ctx, userID, ConfigKeyDefaultCommand)
		if err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < slugAttempts; attempt++ {
		name := NewSlug()
		if _, err := m.store.GetSession(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}

		if mode == ModeRich {
			err = exec.CreateRichSession(ctx, name, command)
		} else {
			err = exec.CreateSession(ctx, name, command)
		}
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		row := &Session{
			Name:        name,
			OwnerUserID: &userID,
			ExecutorID:  exec.ID(),
			Mode:        mode,
			Command:     command,
			Description: p.Description,
			CreatedAt:   time.Now(),
		}
		if err := m.store.CreateSession(ctx, row); err != nil {
			return nil, err
		}
		m.logger.Info("session created",
			zap.String("session", name),
			zap.String("executor_id", exec.ID()),
			zap.String("mode", mode))
		return row, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique session name", errdefs.ErrAlreadyExists)
}

// CreateJob makes an unattended job session.
func (m *Manager) CreateJob(ctx context.Context, userID string, p JobParams) (*Session, error) {
	if p.Prompt == "" {
		return nil, fmt.Errorf("%w: job prompt is required", errdefs.ErrInvalidArgument)
	}
	if p.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: max_iterations must be at least 1", errdefs.ErrInvalidArgument)
	}
	exec, err := m.executorFor(userID, p.ExecutorID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < slugAttempts; attempt++ {
		name := NewSlug()
		if _, err := m.store.GetSession(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}

		err = exec.CreateJob(ctx, name, p.Prompt, p.MaxIterations, p.SkipPermissions)
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		maxIter := int64(p.MaxIterations)
		row := &Session{
			Name:             name,
			OwnerUserID:      &userID,
			ExecutorID:       exec.ID(),
			Mode:             ModeTerminal,
			Description:      firstLine(p.Prompt),
			CreatedAt:        time.Now(),
			JobPrompt:        &p.Prompt,
			JobMaxIterations: &maxIter,
		}
		if err := m.store.CreateSession(ctx, row); err != nil {
			return nil, err
		}
		m.logger.Info("job created",
			zap.String("session", name),
			zap.String("executor_id", exec.ID()),
			zap.Int("max_iterations", p.MaxIterations))
		return row, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique session name", errdefs.ErrAlreadyExists)
}

// Fork derives a new session from an owned one on the same executor.
func (m *Manager) Fork(ctx context.Context, userID, sourceName string) (*Session, error) {
	source, err := m.ownedSession(ctx, userID, sourceName)
	if err != nil {
		return nil, err
	}
	exec, err := m.executorFor(userID, source.ExecutorID)
	if err != nil {
		return nil, err
	}
	hooks, err := m.ForkHooks(ctx, userID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < slugAttempts; attempt++ {
		name := NewSlug()
		if _, err := m.store.GetSession(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}

		err = exec.ForkSession(ctx, sourceName, name, hooks)
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		parent := sourceName
		row := &Session{
			Name:        name,
			OwnerUserID: &userID,
			ExecutorID:  source.ExecutorID,
			Mode:        source.Mode,
			Command:     source.Command,
			Description: fmt.Sprintf("forked from %s", sourceName),
			ParentName:  &parent,
			CreatedAt:   time.Now(),
		}
		if err := m.store.CreateSession(ctx, row); err != nil {
			return nil, err
		}
		m.logger.Info("session forked",
			zap.String("session", name),
			zap.String("source", sourceName))
		return row, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique session name", errdefs.ErrAlreadyExists)
}

// List returns the user's sessions overlaid with executor liveness.
// Sessions stranded on executors offline beyond the abandon threshold are
// pruned as a side effect.
func (m *Manager) List(ctx context.Context, userID string) ([]Session, error) {
	rows, err := m.store.ListSessionsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}

	liveness := make(map[string]map[string]execproto.SessionLiveness)
	localSessions, err := m.local.ListSessions(ctx)
	if err != nil {
		m.logger.Warn("local liveness unavailable", zap.Error(err))
	} else {
		liveness[executor.LocalID] = livenessByName(localSessions)
	}

	now := time.Now()
	abandon := m.execCfg.AbandonAfterDuration()
	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		byName, seen := liveness[row.ExecutorID]
		if !seen && row.ExecutorID != executor.LocalID {
			if info, ok := m.reg.Get(row.ExecutorID); ok {
				byName = livenessByName(info.Sessions)
			} else if m.abandoned(ctx, &row, now, abandon) {
				m.logger.Info("pruning abandoned session",
					zap.String("session", row.Name),
					zap.String("executor_id", row.ExecutorID))
				if err := m.store.DeleteSession(ctx, row.Name); err != nil {
					m.logger.Warn("failed to prune session", zap.String("session", row.Name), zap.Error(err))
				}
				continue
			}
			liveness[row.ExecutorID] = byName
		}
		if lv, ok := byName[row.Name]; ok {
			row.Alive = lv.Alive
			if lv.LastActivity > row.LastActivity {
				row.LastActivity = lv.LastActivity
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// abandoned reports whether a session's executor has been offline longer
// than the configured threshold. A missing executor record falls back to
// the row's age.
func (m *Manager) abandoned(ctx context.Context, row *Session, now time.Time, abandon time.Duration) bool {
	if abandon <= 0 {
		return false
	}
	rec, err := m.store.GetExecutor(ctx, row.ExecutorID)
	if err != nil {
		return now.Sub(row.CreatedAt) > abandon
	}
	return now.Sub(rec.LastSeen) > abandon
}

// Delete removes a session: ownership check, best-effort executor
// teardown, row removal. Idempotent; an unreachable executor does not
// keep the row alive.
func (m *Manager) Delete(ctx context.Context, userID, name string) error {
	row, err := m.store.GetSession(ctx, name)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkOwner(row, userID); err != nil {
		return err
	}

	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		m.logger.Warn("deleting session without executor teardown",
			zap.String("session", name),
			zap.String("executor_id", row.ExecutorID),
			zap.Error(err))
	} else {
		if row.Mode == ModeRich {
			err = exec.DeleteRichSession(ctx, name)
		} else {
			err = exec.DeleteSession(ctx, name)
		}
		if err != nil && !errdefs.IsUserError(err) && !errors.Is(err, errdefs.ErrNotFound) {
			if !errors.Is(err, errdefs.ErrExecutorOffline) && !errors.Is(err, errdefs.ErrRpcTimeout) {
				return err
			}
			m.logger.Warn("executor unreachable during delete",
				zap.String("session", name), zap.Error(err))
		}
	}
	return m.store.DeleteSession(ctx, name)
}

// Snapshot renders recent session output: pane text for terminal mode,
// the event log for rich mode.
func (m *Manager) Snapshot(ctx context.Context, userID, name string, lines int) (string, error) {
	row, err := m.ownedSession(ctx, userID, name)
	if err != nil {
		return "", err
	}
	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		return "", err
	}
	if row.Mode == ModeRich {
		return exec.SnapshotRichSession(ctx, name)
	}
	return exec.SnapshotSession(ctx, name, lines)
}

// Summarize asks the session's executor for a one-line description of the
// window's current activity.
func (m *Manager) Summarize(ctx context.Context, userID, name string) (string, error) {
	row, err := m.ownedSession(ctx, userID, name)
	if err != nil {
		return "", err
	}
	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		return "", err
	}
	return exec.Summarize(ctx, name)
}

// Analyze probes the window and persists the needs-input verdict.
func (m *Manager) Analyze(ctx context.Context, userID, name string) (string, bool, error) {
	row, err := m.ownedSession(ctx, userID, name)
	if err != nil {
		return "", false, err
	}
	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		return "", false, err
	}
	desc, needsInput, err := exec.Analyze(ctx, name)
	if err != nil {
		return "", false, err
	}
	if needsInput != row.NeedsInput {
		if err := m.store.UpdateSessionNeedsInput(ctx, name, needsInput); err != nil {
			m.logger.Warn("failed to persist needs_input", zap.String("session", name), zap.Error(err))
		}
	}
	return desc, needsInput, nil
}

// AttachTerminal connects a client sink to a terminal session.
func (m *Manager) AttachTerminal(ctx context.Context, userID, name string, cols, rows int, sink executor.StreamSink) (executor.StreamHandle, error) {
	row, err := m.ownedSession(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		return nil, err
	}
	return exec.AttachTerminal(name, cols, rows, sink)
}

// AttachRich connects a client sink to a rich session's bridge.
func (m *Manager) AttachRich(ctx context.Context, userID, name string, sink executor.StreamSink) (executor.StreamHandle, error) {
	row, err := m.ownedSession(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	if row.Mode != ModeRich {
		return nil, fmt.Errorf("%w: session %s is not a rich session", errdefs.ErrInvalidArgument, name)
	}
	exec, err := m.executorFor(userID, row.ExecutorID)
	if err != nil {
		return nil, err
	}
	return exec.AttachRich(name, sink)
}

// HandleHeartbeat is the registry's heartbeat observer: it refreshes the
// executor record and reconciles the store against the reported windows.
// Sessions reported but unknown are adopted under the executor's owner;
// rows created during the current connection that the executor no longer
// reports are removed.
func (m *Manager) HandleHeartbeat(executorID, owner string, sessions []execproto.SessionLiveness) {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatOpTimeout)
	defer cancel()

	info, online := m.reg.Get(executorID)
	rec := &ExecutorRecord{ID: executorID, LastSeen: time.Now()}
	if owner != "" {
		rec.OwnerUserID = &owner
	}
	if online {
		rec.Name = info.Name
	}
	if err := m.store.UpsertExecutor(ctx, rec); err != nil {
		m.logger.Warn("failed to record executor sighting",
			zap.String("executor_id", executorID), zap.Error(err))
	}

	reported := livenessByName(sessions)
	rows, err := m.store.ListSessionsByExecutor(ctx, executorID)
	if err != nil {
		m.logger.Warn("heartbeat reconcile failed",
			zap.String("executor_id", executorID), zap.Error(err))
		return
	}

	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		known[row.Name] = true
		lv, ok := reported[row.Name]
		if ok {
			if lv.LastActivity > row.LastActivity {
				if err := m.store.UpdateSessionActivity(ctx, row.Name, lv.LastActivity); err != nil {
					m.logger.Warn("failed to update activity", zap.String("session", row.Name), zap.Error(err))
				}
			}
			continue
		}
		// The executor was connected when this row was created and no
		// longer reports the window: the session is gone.
		if online && !info.ConnectedAt.After(row.CreatedAt) {
			m.logger.Info("removing session no longer reported",
				zap.String("session", row.Name),
				zap.String("executor_id", executorID))
			if err := m.store.DeleteSession(ctx, row.Name); err != nil {
				m.logger.Warn("failed to remove session", zap.String("session", row.Name), zap.Error(err))
			}
		}
	}

	for name, lv := range reported {
		if known[name] {
			continue
		}
		row := &Session{
			Name:         name,
			ExecutorID:   executorID,
			Mode:         ModeTerminal,
			Description:  "adopted",
			CreatedAt:    time.Now(),
			LastActivity: lv.LastActivity,
		}
		if owner != "" {
			row.OwnerUserID = &owner
		}
		if err := m.store.CreateSession(ctx, row); err != nil && !errors.Is(err, errdefs.ErrAlreadyExists) {
			m.logger.Warn("failed to adopt session", zap.String("session", name), zap.Error(err))
			continue
		}
		m.logger.Info("adopted orphaned session",
			zap.String("session", name),
			zap.String("executor_id", executorID))
	}
}

// SyncLocal reconciles the store against the local multiplexer, typically
// at startup. Unknown live windows are adopted without an owner; terminal
// rows whose window is gone are pruned, rich rows are kept because their
// event log still serves replay and resume.
func (m *Manager) SyncLocal(ctx context.Context) error {
	live, err := m.local.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list local sessions: %w", err)
	}
	reported := livenessByName(live)

	rows, err := m.store.ListSessionsByExecutor(ctx, executor.LocalID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		known[row.Name] = true
		if _, ok := reported[row.Name]; ok {
			continue
		}
		if row.Mode == ModeRich {
			continue
		}
		m.logger.Info("pruning local session without a window", zap.String("session", row.Name))
		if err := m.store.DeleteSession(ctx, row.Name); err != nil {
			m.logger.Warn("failed to prune session", zap.String("session", row.Name), zap.Error(err))
		}
	}

	for name, lv := range reported {
		if known[name] {
			continue
		}
		row := &Session{
			Name:         name,
			ExecutorID:   executor.LocalID,
			Mode:         ModeTerminal,
			Description:  "adopted",
			CreatedAt:    time.Now(),
			LastActivity: lv.LastActivity,
		}
		if err := m.store.CreateSession(ctx, row); err != nil && !errors.Is(err, errdefs.ErrAlreadyExists) {
			m.logger.Warn("failed to adopt local session", zap.String("session", name), zap.Error(err))
			continue
		}
		m.logger.Info("adopted local session", zap.String("session", name))
	}
	return nil
}

// AdoptUnownedResources assigns every ownerless session to userID. Called
// on first login of the configured admin email; idempotent.
func (m *Manager) AdoptUnownedResources(ctx context.Context, userID string) error {
	n, err := m.store.AdoptUnownedSessions(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("adopted unowned sessions",
			zap.Int64("count", n), zap.String("user_id", userID))
	}
	return nil
}

// ListExecutors merges persisted executor records with the registry's
// online view, filtered to the caller's executors.
func (m *Manager) ListExecutors(ctx context.Context, userID string) ([]ExecutorStatus, error) {
	records, err := m.store.ListExecutors(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ExecutorStatus, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.OwnerUserID == nil || *rec.OwnerUserID != userID {
			continue
		}
		seen[rec.ID] = true
		status := ExecutorStatus{ID: rec.ID, Name: rec.Name, LastSeen: rec.LastSeen}
		if info, ok := m.reg.Get(rec.ID); ok {
			status.Online = true
			status.LastSeen = info.LastSeen
			status.Sessions = len(info.Sessions)
		}
		out = append(out, status)
	}

	// Executors connected but not yet persisted (first heartbeat pending).
	for _, info := range m.reg.List() {
		if seen[info.ID] || info.OwnerUserID != userID {
			continue
		}
		out = append(out, ExecutorStatus{
			ID:       info.ID,
			Name:     info.Name,
			Online:   true,
			LastSeen: info.LastSeen,
			Sessions: len(info.Sessions),
		})
	}
	return out, nil
}

// UpgradeExecutor pushes an upgrade frame to an owned, online executor.
func (m *Manager) UpgradeExecutor(ctx context.Context, userID, executorID, reason string) error {
	info, ok := m.reg.Get(executorID)
	if !ok {
		return fmt.Errorf("%w: executor %s", errdefs.ErrExecutorOffline, executorID)
	}
	if info.OwnerUserID != userID {
		return fmt.Errorf("%w: executor %s", errdefs.ErrNotOwned, executorID)
	}
	return m.reg.Upgrade(executorID, reason)
}

// GetConfig returns the user's configuration map.
func (m *Manager) GetConfig(ctx context.Context, userID string) (map[string]string, error) {
	return m.store.ConfigMap(ctx, userID)
}

// SetConfig stores one configuration entry. JSON-typed keys must parse as
// objects.
func (m *Manager) SetConfig(ctx context.Context, userID, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: config key is required", errdefs.ErrInvalidArgument)
	}
	if jsonConfigKeys[key] && value != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(value), &obj); err != nil {
			return fmt.Errorf("%w: %s must be a JSON object", errdefs.ErrInvalidArgument, key)
		}
	}
	return m.store.SetConfigValue(ctx, userID, key, value)
}

// ForkHooks parses the user's fork-hook map from config.
func (m *Manager) ForkHooks(ctx context.Context, userID string) (map[string]string, error) {
	raw, err := m.store.ConfigValue(ctx, userID, ConfigKeyForkHooks)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var hooks map[string]string
	if err := json.Unmarshal([]byte(raw), &hooks); err != nil {
		return nil, fmt.Errorf("%w: forkHooks is not a JSON object", errdefs.ErrInvalidArgument)
	}
	return hooks, nil
}

// CreateExecutorKey mints a new executor credential for userID. The token
// is returned exactly once; the store keeps only the hash and prefix.
func (m *Manager) CreateExecutorKey(ctx context.Context, userID, name string, expiresAt *time.Time) (string, *ExecutorKey, error) {
	token, prefix, hash, err := newExecutorToken()
	if err != nil {
		return "", nil, err
	}
	key := &ExecutorKey{
		ID:        newKeyID(),
		UserID:    userID,
		Name:      name,
		KeyPrefix: prefix,
		KeyHash:   hash,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := m.store.InsertExecutorKey(ctx, key); err != nil {
		return "", nil, err
	}
	m.logger.Info("executor key created",
		zap.String("user_id", userID),
		zap.String("key_prefix", prefix))
	return token, key, nil
}

// ListExecutorKeys returns the user's keys.
func (m *Manager) ListExecutorKeys(ctx context.Context, userID string) ([]ExecutorKey, error) {
	return m.store.ListExecutorKeys(ctx, userID)
}

// RevokeExecutorKey marks one of the user's keys revoked.
func (m *Manager) RevokeExecutorKey(ctx context.Context, userID, id string) error {
	return m.store.RevokeExecutorKey(ctx, userID, id)
}

// ValidateExecutorKey resolves a presented token to its owning user.
// Malformed, unknown, revoked, and expired tokens all fail with
// Unauthenticated; matching is constant-time over the stored hash.
func (m *Manager) ValidateExecutorKey(ctx context.Context, token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("%w: malformed executor key", errdefs.ErrUnauthenticated)
	}
	candidates, err := m.store.ExecutorKeysByPrefix(ctx, token[:tokenPrefixLen])
	if err != nil {
		return "", err
	}
	now := time.Now()
	for i := range candidates {
		key := &candidates[i]
		if !matchToken(token, key.KeyHash) {
			continue
		}
		if key.RevokedAt != nil {
			return "", fmt.Errorf("%w: executor key revoked", errdefs.ErrUnauthenticated)
		}
		if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
			return "", fmt.Errorf("%w: executor key expired", errdefs.ErrUnauthenticated)
		}
		if err := m.store.TouchExecutorKey(ctx, key.ID); err != nil {
			m.logger.Warn("failed to update key last_used", zap.String("key_id", key.ID), zap.Error(err))
		}
		return key.UserID, nil
	}
	return "", fmt.Errorf("%w: unknown executor key", errdefs.ErrUnauthenticated)
}

// ValidateName re-exports the session identifier check for callers that
// gate before touching the store.
func (m *Manager) ValidateName(name string) error {
	return tmux.ValidateName(name)
}

func (m *Manager) ownedSession(ctx context.Context, userID, name string) (*Session, error) {
	row, err := m.store.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(row, userID); err != nil {
		return nil, err
	}
	return row, nil
}

func checkOwner(row *Session, userID string) error {
	if row.OwnerUserID == nil || *row.OwnerUserID != userID {
		return fmt.Errorf("%w: session %s", errdefs.ErrNotOwned, row.Name)
	}
	return nil
}

func livenessByName(sessions []execproto.SessionLiveness) map[string]execproto.SessionLiveness {
	out := make(map[string]execproto.SessionLiveness, len(sessions))
	for _, s := range sessions {
		out[s.Name] = s
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
