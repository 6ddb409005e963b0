// Package session is the source of truth for session metadata, executor
// keys, and per-user configuration, and the routing layer over executors.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/claude-host/claude-host/internal/errdefs"
)

// ModeTerminal and ModeRich are the two session drivers.
const (
	ModeTerminal = "terminal"
	ModeRich     = "rich"
)

// Session is one metadata row.
type Session struct {
	Name             string    `db:"name" json:"name"`
	OwnerUserID      *string   `db:"owner_user_id" json:"owner_user_id,omitempty"`
	ExecutorID       string    `db:"executor_id" json:"executor_id"`
	Mode             string    `db:"mode" json:"mode"`
	Command          string    `db:"command" json:"command"`
	Description      string    `db:"description" json:"description"`
	ParentName       *string   `db:"parent_name" json:"parent_name,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	LastActivity     int64     `db:"last_activity" json:"last_activity"`
	JobPrompt        *string   `db:"job_prompt" json:"job_prompt,omitempty"`
	JobMaxIterations *int64    `db:"job_max_iterations" json:"job_max_iterations,omitempty"`
	NeedsInput       bool      `db:"needs_input" json:"needs_input"`

	// Alive is a liveness overlay from the executor heartbeat cache; it is
	// never persisted.
	Alive bool `db:"-" json:"alive"`
}

// ExecutorRecord remembers an executor across its connections so that
// offline executors remain listable and their sessions can be aged out.
type ExecutorRecord struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	OwnerUserID *string   `db:"owner_user_id" json:"owner_user_id,omitempty"`
	LastSeen    time.Time `db:"last_seen" json:"last_seen"`
}

// ExecutorKey is a stored executor credential: hash and prefix only, the
// secret itself is never persisted.
type ExecutorKey struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Name      string     `db:"name" json:"name"`
	KeyPrefix string     `db:"key_prefix" json:"key_prefix"`
	KeyHash   string     `db:"key_hash" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	LastUsed  *time.Time `db:"last_used" json:"last_used,omitempty"`
}

// Store wraps the metadata database. All mutations run on the single
// writer connection; queries go through the read pool, which WAL mode
// lets proceed alongside writes.
type Store struct {
	db  *sqlx.DB
	rdb *sqlx.DB
}

// NewStore initializes the schema on the writer and routes queries through
// reader. Passing the same handle for both is fine for tests.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, rdb: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		owner_user_id TEXT,
		executor_id TEXT NOT NULL DEFAULT 'local',
		mode TEXT NOT NULL DEFAULT 'terminal',
		command TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		parent_name TEXT,
		created_at DATETIME NOT NULL,
		last_activity INTEGER NOT NULL DEFAULT 0,
		job_prompt TEXT,
		job_max_iterations INTEGER,
		needs_input INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS executors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT,
		last_seen DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS executor_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		revoked_at DATETIME,
		last_used DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executor_keys_prefix ON executor_keys(key_prefix);
	CREATE TABLE IF NOT EXISTS user_config (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a new row; duplicate names fail with AlreadyExists.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (name, owner_user_id, executor_id, mode, command,
			description, parent_name, created_at, last_activity, job_prompt,
			job_max_iterations, needs_input)
		VALUES (:name, :owner_user_id, :executor_id, :mode, :command,
			:description, :parent_name, :created_at, :last_activity, :job_prompt,
			:job_max_iterations, :needs_input)`, sess)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %s", errdefs.ErrAlreadyExists, sess.Name)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one row by name.
func (s *Store) GetSession(ctx context.Context, name string) (*Session, error) {
	var sess Session
	err := s.rdb.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", errdefs.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a row; deleting an absent row is not an error.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessionsByOwner returns the user's rows, oldest first.
func (s *Store) ListSessionsByOwner(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	err := s.rdb.SelectContext(ctx, &out,
		`SELECT * FROM sessions WHERE owner_user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// ListSessionsByExecutor returns every row routed to one executor.
func (s *Store) ListSessionsByExecutor(ctx context.Context, executorID string) ([]Session, error) {
	var out []Session
	err := s.rdb.SelectContext(ctx, &out,
		`SELECT * FROM sessions WHERE executor_id = ? ORDER BY created_at`, executorID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by executor: %w", err)
	}
	return out, nil
}

// UpdateSessionActivity writes the heartbeat-reported activity timestamp.
func (s *Store) UpdateSessionActivity(ctx context.Context, name string, lastActivity int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE name = ?`, lastActivity, name)
	return err
}

// UpdateSessionNeedsInput stores the analyze-probe overlay.
func (s *Store) UpdateSessionNeedsInput(ctx context.Context, name string, needsInput bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET needs_input = ? WHERE name = ?`, needsInput, name)
	return err
}

// AdoptUnownedSessions assigns every ownerless row to userID and reports
// how many rows changed. Idempotent.
func (s *Store) AdoptUnownedSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET owner_user_id = ? WHERE owner_user_id IS NULL OR owner_user_id = ''`, userID)
	if err != nil {
		return 0, fmt.Errorf("adopt unowned sessions: %w", err)
	}
	return res.RowsAffected()
}

// UpsertExecutor records an executor sighting.
func (s *Store) UpsertExecutor(ctx context.Context, rec *ExecutorRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executors (id, name, owner_user_id, last_seen)
		VALUES (:id, :name, :owner_user_id, :last_seen)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_user_id = excluded.owner_user_id,
			last_seen = excluded.last_seen`, rec)
	if err != nil {
		return fmt.Errorf("upsert executor: %w", err)
	}
	return nil
}

// GetExecutor loads one executor record.
func (s *Store) GetExecutor(ctx context.Context, id string) (*ExecutorRecord, error) {
	var rec ExecutorRecord
	err := s.rdb.GetContext(ctx, &rec, `SELECT * FROM executors WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: executor %s", errdefs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load executor: %w", err)
	}
	return &rec, nil
}

// ListExecutors returns every executor ever seen.
func (s *Store) ListExecutors(ctx context.Context) ([]ExecutorRecord, error) {
	var out []ExecutorRecord
	if err := s.rdb.SelectContext(ctx, &out, `SELECT * FROM executors ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	return out, nil
}

// InsertExecutorKey stores a new key row.
func (s *Store) InsertExecutorKey(ctx context.Context, key *ExecutorKey) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executor_keys (id, user_id, name, key_prefix, key_hash,
			created_at, expires_at, revoked_at, last_used)
		VALUES (:id, :user_id, :name, :key_prefix, :key_hash,
			:created_at, :expires_at, :revoked_at, :last_used)`, key)
	if err != nil {
		return fmt.Errorf("insert executor key: %w", err)
	}
	return nil
}

// ListExecutorKeys returns the user's keys, newest first.
func (s *Store) ListExecutorKeys(ctx context.Context, userID string) ([]ExecutorKey, error) {
	var out []ExecutorKey
	err := s.rdb.SelectContext(ctx, &out,
		`SELECT * FROM executor_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list executor keys: %w", err)
	}
	return out, nil
}

// ExecutorKeysByPrefix returns candidate rows for token validation.
func (s *Store) ExecutorKeysByPrefix(ctx context.Context, prefix string) ([]ExecutorKey, error) {
	var out []ExecutorKey
	err := s.rdb.SelectContext(ctx, &out,
		`SELECT * FROM executor_keys WHERE key_prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup executor keys: %w", err)
	}
	return out, nil
}

// RevokeExecutorKey marks the user's key revoked. Unknown ids are NotFound.
func (s *Store) RevokeExecutorKey(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executor_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		time.Now(), id, userID)
	if err != nil {
		return fmt.Errorf("revoke executor key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: executor key %s", errdefs.ErrNotFound, id)
	}
	return nil
}

// TouchExecutorKey updates last_used after a successful validation.
func (s *Store) TouchExecutorKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executor_keys SET last_used = ? WHERE id = ?`, time.Now(), id)
	return err
}

// ConfigMap returns the user's full key/value configuration.
func (s *Store) ConfigMap(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.rdb.QueryxContext(ctx,
		`SELECT key, value FROM user_config WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ConfigValue returns one config value; missing keys read as "".
func (s *Store) ConfigValue(ctx context.Context, userID, key string) (string, error) {
	var v string
	err := s.rdb.GetContext(ctx, &v,
		`SELECT value FROM user_config WHERE user_id = ? AND key = ?`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load config value: %w", err)
	}
	return v, nil
}

// SetConfigValue upserts one config entry.
func (s *Store) SetConfigValue(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_config (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("set config value: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
