package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/db"
	"github.com/claude-host/claude-host/internal/errdefs"
)

func TestStoreSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := "u1"
	parent := "alpha"

	row := &Session{
		Name:        "beta",
		OwnerUserID: &owner,
		ExecutorID:  "local",
		Mode:        ModeTerminal,
		Command:     "bash",
		Description: "forked from alpha",
		ParentName:  &parent,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateSession(ctx, row))

	got, err := store.GetSession(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "bash", got.Command)
	require.NotNil(t, got.ParentName)
	assert.Equal(t, "alpha", *got.ParentName)
	assert.Nil(t, got.JobPrompt)

	// Duplicate names are rejected.
	assert.ErrorIs(t, store.CreateSession(ctx, row), errdefs.ErrAlreadyExists)

	require.NoError(t, store.DeleteSession(ctx, "beta"))
	_, err = store.GetSession(ctx, "beta")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// Deleting an absent row is fine.
	require.NoError(t, store.DeleteSession(ctx, "beta"))
}

func TestStoreReadPool(t *testing.T) {
	// Writes on the single writer connection are visible through the
	// read-only pool, the way serve wires the store.
	path := filepath.Join(t.TempDir(), "meta.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	store, err := NewStore(writer, reader)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &Session{
		Name: "dev", ExecutorID: "local", Mode: ModeTerminal, CreatedAt: time.Now(),
	}))
	got, err := store.GetSession(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Name)

	rows, err := store.ListSessionsByExecutor(ctx, "local")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStoreUpdateOverlays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &Session{
		Name: "dev", ExecutorID: "local", Mode: ModeTerminal, CreatedAt: time.Now(),
	}))

	require.NoError(t, store.UpdateSessionActivity(ctx, "dev", 42))
	require.NoError(t, store.UpdateSessionNeedsInput(ctx, "dev", true))

	got, err := store.GetSession(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.LastActivity)
	assert.True(t, got.NeedsInput)
}

func TestStoreExecutorUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := "u1"

	first := time.Now().Add(-time.Minute)
	require.NoError(t, store.UpsertExecutor(ctx, &ExecutorRecord{
		ID: "exec-1", Name: "old-name", OwnerUserID: &owner, LastSeen: first,
	}))
	later := time.Now()
	require.NoError(t, store.UpsertExecutor(ctx, &ExecutorRecord{
		ID: "exec-1", Name: "new-name", OwnerUserID: &owner, LastSeen: later,
	}))

	rec, err := store.GetExecutor(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "new-name", rec.Name)
	assert.WithinDuration(t, later, rec.LastSeen, time.Second)

	all, err := store.ListExecutors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = store.GetExecutor(ctx, "absent")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStoreConfigUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetConfigValue(ctx, "u1", "theme", "light"))
	require.NoError(t, store.SetConfigValue(ctx, "u1", "theme", "dark"))
	require.NoError(t, store.SetConfigValue(ctx, "u2", "theme", "light"))

	v, err := store.ConfigValue(ctx, "u1", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	// Missing keys read as empty.
	v, err = store.ConfigValue(ctx, "u1", "font")
	require.NoError(t, err)
	assert.Empty(t, v)

	m, err := store.ConfigMap(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark"}, m)
}
