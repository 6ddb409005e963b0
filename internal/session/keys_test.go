package session

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-host/claude-host/internal/errdefs"
)

func TestExecutorKeyLifecycle(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	token, key, err := mgr.CreateExecutorKey(ctx, "u1", "laptop", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "chk_"))
	assert.Len(t, token, 4+64)
	assert.Equal(t, token[:tokenPrefixLen], key.KeyPrefix)
	assert.NotContains(t, key.KeyHash, token[4:])

	userID, err := mgr.ValidateExecutorKey(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	keys, err := mgr.ListExecutorKeys(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "laptop", keys[0].Name)
	assert.NotNil(t, keys[0].LastUsed)

	require.NoError(t, mgr.RevokeExecutorKey(ctx, "u1", key.ID))
	_, err = mgr.ValidateExecutorKey(ctx, token)
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)
}

func TestValidateExecutorKeyRejectsUnknownAndMalformed(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.ValidateExecutorKey(ctx, "chk_"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)

	_, err = mgr.ValidateExecutorKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)

	_, err = mgr.ValidateExecutorKey(ctx, "chk_"+strings.Repeat("Z", 64))
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)
}

func TestValidateExecutorKeyExpiry(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	token, _, err := mgr.CreateExecutorKey(ctx, "u1", "stale", &past)
	require.NoError(t, err)

	_, err = mgr.ValidateExecutorKey(ctx, token)
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)
}

func TestRevokeExecutorKeyOwnership(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, key, err := mgr.CreateExecutorKey(ctx, "u1", "laptop", nil)
	require.NoError(t, err)

	// Another user cannot revoke it.
	assert.ErrorIs(t, mgr.RevokeExecutorKey(ctx, "u2", key.ID), errdefs.ErrNotFound)
	// Revoking twice fails once the row is already revoked.
	require.NoError(t, mgr.RevokeExecutorKey(ctx, "u1", key.ID))
	assert.ErrorIs(t, mgr.RevokeExecutorKey(ctx, "u1", key.ID), errdefs.ErrNotFound)
}

func TestNewExecutorTokenShape(t *testing.T) {
	token, prefix, hash, err := newExecutorToken()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^chk_[0-9a-f]{64}$`), token)
	assert.Equal(t, token[:12], prefix)
	assert.Len(t, hash, 64)
	assert.True(t, matchToken(token, hash))
	assert.False(t, matchToken("chk_"+strings.Repeat("0", 64), hash))
}

func TestNewSlugShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, NewSlug())
	}
}
