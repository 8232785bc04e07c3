package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RevokeAndCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Revoke(ctx, "k1", "logout", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	revoked, err := store.IsRevoked(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "other")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryStore_ExpiredRevocation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Revoke(ctx, "k1", "", time.Now().Add(-time.Second)))
	revoked, err := store.IsRevoked(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryStore_RevokeKeepsLaterExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Revoke(ctx, "k1", "", time.Now().Add(time.Hour)))
	require.NoError(t, store.Revoke(ctx, "k1", "", time.Now().Add(-time.Second)))

	revoked, _ := store.IsRevoked(ctx, "k1")
	assert.True(t, revoked)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Revoke(ctx, "fresh", "", time.Now().Add(5*time.Minute))
	_ = store.Revoke(ctx, "stale1", "", time.Now().Add(-time.Millisecond))
	_ = store.Revoke(ctx, "stale2", "", time.Now().Add(-time.Millisecond))

	count, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	revoked, _ := store.IsRevoked(ctx, "fresh")
	assert.True(t, revoked)
}

func TestRevocation_IsExpired(t *testing.T) {
	assert.True(t, (&Revocation{ExpiresAt: time.Now().Add(-time.Second)}).IsExpired())
	assert.False(t, (&Revocation{ExpiresAt: time.Now().Add(time.Hour)}).IsExpired())
}

func TestKey_IsStableAndOpaque(t *testing.T) {
	k := Key("secret-token")
	assert.Equal(t, k, Key("secret-token"))
	assert.NotEqual(t, k, Key("secret-token2"))
	assert.NotContains(t, k, "secret")
	assert.Len(t, k, 64)
}
