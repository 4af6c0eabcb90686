package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDenylist(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDenylist(time.Hour)

	revoked, err := d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, d.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)))
	revoked, _ = d.IsRevoked(ctx, "jti-1")
	assert.True(t, revoked)

	// Already-expired tokens are not worth remembering.
	require.NoError(t, d.Revoke(ctx, "jti-old", time.Now().Add(-time.Minute)))
	revoked, _ = d.IsRevoked(ctx, "jti-old")
	assert.False(t, revoked)
}

func TestMemoryDenylist_ManyRevocationsKeepEarlierOnes(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDenylist(time.Hour)
	exp := time.Now().Add(time.Minute)

	require.NoError(t, d.Revoke(ctx, "first", exp))
	for i := 0; i < 10_000; i++ {
		require.NoError(t, d.Revoke(ctx, fmt.Sprintf("jti-%d", i), exp))
	}

	revoked, err := d.IsRevoked(ctx, "first")
	require.NoError(t, err)
	assert.True(t, revoked, "a logged-out token must stay revoked however many logouts follow")
	assert.Equal(t, 10_001, d.Len())
}

// setupRedisDenylist starts an in-process redis and connects to it.
func setupRedisDenylist(t *testing.T) (*RedisDenylist, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	d, err := NewRedisDenylist(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisDenylist: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, mr
}

func TestRedisDenylist_RevokeAndExpire(t *testing.T) {
	ctx := context.Background()
	d, mr := setupRedisDenylist(t)

	require.NoError(t, d.Revoke(ctx, "jti-1", time.Now().Add(30*time.Second)))

	revoked, err := d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// The key carries the token's remaining lifetime as its TTL.
	ttl := mr.TTL("authcore:revoked:jti-1")
	assert.True(t, ttl > 0 && ttl <= 30*time.Second, "ttl = %v", ttl)

	mr.FastForward(31 * time.Second)
	revoked, err = d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisDenylist_InvalidURL(t *testing.T) {
	_, err := NewRedisDenylist(context.Background(), "invalid://url")
	assert.Error(t, err)
}

func TestRedisDenylist_BackendDown(t *testing.T) {
	d, mr := setupRedisDenylist(t)
	mr.Close()

	_, err := d.IsRevoked(context.Background(), "jti-1")
	assert.Error(t, err)
}
