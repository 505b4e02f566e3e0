package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRevocationList(t *testing.T, prefix string) (*RedisRevocationList, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRevocationList(client, prefix), mr
}

func TestRedisRevocationList(t *testing.T) {
	rl, mr := newRevocationList(t, "")
	ctx := context.Background()

	revoked, err := rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, rl.Revoke(ctx, "jti-1", time.Minute))
	revoked, err = rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.True(t, mr.Exists(DefaultRevocationPrefix+"jti-1"))

	mr.FastForward(2 * time.Minute)
	revoked, err = rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "entry expires with the token")
}

func TestRedisRevocationList_ReadsSharedKeyspace(t *testing.T) {
	rl, mr := newRevocationList(t, "acct:revoked:")
	require.NoError(t, mr.Set("acct:revoked:jti-9", "1"))

	revoked, err := rl.IsRevoked(context.Background(), "jti-9")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRedisRevocationList_ExpiredTokenIsNoop(t *testing.T) {
	rl, mr := newRevocationList(t, "")
	require.NoError(t, rl.Revoke(context.Background(), "jti-2", 0))
	assert.False(t, mr.Exists(DefaultRevocationPrefix+"jti-2"))
}

func TestRedisRevocationList_ServerDown(t *testing.T) {
	rl, mr := newRevocationList(t, "")
	mr.Close()

	_, err := rl.IsRevoked(context.Background(), "jti-3")
	assert.Error(t, err)
}
