package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache, err := NewRedisCache("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestRedisCacheGetMissesWhenUnset(t *testing.T) {
	cache := newTestRedisCache(t)
	_, ok := cache.Get(context.Background(), "acct-1", 60)
	assert.False(t, ok)
}

func TestRedisCacheSetThenGetRoundTrips(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "acct-1", 60, 7)
	n, ok := cache.Get(ctx, "acct-1", 60)
	require.True(t, ok)
	assert.Equal(t, 7, n)
}

func TestRedisCacheInvalidateClearsEveryWindow(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "acct-1", 60, 3)
	cache.Set(ctx, "acct-1", 3600, 12)

	cache.Invalidate(ctx, "acct-1", 60, 3600)

	_, ok := cache.Get(ctx, "acct-1", 60)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "acct-1", 3600)
	assert.False(t, ok)
}

func TestRedisCacheKeysAreScopedPerAccount(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "acct-1", 60, 5)
	cache.Set(ctx, "acct-2", 60, 9)

	n1, _ := cache.Get(ctx, "acct-1", 60)
	n2, _ := cache.Get(ctx, "acct-2", 60)
	assert.Equal(t, 5, n1)
	assert.Equal(t, 9, n2)
}
