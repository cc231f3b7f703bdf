package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the optional hot-path accelerator for CheckAndPlan's
// window counts: a short-TTL cache in front of the append log's
// CountSendsSince. The append log stays the single source of truth — a
// cache miss, an expired entry, or Redis being unreachable all just fall
// back to the Postgres count, they never change the outcome of a check,
// only how often it costs a round trip.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache dials url (a redis:// URL) and returns a cache whose
// entries expire after ttl.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opt), ttl: ttl}, nil
}

func (c *RedisCache) key(accountPK string, windowSeconds int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", accountPK, windowSeconds)
}

// Get returns the cached count for accountPK's windowSeconds-wide window,
// and whether it was present and parseable.
func (c *RedisCache) Get(ctx context.Context, accountPK string, windowSeconds int64) (int, bool) {
	v, err := c.client.Get(ctx, c.key(accountPK, windowSeconds)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set caches count for accountPK's windowSeconds-wide window until ttl
// expires.
func (c *RedisCache) Set(ctx context.Context, accountPK string, windowSeconds int64, count int) {
	c.client.Set(ctx, c.key(accountPK, windowSeconds), count, c.ttl)
}

// Invalidate drops the cached counts for accountPK across every window
// LogSend just affected, so the next CheckAndPlan recomputes from
// storage rather than serving a stale pre-send count.
func (c *RedisCache) Invalidate(ctx context.Context, accountPK string, windowSeconds ...int64) {
	keys := make([]string, len(windowSeconds))
	for i, w := range windowSeconds {
		keys[i] = c.key(accountPK, w)
	}
	c.client.Del(ctx, keys...)
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
