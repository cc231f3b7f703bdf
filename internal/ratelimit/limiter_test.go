package ratelimit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/domain"
)

type fakeSendLog struct {
	mu     sync.Mutex
	counts map[string]int
	logged []string
}

func newFakeSendLog() *fakeSendLog {
	return &fakeSendLog{counts: make(map[string]int)}
}

func (f *fakeSendLog) LogSend(ctx context.Context, accountPK string, sentTS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[accountPK]++
	f.logged = append(f.logged, accountPK)
	return nil
}

func (f *fakeSendLog) CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[accountPK], nil
}

func intPtr(n int) *int { return &n }

func TestCheckAndPlanAllowsUnderLimit(t *testing.T) {
	store := newFakeSendLog()
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5)}

	plan, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)
	assert.Nil(t, plan.DeferUntil)
	assert.False(t, plan.Reject)
}

func TestCheckAndPlanDefersWhenExceeded(t *testing.T) {
	store := newFakeSendLog()
	store.counts["acct-1"] = 5
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5), LimitBehavior: domain.LimitDefer}

	plan, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)
	require.NotNil(t, plan.DeferUntil)
	assert.False(t, plan.Reject)
}

func TestCheckAndPlanRejectsWhenConfigured(t *testing.T) {
	store := newFakeSendLog()
	store.counts["acct-1"] = 5
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5), LimitBehavior: domain.LimitReject}

	plan, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)
	assert.Nil(t, plan.DeferUntil)
	assert.True(t, plan.Reject)
}

func TestLogSendReleasesReservation(t *testing.T) {
	store := newFakeSendLog()
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5)}

	_, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, lim.reserved["acct-1"])

	require.NoError(t, lim.LogSend(context.Background(), account, 1000))
	assert.Equal(t, 0, lim.reserved["acct-1"])
	assert.Equal(t, []string{"acct-1"}, store.logged)
}

func TestReleaseSlotWithoutSend(t *testing.T) {
	store := newFakeSendLog()
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5)}

	_, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)

	lim.ReleaseSlot(account)
	assert.Equal(t, 0, lim.reserved["acct-1"])
}

func TestCheckAndPlanNoLimitsConfigured(t *testing.T) {
	store := newFakeSendLog()
	lim := New(store, nil)
	account := &domain.Account{PK: "acct-1"}

	plan, err := lim.CheckAndPlan(context.Background(), account, 1000)
	require.NoError(t, err)
	assert.Nil(t, plan.DeferUntil)
	assert.False(t, plan.Reject)
}

func TestCheckAndPlanServesFromCacheOnHit(t *testing.T) {
	store := newFakeSendLog()
	cache := newTestRedisCache(t)
	lim := New(store, cache)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5)}
	ctx := context.Background()

	// Pre-populate the cache with a count that would exceed the limit,
	// while the underlying store still reports zero — proves the cache
	// value, not the store, drove the decision.
	cache.Set(ctx, "acct-1", 60, 5)

	plan, err := lim.CheckAndPlan(ctx, account, 1000)
	require.NoError(t, err)
	require.NotNil(t, plan.DeferUntil)
}

func TestLogSendInvalidatesCache(t *testing.T) {
	store := newFakeSendLog()
	cache := newTestRedisCache(t)
	lim := New(store, cache)
	account := &domain.Account{PK: "acct-1", LimitPerMinute: intPtr(5)}
	ctx := context.Background()

	cache.Set(ctx, "acct-1", 60, 5)
	require.NoError(t, lim.LogSend(ctx, account, 1000))

	_, ok := cache.Get(ctx, "acct-1", 60)
	assert.False(t, ok)
}
