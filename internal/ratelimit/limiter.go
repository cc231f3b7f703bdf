// Package ratelimit implements the per-account send-rate limiter and the
// SMTP retry/backoff strategy from spec.md §4.4.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
)

// sendLog is the durable append-log surface the Limiter needs from
// internal/storage — narrowed to what this package actually calls so it
// can be unit-tested against a fake.
type sendLog interface {
	LogSend(ctx context.Context, accountPK string, sentTS int64) error
	CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error)
}

// window is one configured limit window (minute/hour/day) paired with its
// duration, so check_and_plan can compute the earliest reset uniformly.
type window struct {
	limit *int
	dur   time.Duration
}

// Limiter reproduces the teacher's atomic check-and-increment rate
// limiting (internal/worker/rate_limiter.go's Lua-script approach) as a
// Postgres-backed check, since the append log — not Redis — is this
// spec's durable source of truth (see DESIGN.md). An in-process
// reservation map, guarded by a mutex the same way the teacher guards
// its in-process maps, accounts for sends in flight between a check and
// its eventual LogSend/ReleaseSlot. RedisCache, when configured, sits in
// front of the per-window count itself as a short-TTL accelerator.
type Limiter struct {
	store sendLog
	cache *RedisCache // optional hot-path accelerator, nil disables it

	mu       sync.Mutex
	reserved map[string]int // account PK -> slots reserved but not yet logged or released
}

// New builds a Limiter backed by store. cache may be nil, in which case
// every window count comes straight from store.
func New(store sendLog, cache *RedisCache) *Limiter {
	return &Limiter{store: store, cache: cache, reserved: make(map[string]int)}
}

// Plan is the outcome of CheckAndPlan: DeferUntil is set when the account
// should be retried later, Reject is set when the account's limit
// behavior is "reject" and the limit is already exhausted.
type Plan struct {
	DeferUntil *int64
	Reject     bool
}

// CheckAndPlan inspects the account's configured per-minute/hour/day
// windows and returns how the scheduler should proceed. A clean Plan
// (no DeferUntil, no Reject) reserves one slot, which the caller must
// either confirm with LogSend or give back with ReleaseSlot.
func (l *Limiter) CheckAndPlan(ctx context.Context, account *domain.Account, nowTS int64) (Plan, error) {
	windows := []window{
		{account.LimitPerMinute, time.Minute},
		{account.LimitPerHour, time.Hour},
		{account.LimitPerDay, 24 * time.Hour},
	}

	var earliestReset int64
	exceeded := false

	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		since := nowTS - int64(w.dur.Seconds())
		windowSeconds := int64(w.dur.Seconds())

		count, cached := 0, false
		if l.cache != nil {
			count, cached = l.cache.Get(ctx, account.PK, windowSeconds)
		}
		if !cached {
			var err error
			count, err = l.store.CountSendsSince(ctx, account.PK, since)
			if err != nil {
				return Plan{}, fmt.Errorf("check rate window: %w", err)
			}
			if l.cache != nil {
				l.cache.Set(ctx, account.PK, windowSeconds, count)
			}
		}

		l.mu.Lock()
		count += l.reserved[account.PK]
		l.mu.Unlock()

		if count+1 > *w.limit {
			exceeded = true
			reset := since + int64(w.dur.Seconds()) + 1
			if earliestReset == 0 || reset < earliestReset {
				earliestReset = reset
			}
		}
	}

	if !exceeded {
		l.mu.Lock()
		l.reserved[account.PK]++
		l.mu.Unlock()
		return Plan{}, nil
	}

	if account.LimitBehavior == domain.LimitReject {
		return Plan{Reject: true}, nil
	}
	return Plan{DeferUntil: &earliestReset}, nil
}

// LogSend confirms a reserved slot was actually used.
func (l *Limiter) LogSend(ctx context.Context, account *domain.Account, sentTS int64) error {
	l.releaseReservation(account.PK)
	if err := l.store.LogSend(ctx, account.PK, sentTS); err != nil {
		return err
	}
	if l.cache != nil {
		l.cache.Invalidate(ctx, account.PK, 60, 3600, 86400)
	}
	return nil
}

// ReleaseSlot gives back a reserved slot that went unused (e.g. the SMTP
// attempt failed before a send could be logged).
func (l *Limiter) ReleaseSlot(account *domain.Account) {
	l.releaseReservation(account.PK)
}

func (l *Limiter) releaseReservation(pk string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved[pk] > 0 {
		l.reserved[pk]--
	}
}
