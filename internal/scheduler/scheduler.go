// Package scheduler implements the dispatch scheduler: the main send
// loop that claims ready messages, builds outbound envelopes, applies
// the rate limiter, and hands them to the SMTP pool (spec.md §4.5).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genropy/mail-proxy/internal/attachment"
	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/pkg/logger"
	"github.com/genropy/mail-proxy/internal/ratelimit"
	"github.com/genropy/mail-proxy/internal/smtppool"
	"github.com/genropy/mail-proxy/internal/storage"
)

// Result is published on the result channel after every dispatch attempt,
// consumed by whatever wants to observe delivery outcomes in-process
// (metrics, tests). The durable record of truth is always the event log;
// this channel is best-effort.
type Result struct {
	MessagePK string
	EventType domain.EventType
	Err       error
}

// Scheduler runs the main send loop described in spec.md §4.5: wait for a
// wake signal or the loop interval, run one process_cycle, and wake the
// reporter if anything was dispatched. The worker-pool shape — named
// goroutines, a WaitGroup, a cancel func — is grounded on the teacher's
// SendWorkerPool (internal/worker/send_worker.go), generalized from a
// fixed-size polling pool to a semaphore-bounded fan-out per cycle.
type Scheduler struct {
	store   *storage.Store
	limiter *ratelimit.Limiter
	pool    *smtppool.Pool
	fetcher *attachment.Fetcher
	s3      *attachment.S3Backend
	cfg     config.SchedulerConfig

	results  chan Result
	wake     chan struct{}
	reported chan struct{}

	globalSem chan struct{}
	attachSem chan struct{}

	acctMu   sync.Mutex
	acctSems map[string]chan struct{}
}

// New builds a Scheduler. s3 may be nil when no tenant uses the rewrite
// large-file action.
func New(store *storage.Store, limiter *ratelimit.Limiter, pool *smtppool.Pool, fetcher *attachment.Fetcher, s3 *attachment.S3Backend, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:    store,
		limiter:  limiter,
		pool:     pool,
		fetcher:  fetcher,
		s3:       s3,
		cfg:      cfg,
		results:  make(chan Result, 256),
		wake:     make(chan struct{}, 1),
		reported: make(chan struct{}, 1),
		acctSems: make(map[string]chan struct{}),
	}
}

// Results exposes the in-memory delivery-result stream.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Woken signals the reporter should run sooner than its own interval,
// because process_cycle dispatched at least one message.
func (s *Scheduler) Woken() <-chan struct{} { return s.reported }

// Wake nudges the loop to run a cycle immediately instead of waiting for
// the next timer tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, running process_cycle on every wake
// event or loop-interval tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SendLoopInterval())
	defer ticker.Stop()

	logger.Info("scheduler starting", "interval", s.cfg.SendLoopInterval().String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	processed, err := s.processCycle(ctx)
	if err != nil {
		logger.Error("process_cycle failed", "error", err.Error())
		return
	}
	if processed {
		select {
		case s.reported <- struct{}{}:
		default:
		}
	}
}

// processCycle runs two back-to-back fetches so immediate-priority
// traffic gets a head start: priority 0 first, then everything else.
func (s *Scheduler) processCycle(ctx context.Context) (bool, error) {
	now := time.Now().Unix()
	limit := s.cfg.BatchLimit

	immediate, err := s.store.FetchReadyBatch(ctx, limit, now, domain.PriorityImmediate, true)
	if err != nil {
		return false, fmt.Errorf("fetch ready (immediate): %w", err)
	}
	if len(immediate) > 0 {
		s.dispatchBatch(ctx, immediate, now)
	}

	rest, err := s.store.FetchReadyBatch(ctx, limit, now, domain.PriorityHigh, false)
	if err != nil {
		return false, fmt.Errorf("fetch ready (rest): %w", err)
	}
	if len(rest) > 0 {
		s.dispatchBatch(ctx, rest, now)
	}

	return len(immediate) > 0 || len(rest) > 0, nil
}

// dispatchBatch groups the batch by account_id, caps each group, and
// dispatches concurrently under the global and per-account semaphores.
func (s *Scheduler) dispatchBatch(ctx context.Context, batch []domain.Message, nowTS int64) {
	groups := groupByAccount(batch)
	globalSem := s.globalConcurrency()

	var wg sync.WaitGroup
	for accountID, msgs := range groups {
		batchCap := s.cfg.BatchSizePerAccount
		if batchCap > 0 && len(msgs) > batchCap {
			msgs = msgs[:batchCap]
		}

		accountSem := s.accountConcurrency(accountID)

		for _, m := range msgs {
			m := m
			wg.Add(1)
			globalSem <- struct{}{}
			accountSem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-accountSem }()
				defer func() { <-globalSem }()
				s.dispatchMessage(ctx, m, nowTS)
			}()
		}
	}
	wg.Wait()
}

// groupByAccount groups a batch by account_id, falling back to
// domain.DefaultAccountID for messages submitted without one.
func groupByAccount(batch []domain.Message) map[string][]domain.Message {
	groups := make(map[string][]domain.Message)
	for _, m := range batch {
		key := m.AccountID
		if key == "" {
			key = domain.DefaultAccountID
		}
		groups[key] = append(groups[key], m)
	}
	return groups
}

func (s *Scheduler) globalConcurrency() chan struct{} {
	if s.globalSem == nil {
		n := s.cfg.GlobalConcurrency
		if n <= 0 {
			n = 10
		}
		s.globalSem = make(chan struct{}, n)
	}
	return s.globalSem
}

func (s *Scheduler) accountConcurrency(accountID string) chan struct{} {
	s.acctMu.Lock()
	defer s.acctMu.Unlock()
	sem, ok := s.acctSems[accountID]
	if !ok {
		n := s.cfg.PerAccountConcurrency
		if n <= 0 {
			n = 3
		}
		sem = make(chan struct{}, n)
		s.acctSems[accountID] = sem
	}
	return sem
}

// dispatchMessage carries one message through build → resolve account →
// rate limit → send, emitting exactly one SMTP-terminal event or leaving
// the message deferred, per the scheduler contract in spec.md §4.5.
func (s *Scheduler) dispatchMessage(ctx context.Context, m domain.Message, nowTS int64) {
	tenant, err := s.store.GetTenant(ctx, m.TenantID)
	if err != nil {
		s.emitError(ctx, m.PK, nowTS, "tenant lookup failed: "+err.Error())
		return
	}

	env, err := buildEnvelope(ctx, s.fetcher, s.s3, tenant, m.ID, &m.Payload)
	if err != nil {
		if errors.Is(err, mailproxyerr.ErrAttachmentTooLarge) || errors.Is(err, mailproxyerr.ErrValidation) || errors.Is(err, mailproxyerr.ErrAttachmentFetchFailed) {
			s.emitError(ctx, m.PK, nowTS, err.Error())
			return
		}
		s.emitError(ctx, m.PK, nowTS, "build failed: "+err.Error())
		return
	}

	account, err := s.resolveAccount(ctx, m)
	if err != nil {
		s.emitError(ctx, m.PK, nowTS, fmt.Sprintf("%v: %s", mailproxyerr.ErrAccountConfiguration, err))
		return
	}

	plan, err := s.limiter.CheckAndPlan(ctx, account, nowTS)
	if err != nil {
		s.emitError(ctx, m.PK, nowTS, "rate limiter error: "+err.Error())
		return
	}
	if plan.Reject {
		s.emitError(ctx, m.PK, nowTS, "rate_limit_exceeded")
		return
	}
	if plan.DeferUntil != nil {
		s.emitDeferred(ctx, m.PK, *plan.DeferUntil, m.Payload.RetryCount)
		return
	}

	sendErr := s.pool.Send(ctx, account, env)
	if sendErr == nil {
		s.limiter.LogSend(ctx, account, nowTS)
		s.emitSent(ctx, m.PK, nowTS)
		return
	}

	s.limiter.ReleaseSlot(account)

	isTransient, _ := ratelimit.ClassifyError(sendErr)
	if isTransient && ratelimit.ShouldRetry(m.Payload.RetryCount, s.cfg.MaxRetries) {
		nextTS := nowTS + ratelimit.CalculateDelay(m.Payload.RetryCount, nil)
		m.Payload.RetryCount++
		if err := s.persistRetryCount(ctx, m); err != nil {
			logger.Warn("persist retry_count failed", "message_pk", m.PK, "error", err.Error())
		}
		s.emitDeferred(ctx, m.PK, nextTS, m.Payload.RetryCount)
		return
	}

	s.emitError(ctx, m.PK, nowTS, sendErr.Error())
}

func (s *Scheduler) resolveAccount(ctx context.Context, m domain.Message) (*domain.Account, error) {
	if m.AccountPK != "" {
		return s.store.GetAccountByPK(ctx, m.AccountPK)
	}
	if m.AccountID != "" {
		return s.store.GetAccount(ctx, m.TenantID, m.AccountID)
	}
	return s.store.GetAccount(ctx, m.TenantID, domain.DefaultAccountID)
}

func (s *Scheduler) emitSent(ctx context.Context, pk string, ts int64) {
	s.record(ctx, pk, domain.MessageEvent{MessagePK: pk, EventType: domain.EventSent, EventTS: ts})
	if err := s.store.MarkSent(ctx, pk, ts); err != nil {
		logger.Warn("mark sent failed", "message_pk", pk, "error", err.Error())
	}
	s.publish(pk, domain.EventSent, nil)
}

func (s *Scheduler) emitError(ctx context.Context, pk string, ts int64, reason string) {
	s.record(ctx, pk, domain.MessageEvent{MessagePK: pk, EventType: domain.EventError, EventTS: ts, Description: reason})
	if err := s.store.MarkError(ctx, pk, ts); err != nil {
		logger.Warn("mark error failed", "message_pk", pk, "error", err.Error())
	}
	s.publish(pk, domain.EventError, errors.New(reason))
}

func (s *Scheduler) emitDeferred(ctx context.Context, pk string, deferredTS int64, retryCount int) {
	s.record(ctx, pk, domain.MessageEvent{
		MessagePK: pk,
		EventType: domain.EventDeferred,
		EventTS:   time.Now().Unix(),
		Metadata: map[string]any{
			"deferred_ts": deferredTS,
			"retry_count": retryCount,
		},
	})
	if err := s.store.SetDeferred(ctx, pk, deferredTS); err != nil {
		logger.Warn("set deferred failed", "message_pk", pk, "error", err.Error())
	}
	s.publish(pk, domain.EventDeferred, nil)
}

func (s *Scheduler) record(ctx context.Context, pk string, e domain.MessageEvent) {
	if _, err := s.store.AddEvent(ctx, e); err != nil {
		logger.Error("add event failed", "message_pk", pk, "error", err.Error())
	}
}

func (s *Scheduler) persistRetryCount(ctx context.Context, m domain.Message) error {
	_, _, err := s.store.InsertBatch(ctx, m.TenantID, []domain.Message{m})
	return err
}

// publish writes to the bounded result channel, dropping with a warning
// rather than blocking the dispatch loop, per spec.md §4.5's
// queue_put_timeout backpressure rule.
func (s *Scheduler) publish(pk string, et domain.EventType, err error) {
	select {
	case s.results <- Result{MessagePK: pk, EventType: et, Err: err}:
	case <-time.After(s.cfg.QueuePutTimeout()):
		logger.Warn("result channel backpressure, dropping", "message_pk", pk)
	}
}
