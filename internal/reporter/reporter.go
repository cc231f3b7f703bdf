// Package reporter implements the delivery reporter: the loop that ships
// unreported message events to each tenant's webhook and marks them
// reported on success (spec.md §4.6).
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/pkg/httpretry"
	"github.com/genropy/mail-proxy/internal/pkg/logger"
	"github.com/genropy/mail-proxy/internal/storage"
)

// reportEvent is the wire shape of one event inside a delivery report,
// per spec.md §6: id (client-facing message id), status, timestamp
// (ISO-8601 UTC with a Z suffix), account, and whichever of error/
// bounce_type/bounce_code/deferred_until applies to this event's type.
type reportEvent struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Account       string `json:"account,omitempty"`
	Error         string `json:"error,omitempty"`
	BounceType    string `json:"bounce_type,omitempty"`
	BounceCode    string `json:"bounce_code,omitempty"`
	DeferredUntil *int64 `json:"deferred_until,omitempty"`
}

// toReportEvent flattens a stored event into its wire shape, per spec.md
// §6 — bounce and deferred details come out of the metadata blob onto
// named top-level fields instead of being passed through opaque.
func toReportEvent(e domain.MessageEvent) reportEvent {
	out := reportEvent{
		ID:        e.MessageID,
		Status:    string(e.EventType),
		Timestamp: time.Unix(e.EventTS, 0).UTC().Format(time.RFC3339),
		Account:   e.AccountID,
	}

	switch e.EventType {
	case domain.EventError:
		out.Error = e.Description

	case domain.EventBounce:
		if bt, ok := e.Metadata["bounce_type"].(string); ok {
			out.BounceType = bt
		}
		if bc, ok := e.Metadata["bounce_code"].(string); ok {
			out.BounceCode = bc
		}

	case domain.EventDeferred:
		if dt, ok := e.Metadata["deferred_ts"]; ok {
			if ts, ok := toInt64(dt); ok {
				out.DeferredUntil = &ts
			}
		}
	}

	return out
}

// toInt64 coerces a JSON-decoded numeric value (float64 from
// encoding/json, or already an int64 if set in-process) to int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

type deliveryReport struct {
	DeliveryReport []reportEvent `json:"delivery_report"`
}

// Reporter ships unreported events to tenant webhooks on a cadence,
// respecting a per-tenant Do-Not-Disturb cooloff after a failed POST.
// The retry-with-backoff HTTP call is grounded on internal/pkg/httpretry,
// the same client the attachment fetcher uses for endpoint fetches.
type Reporter struct {
	store *storage.Store
	http  *httpretry.RetryClient
	cfg   config.ReporterConfig

	mu       sync.Mutex
	lastSync map[string]int64

	wake chan struct{}
}

// New builds a Reporter.
func New(store *storage.Store, cfg config.ReporterConfig) *Reporter {
	return &Reporter{
		store:    store,
		http:     httpretry.NewRetryClient(&http.Client{Timeout: cfg.HTTPTimeout()}, 3),
		cfg:      cfg,
		lastSync: make(map[string]int64),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop to run a cycle immediately.
func (r *Reporter) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SyncStatus returns a snapshot of every tenant's last_sync value known
// to this process, for the command dispatcher's tenant sync-status
// listing. A future-dated value means that tenant is in a Do-Not-
// Disturb cooloff.
func (r *Reporter) SyncStatus() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.lastSync))
	for k, v := range r.lastSync {
		out[k] = v
	}
	return out
}

// RunNow resets a tenant's cadence so the next cycle reports for it
// immediately, regardless of sync_interval or an active cooloff.
func (r *Reporter) RunNow(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync[tenantID] = 0
}

// Run blocks until ctx is cancelled, running one cycle per wake event or
// report_interval tick.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReportInterval())
	defer ticker.Stop()

	logger.Info("reporter starting", "interval", r.cfg.ReportInterval().String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("reporter stopping")
			return
		case <-ticker.C:
			r.cycle(ctx)
		case <-r.wake:
			r.cycle(ctx)
		}
	}
}

func (r *Reporter) cycle(ctx context.Context) {
	events, err := r.store.FetchUnreported(ctx, r.cfg.BatchLimit)
	if err != nil {
		logger.Error("fetch unreported failed", "error", err.Error())
		return
	}
	if len(events) == 0 {
		return
	}

	byTenant := make(map[string][]domain.MessageEvent)
	for _, e := range events {
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	now := time.Now().Unix()
	for tenantID, tenantEvents := range byTenant {
		if !r.eligible(tenantID, now) {
			continue
		}
		r.reportTenant(ctx, tenantID, tenantEvents, now)
	}
}

func (r *Reporter) eligible(tenantID string, now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSync[tenantID]
	if !ok {
		return true
	}
	if last > now {
		return false // Do-Not-Disturb cooloff still active
	}
	return now-last >= int64(r.cfg.SyncInterval().Seconds())
}

func (r *Reporter) reportTenant(ctx context.Context, tenantID string, events []domain.MessageEvent, now int64) {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		logger.Warn("reporter: tenant lookup failed", "tenant_id", tenantID, "error", err.Error())
		return
	}

	url := syncURL(tenant, r.cfg.GlobalSyncURL)
	if url == "" {
		logger.Warn("reporter: no sync url for tenant, leaving events unreported", "tenant_id", tenantID)
		return
	}

	payload := deliveryReport{DeliveryReport: make([]reportEvent, 0, len(events))}
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		payload.DeliveryReport = append(payload.DeliveryReport, toReportEvent(e))
		ids = append(ids, e.ID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("reporter: marshal payload failed", "tenant_id", tenantID, "error", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Error("reporter: build request failed", "tenant_id", tenantID, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, tenant.ClientAuth)

	resp, err := r.http.Do(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.backoff(tenantID, now)
		if err != nil {
			logger.Warn("reporter: webhook post failed", "tenant_id", tenantID, "error", err.Error())
		} else {
			logger.Warn("reporter: webhook non-2xx", "tenant_id", tenantID, "status", resp.StatusCode)
			resp.Body.Close()
		}
		return
	}
	resp.Body.Close()

	if err := r.store.MarkReported(ctx, ids, now); err != nil {
		logger.Error("reporter: mark reported failed", "tenant_id", tenantID, "error", err.Error())
		return
	}

	r.mu.Lock()
	r.lastSync[tenantID] = now
	r.mu.Unlock()
}

func (r *Reporter) backoff(tenantID string, now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync[tenantID] = now + int64(r.cfg.Backoff().Seconds())
}

// syncURL resolves the tenant's own sync endpoint, falling back to the
// process-wide global sync URL when the tenant has none configured.
func syncURL(tenant *domain.Tenant, globalURL string) string {
	if tenant.ClientBaseURL != "" {
		return tenant.ClientBaseURL + tenant.ClientSyncPath
	}
	return globalURL
}

func applyAuth(req *http.Request, auth *domain.Auth) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}

