// Package command implements the single entry point for every
// state-modifying operation against the dispatch core (spec.md §4.8): a
// static routing table from command name to handler, a uniform {ok, …}
// response envelope, and an append-only command log.
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/pkg/logger"
	"github.com/genropy/mail-proxy/internal/reporter"
	"github.com/genropy/mail-proxy/internal/scheduler"
	"github.com/genropy/mail-proxy/internal/storage"
)

// handlerFunc is one command's implementation. tenantID is the caller's
// authenticated tenant (empty for instance-level commands); payload is
// the already-legacy-rewritten request body.
type handlerFunc func(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error)

// Dispatcher routes a command name to its handler, wraps the result in
// the {ok, …} envelope, and writes the command log — grounded on the
// teacher's explicit handler-per-route style in internal/api/handlers.go
// (a concrete Go function per operation, never reflection over method
// signatures, per spec.md §9's redesign guidance).
type Dispatcher struct {
	store     *storage.Store
	scheduler *scheduler.Scheduler
	reporter  *reporter.Reporter
}

// New builds a Dispatcher.
func New(store *storage.Store, sched *scheduler.Scheduler, rep *reporter.Reporter) *Dispatcher {
	return &Dispatcher{store: store, scheduler: sched, reporter: rep}
}

var registry = map[string]handlerFunc{
	"message.add":     handleMessageAdd,
	"message.delete":  handleMessageDelete,
	"message.list":    handleMessageList,
	"message.cleanup": handleMessageCleanup,

	"account.add":    handleAccountAdd,
	"account.get":    handleAccountGet,
	"account.delete": handleAccountDelete,
	"account.list":   handleAccountList,

	"tenant.add":        handleTenantAdd,
	"tenant.get":        handleTenantGet,
	"tenant.delete":     handleTenantDelete,
	"tenant.list":       handleTenantList,
	"tenant.suspend":    handleTenantSuspend,
	"tenant.activate":   handleTenantActivate,
	"tenant.syncStatus": handleTenantSyncStatus,

	"instance.get":         handleInstanceGet,
	"instance.update":      handleInstanceUpdate,
	"instance.upgradeToEE": handleInstanceUpgrade,
}

// Dispatch routes name to its handler, applies legacy key rewriting,
// wraps the outcome in {ok, …}, and appends a command-log entry. "run
// now" is the one command that bypasses this table entirely — see
// RunNow.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, name string, payload map[string]any) map[string]any {
	payload = rewriteLegacyKeys(payload)

	handler, ok := registry[name]
	if !ok {
		return d.logged(ctx, tenantID, name, payload, map[string]any{"ok": false, "error": "unknown command: " + name}, 404)
	}

	result, err := handler(ctx, d, tenantID, payload)
	if err != nil {
		resp := map[string]any{"ok": false, "error": err.Error()}
		return d.logged(ctx, tenantID, name, payload, resp, 400)
	}

	if result == nil {
		result = map[string]any{}
	}
	if _, present := result["ok"]; !present {
		result["ok"] = true
	}
	return d.logged(ctx, tenantID, name, payload, result, 200)
}

func (d *Dispatcher) logged(ctx context.Context, tenantID, name string, payload map[string]any, response map[string]any, status int) map[string]any {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	respBody, err := json.Marshal(response)
	if err != nil {
		respBody = []byte("{}")
	}

	entry := domain.CommandLogEntry{
		Endpoint:       name,
		Payload:        string(body),
		TenantID:       tenantID,
		ResponseStatus: status,
		ResponseBody:   string(respBody),
		CommandTS:      time.Now().Unix(),
	}
	if err := d.store.AppendCommandLog(ctx, entry); err != nil {
		logger.Error("command log append failed", "command", name, "error", err.Error())
	}
	return response
}

// RunNow is the one command that bypasses the registry entirely (spec.md
// §4.8): it wakes the scheduler and reporter immediately and, when
// tenantID is non-empty, resets that tenant's report cadence so the next
// reporter cycle covers it regardless of sync_interval or an active
// Do-Not-Disturb cooloff.
func (d *Dispatcher) RunNow(tenantID string) map[string]any {
	d.scheduler.Wake()
	d.reporter.Wake()
	if tenantID != "" {
		d.reporter.RunNow(tenantID)
	}
	return map[string]any{"ok": true}
}

// rewriteLegacyKeys renames request fields the original client contract
// used before this rewrite (e.g. a bare "id" meaning the tenant) onto
// the internal field names the handlers expect, so internal code never
// has to special-case the old shape.
func rewriteLegacyKeys(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if _, hasTenant := payload["tenant_id"]; !hasTenant {
		if id, ok := payload["id"].(string); ok {
			payload["tenant_id"] = id
		}
	}
	return payload
}

