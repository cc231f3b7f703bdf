package command

import (
	"context"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

func handleTenantAdd(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	var t domain.Tenant
	if err := decodeInto(payload, &t); err != nil {
		return nil, fmt.Errorf("tenant.add: invalid payload: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("tenant.add: id is required")
	}

	if err := d.store.UpsertTenant(ctx, &t); err != nil {
		return nil, fmt.Errorf("tenant.add: %w", err)
	}
	return toMap(t), nil
}

func handleTenantGet(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["tenant_id"].(string)
	if id == "" {
		id = tenantID
	}
	if id == "" {
		return nil, fmt.Errorf("tenant.get: tenant_id is required")
	}
	t, err := d.store.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tenant.get: %w", err)
	}
	return toMap(t), nil
}

func handleTenantDelete(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["tenant_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("tenant.delete: tenant_id is required")
	}
	if err := d.store.DeleteTenant(ctx, id); err != nil {
		return nil, fmt.Errorf("tenant.delete: %w", err)
	}
	return nil, nil
}

func handleTenantList(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	tenants, err := d.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant.list: %w", err)
	}
	return map[string]any{"tenants": toMapSlice(tenants)}, nil
}

func handleTenantSuspend(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["tenant_id"].(string)
	if id == "" {
		id = tenantID
	}
	batchCode, _ := payload["batch_code"].(string)
	if batchCode == "" {
		batchCode = "*"
	}
	if err := d.store.SuspendBatch(ctx, id, batchCode); err != nil {
		return nil, fmt.Errorf("tenant.suspend: %w", err)
	}
	return nil, nil
}

func handleTenantActivate(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["tenant_id"].(string)
	if id == "" {
		id = tenantID
	}
	if err := d.store.ActivateBatch(ctx, id); err != nil {
		return nil, fmt.Errorf("tenant.activate: %w", err)
	}
	return nil, nil
}

func handleTenantSyncStatus(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	return map[string]any{"sync_status": d.reporter.SyncStatus()}, nil
}
