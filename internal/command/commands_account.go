package command

import (
	"context"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

func handleAccountAdd(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	var a domain.Account
	if err := decodeInto(payload, &a); err != nil {
		return nil, fmt.Errorf("account.add: invalid payload: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("account.add: id is required")
	}
	a.TenantID = tenantID

	if err := d.store.UpsertAccount(ctx, &a); err != nil {
		return nil, fmt.Errorf("account.add: %w", err)
	}
	return toMap(a), nil
}

func handleAccountGet(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("account.get: id is required")
	}
	a, err := d.store.GetAccount(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("account.get: %w", err)
	}
	return toMap(a), nil
}

func handleAccountDelete(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("account.delete: id is required")
	}
	if err := d.store.DeleteAccount(ctx, tenantID, id); err != nil {
		return nil, fmt.Errorf("account.delete: %w", err)
	}
	return nil, nil
}

func handleAccountList(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	accounts, err := d.store.ListAccountsForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("account.list: %w", err)
	}
	return map[string]any{"accounts": toMapSlice(accounts)}, nil
}
