package command

import (
	"context"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

func handleInstanceGet(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	inst, err := d.store.GetInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance.get: %w", err)
	}
	return toMap(inst), nil
}

func handleInstanceUpdate(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	inst, err := d.store.GetInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance.update: %w", err)
	}
	if name, ok := payload["name"].(string); ok {
		inst.Name = name
	}
	if bag, ok := payload["config"].(map[string]any); ok {
		inst.ConfigBag = bag
	}

	if err := d.store.UpdateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("instance.update: %w", err)
	}
	return toMap(inst), nil
}

func handleInstanceUpgrade(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	inst, err := d.store.GetInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance.upgradeToEE: %w", err)
	}
	inst.Edition = domain.EditionEE

	if err := d.store.UpdateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("instance.upgradeToEE: %w", err)
	}
	return toMap(inst), nil
}
