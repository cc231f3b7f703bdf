package command

import (
	"context"
	"fmt"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/storage"
)

// messageAddRequest is the payload shape for message.add: either a single
// message's fields at the top level, or a "messages" array for a batch
// submission — both are normalized to a []domain.Message before reaching
// storage.InsertBatch.
type messageAddRequest struct {
	Messages []domain.Message `json:"messages"`
	domain.Message
}

func handleMessageAdd(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	var req messageAddRequest
	if err := decodeInto(payload, &req); err != nil {
		return nil, fmt.Errorf("message.add: invalid payload: %w", err)
	}

	msgs := req.Messages
	if len(msgs) == 0 {
		msgs = []domain.Message{req.Message}
	}

	var valid []domain.Message
	var rejected []storage.RejectedMessage
	for _, m := range msgs {
		if m.ID == "" || m.AccountID == "" {
			rejected = append(rejected, storage.RejectedMessage{ID: m.ID, Reason: "id and account_id are required"})
			continue
		}
		valid = append(valid, m)
	}

	written, skipped, err := d.store.InsertBatch(ctx, tenantID, valid)
	if err != nil {
		return nil, fmt.Errorf("message.add: %w", err)
	}
	rejected = append(rejected, skipped...)

	d.scheduler.Wake()
	return map[string]any{
		"queued":   len(written),
		"rejected": toMapSlice(rejected),
	}, nil
}

func handleMessageDelete(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("message.delete: id is required")
	}

	owned, err := d.store.GetIDsForTenant(ctx, []string{id}, tenantID)
	if err != nil {
		return nil, fmt.Errorf("message.delete: %w", err)
	}
	if !owned[id] {
		return nil, fmt.Errorf("not found")
	}

	msg, err := d.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("message.delete: %w", err)
	}
	if err := d.store.DeleteMessage(ctx, msg.PK); err != nil {
		return nil, fmt.Errorf("message.delete: %w", err)
	}
	return nil, nil
}

func handleMessageList(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	limit := 100
	if v, ok := payload["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	msgs, err := d.store.ListMessagesForTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("message.list: %w", err)
	}
	return map[string]any{"messages": toMapSlice(msgs)}, nil
}

func handleMessageCleanup(ctx context.Context, d *Dispatcher, tenantID string, payload map[string]any) (map[string]any, error) {
	olderThanDays := 30
	if v, ok := payload["older_than_days"].(float64); ok && v > 0 {
		olderThanDays = int(v)
	}
	threshold := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	n, err := d.store.RemoveFullyReportedBefore(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("message.cleanup: %w", err)
	}
	return map[string]any{"removed": n}, nil
}
