package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/genropy/mail-proxy/internal/domain"
)

func idArray(ids []int64) interface{} { return pq.Array(ids) }

// AddEvent records one message-lifecycle event and applies its side
// effect on the owning message's state, inside a single transaction —
// the Go equivalent of original_source's trigger_on_inserted, which ran
// as a post-insert hook on the same connection. Keeping both writes in
// one transaction preserves the invariant that a message's smtp_ts/
// deferred_ts always agrees with its most recent terminal event.
func (s *Store) AddEvent(ctx context.Context, e domain.MessageEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("add event: begin tx: %w", err)
	}
	defer tx.Rollback()

	var metadata []byte
	if e.Metadata != nil {
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode event metadata: %w", err)
		}
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO message_events (message_pk, event_type, event_ts, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.MessagePK, e.EventType, e.EventTS, e.Description, nullIfEmpty(metadata)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := applyEventTrigger(ctx, tx, e); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("add event: commit: %w", err)
	}
	return id, nil
}

// applyEventTrigger mutates the owning message according to event_type,
// mirroring MessageEventTable.trigger_on_inserted.
func applyEventTrigger(ctx context.Context, tx *sql.Tx, e domain.MessageEvent) error {
	switch e.EventType {
	case domain.EventSent, domain.EventError:
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET smtp_ts = $2, deferred_ts = NULL, updated_at = now() WHERE pk = $1`,
			e.MessagePK, e.EventTS)
		if err != nil {
			return fmt.Errorf("apply terminal trigger: %w", err)
		}
	case domain.EventDeferred:
		deferredTS := e.EventTS
		if e.Metadata != nil {
			if v, ok := e.Metadata["deferred_ts"]; ok {
				switch n := v.(type) {
				case float64:
					deferredTS = int64(n)
				case int64:
					deferredTS = n
				case int:
					deferredTS = int64(n)
				}
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET deferred_ts = $2, smtp_ts = NULL, updated_at = now() WHERE pk = $1`,
			e.MessagePK, deferredTS)
		if err != nil {
			return fmt.Errorf("apply deferred trigger: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// FetchUnreported returns up to limit events not yet reported, joined with
// their owning message's client-facing id/tenant/account, ordered
// chronologically — the batch the reporter ships to a tenant webhook.
func (s *Store) FetchUnreported(ctx context.Context, limit int) ([]domain.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_pk, m.id, e.event_type, e.event_ts, e.description,
		       e.metadata, m.account_id, m.tenant_id
		FROM message_events e
		JOIN messages m ON e.message_pk = m.pk
		WHERE e.reported_ts IS NULL
		ORDER BY e.event_ts ASC, e.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FetchUnreportedForTenant is the same as FetchUnreported narrowed to one
// tenant. The reporter calls FetchUnreported and groups by tenant itself.
func (s *Store) FetchUnreportedForTenant(ctx context.Context, tenantID string, limit int) ([]domain.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_pk, m.id, e.event_type, e.event_ts, e.description,
		       e.metadata, m.account_id, m.tenant_id
		FROM message_events e
		JOIN messages m ON e.message_pk = m.pk
		WHERE e.reported_ts IS NULL AND m.tenant_id = $1
		ORDER BY e.event_ts ASC, e.id ASC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported for tenant: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.MessageEvent, error) {
	var out []domain.MessageEvent
	for rows.Next() {
		var e domain.MessageEvent
		var description sql.NullString
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.MessagePK, &e.MessageID, &e.EventType, &e.EventTS,
			&description, &metadata, &e.AccountID, &e.TenantID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Description = description.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// MarkReported stamps reportedTS on every event id given, a plain update
// with no trigger side effect (original_source's mark_reported).
func (s *Store) MarkReported(ctx context.Context, ids []int64, reportedTS int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_events SET reported_ts = $2 WHERE id = ANY($1)`,
		idArray(ids), reportedTS)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	return nil
}

// GetEventsForMessage returns the full chronological history for one message.
func (s *Store) GetEventsForMessage(ctx context.Context, messagePK string) ([]domain.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_pk, '', event_type, event_ts, description, metadata, '', ''
		FROM message_events
		WHERE message_pk = $1
		ORDER BY event_ts ASC, id ASC
	`, messagePK)
	if err != nil {
		return nil, fmt.Errorf("get events for message: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteForMessage removes every event belonging to messagePK, returning
// the count removed.
func (s *Store) DeleteForMessage(ctx context.Context, messagePK string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_events WHERE message_pk = $1`, messagePK)
	if err != nil {
		return 0, fmt.Errorf("delete for message: %w", err)
	}
	return res.RowsAffected()
}

// CountUnreportedForMessage returns the number of events for messagePK
// still awaiting delivery to the tenant webhook.
func (s *Store) CountUnreportedForMessage(ctx context.Context, messagePK string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_events WHERE message_pk = $1 AND reported_ts IS NULL`,
		messagePK).Scan(&n)
	return n, err
}
