package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
)

// RejectedMessage names a message the queue refused to (re)accept, with a
// short human-readable reason — surfaced to callers in the
// {ok, queued, rejected[]} submission envelope.
type RejectedMessage struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// InsertBatch persists a batch of messages, matching the insert-or-skip
// semantics of the queue: a message whose id already exists and is not yet
// SMTP-terminal is updated in place; one that is already terminal is
// rejected, not written again; anything new is inserted. Returns the
// messages actually written and the ones rejected with a reason.
// Grounded on original_source's MessagesTable.insert_batch.
func (s *Store) InsertBatch(ctx context.Context, tenantID string, msgs []domain.Message) ([]domain.Message, []RejectedMessage, error) {
	if len(msgs) == 0 {
		return nil, nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("insert batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	var out []domain.Message
	var rejected []RejectedMessage
	for _, m := range msgs {
		m.TenantID = tenantID

		if m.AccountPK == "" && m.AccountID != "" {
			var pk string
			err := tx.QueryRowContext(ctx,
				`SELECT pk FROM accounts WHERE tenant_id = $1 AND id = $2`,
				tenantID, m.AccountID).Scan(&pk)
			if err == nil {
				m.AccountPK = pk
			} else if err != sql.ErrNoRows {
				return nil, nil, fmt.Errorf("resolve account_pk: %w", err)
			}
		}

		var existingPK string
		var existingSMTPTs sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT pk, smtp_ts FROM messages WHERE tenant_id = $1 AND id = $2`,
			tenantID, m.ID).Scan(&existingPK, &existingSMTPTs)

		payload, encErr := json.Marshal(m.Payload)
		if encErr != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", encErr)
		}

		switch {
		case err == sql.ErrNoRows:
			m.PK = uuid.New().String()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (pk, id, tenant_id, account_id, account_pk,
					priority, payload, batch_code, deferred_ts, is_pec)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, m.PK, m.ID, tenantID, m.AccountID, m.AccountPK, m.Priority, payload,
				m.BatchCode, m.DeferredTS, m.IsPEC)
			if err != nil {
				return nil, nil, fmt.Errorf("insert message: %w", err)
			}
			out = append(out, m)

		case err != nil:
			return nil, nil, fmt.Errorf("lookup existing message: %w", err)

		case existingSMTPTs.Valid:
			rejected = append(rejected, RejectedMessage{ID: m.ID, Reason: "already sent"})

		default:
			m.PK = existingPK
			_, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET account_id = $2, account_pk = $3, priority = $4, payload = $5,
					batch_code = $6, deferred_ts = $7, is_pec = $8, updated_at = now()
				WHERE pk = $1
			`, m.PK, m.AccountID, m.AccountPK, m.Priority, payload,
				m.BatchCode, m.DeferredTS, m.IsPEC)
			if err != nil {
				return nil, nil, fmt.Errorf("update message: %w", err)
			}
			out = append(out, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("insert batch: commit: %w", err)
	}
	return out, rejected, nil
}

// FetchReady returns up to limit messages ready for SMTP delivery for one
// account, honoring tenant/batch suspension. Mirrors fetch_ready from
// original_source, narrowed to one account per call; the scheduler
// itself fetches across accounts with FetchReadyBatch.
func (s *Store) FetchReady(ctx context.Context, accountID string, limit int, nowTS int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.pk, m.id, m.tenant_id, m.account_id, m.account_pk, m.priority,
		       m.payload, m.batch_code, m.created_at, m.updated_at, m.deferred_ts,
		       m.smtp_ts, m.is_pec
		FROM messages m
		LEFT JOIN tenants t ON m.tenant_id = t.id
		WHERE m.account_id = $1
		  AND m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $2)
		  AND (
		        t.suspended_batches IS NULL
		        OR (
		              t.suspended_batches != '*'
		              AND (
		                    m.batch_code IS NULL
		                    OR NOT ((',' || t.suspended_batches || ',') LIKE ('%,' || m.batch_code || ',%'))
		              )
		        )
		      )
		ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC
		LIMIT $3
	`, accountID, nowTS, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// FetchReadyBatch returns up to limit ready messages across every
// account, filtered to priority == exactly minPriority when exact is
// true or to priority >= minPriority otherwise. This is the global
// fetch_ready the scheduler's process_cycle calls twice per iteration —
// once for priority 0 (immediate), once for everything else — before
// dispatch_batch groups the result by account_id.
func (s *Store) FetchReadyBatch(ctx context.Context, limit int, nowTS int64, minPriority int, exact bool) ([]domain.Message, error) {
	cmp := ">="
	if exact {
		cmp = "="
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.pk, m.id, m.tenant_id, m.account_id, m.account_pk, m.priority,
		       m.payload, m.batch_code, m.created_at, m.updated_at, m.deferred_ts,
		       m.smtp_ts, m.is_pec
		FROM messages m
		LEFT JOIN tenants t ON m.tenant_id = t.id
		WHERE m.priority %s $1
		  AND m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $2)
		  AND (
		        t.suspended_batches IS NULL
		        OR (
		              t.suspended_batches != '*'
		              AND (
		                    m.batch_code IS NULL
		                    OR NOT ((',' || t.suspended_batches || ',') LIKE ('%%,' || m.batch_code || ',%%'))
		              )
		        )
		      )
		ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC
		LIMIT $3
	`, cmp), minPriority, nowTS, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready batch: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var payload []byte
		var batchCode sql.NullString
		if err := rows.Scan(
			&m.PK, &m.ID, &m.TenantID, &m.AccountID, &m.AccountPK, &m.Priority,
			&payload, &batchCode, &m.CreatedAt, &m.UpdatedAt, &m.DeferredTS,
			&m.SMTPTs, &m.IsPEC,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if batchCode.Valid {
			m.BatchCode = &batchCode.String
		}
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// SetDeferred puts a message back into the pending queue for retry at
// deferredTS, clearing any previous smtp_ts.
func (s *Store) SetDeferred(ctx context.Context, pk string, deferredTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deferred_ts = $2, smtp_ts = NULL, updated_at = now() WHERE pk = $1`,
		pk, deferredTS)
	if err != nil {
		return fmt.Errorf("set deferred: %w", err)
	}
	return nil
}

// MarkSent marks a message SMTP-terminal with a successful send.
func (s *Store) MarkSent(ctx context.Context, pk string, smtpTS int64) error {
	return s.markTerminal(ctx, pk, smtpTS)
}

// MarkError marks a message SMTP-terminal with a failed, non-retryable send.
func (s *Store) MarkError(ctx context.Context, pk string, smtpTS int64) error {
	return s.markTerminal(ctx, pk, smtpTS)
}

func (s *Store) markTerminal(ctx context.Context, pk string, smtpTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET smtp_ts = $2, deferred_ts = NULL, updated_at = now() WHERE pk = $1`,
		pk, smtpTS)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}

// ClearPECFlag clears is_pec on one message, called by the receiver's
// PEC-acceptance deadline sweep.
func (s *Store) ClearPECFlag(ctx context.Context, pk string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_pec = false, updated_at = now() WHERE pk = $1`, pk)
	return err
}

// GetMessage loads a single message by its client-facing id within a tenant.
func (s *Store) GetMessage(ctx context.Context, tenantID, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pk, id, tenant_id, account_id, account_pk, priority, payload,
		       batch_code, created_at, updated_at, deferred_ts, smtp_ts, is_pec
		FROM messages WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	var m domain.Message
	var payload []byte
	var batchCode sql.NullString
	err := row.Scan(&m.PK, &m.ID, &m.TenantID, &m.AccountID, &m.AccountPK, &m.Priority,
		&payload, &batchCode, &m.CreatedAt, &m.UpdatedAt, &m.DeferredTS, &m.SMTPTs, &m.IsPEC)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if batchCode.Valid {
		m.BatchCode = &batchCode.String
	}
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &m, nil
}

// GetByPK loads a message by internal primary key.
func (s *Store) GetByPK(ctx context.Context, pk string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pk, id, tenant_id, account_id, account_pk, priority, payload,
		       batch_code, created_at, updated_at, deferred_ts, smtp_ts, is_pec
		FROM messages WHERE pk = $1
	`, pk)

	var m domain.Message
	var payload []byte
	var batchCode sql.NullString
	err := row.Scan(&m.PK, &m.ID, &m.TenantID, &m.AccountID, &m.AccountPK, &m.Priority,
		&payload, &batchCode, &m.CreatedAt, &m.UpdatedAt, &m.DeferredTS, &m.SMTPTs, &m.IsPEC)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by pk: %w", err)
	}
	if batchCode.Valid {
		m.BatchCode = &batchCode.String
	}
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &m, nil
}

// GetIDsForTenant returns the subset of ids that belong to tenantID,
// validated by joining through the owning account.
func (s *Store) GetIDsForTenant(ctx context.Context, ids []string, tenantID string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM messages m
		JOIN accounts a ON m.account_id = a.id AND m.tenant_id = a.tenant_id
		WHERE a.tenant_id = $1 AND m.id = ANY($2)
	`, tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get ids for tenant: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}

// CountActive returns the number of messages still awaiting delivery,
// across every tenant.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE smtp_ts IS NULL`).Scan(&n)
	return n, err
}

// CountPendingForTenant counts pending messages for a tenant, optionally
// narrowed to one batch_code.
func (s *Store) CountPendingForTenant(ctx context.Context, tenantID string, batchCode *string) (int, error) {
	var n int
	var err error
	if batchCode != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages m
			JOIN accounts a ON m.account_id = a.id AND m.tenant_id = a.tenant_id
			WHERE a.tenant_id = $1 AND m.batch_code = $2 AND m.smtp_ts IS NULL
		`, tenantID, *batchCode).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages m
			JOIN accounts a ON m.account_id = a.id AND m.tenant_id = a.tenant_id
			WHERE a.tenant_id = $1 AND m.smtp_ts IS NULL
		`, tenantID).Scan(&n)
	}
	return n, err
}

// RemoveFullyReportedBefore deletes SMTP-terminal messages whose every
// event has been reported, and whose most recent report predates
// thresholdTS. Returns the number of rows removed.
func (s *Store) RemoveFullyReportedBefore(ctx context.Context, thresholdTS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE smtp_ts IS NOT NULL
		  AND pk IN (
		      SELECT m.pk FROM messages m
		      WHERE m.smtp_ts IS NOT NULL
		        AND NOT EXISTS (
		            SELECT 1 FROM message_events e
		            WHERE e.message_pk = m.pk AND e.reported_ts IS NULL
		        )
		        AND (
		            SELECT MAX(e.reported_ts) FROM message_events e
		            WHERE e.message_pk = m.pk
		        ) < $1
		  )
	`, thresholdTS)
	if err != nil {
		return 0, fmt.Errorf("remove fully reported: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMessage removes one message and its event history, used by the
// command dispatcher's message/delete after authorizing the id against
// the requesting tenant via GetIDsForTenant.
func (s *Store) DeleteMessage(ctx context.Context, pk string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_events WHERE message_pk = $1`, pk)
	if err != nil {
		return fmt.Errorf("delete message events: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE pk = $1`, pk)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return mustAffect(res)
}

// ListMessagesForTenant returns up to limit messages owned by tenantID,
// newest first, for the command dispatcher's message/list.
func (s *Store) ListMessagesForTenant(ctx context.Context, tenantID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pk, id, tenant_id, account_id, account_pk, priority, payload,
		       batch_code, created_at, updated_at, deferred_ts, smtp_ts, is_pec
		FROM messages
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for tenant: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetPECWithoutAcceptance returns PEC messages sent before cutoffTS that
// have no pec_acceptance event yet, used by the receiver's PEC-acceptance
// deadline sweep.
func (s *Store) GetPECWithoutAcceptance(ctx context.Context, cutoffTS int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.pk, m.id, m.tenant_id, m.account_id, m.account_pk, m.priority,
		       m.payload, m.batch_code, m.created_at, m.updated_at, m.deferred_ts,
		       m.smtp_ts, m.is_pec
		FROM messages m
		WHERE m.is_pec = true
		  AND m.smtp_ts IS NOT NULL
		  AND m.smtp_ts < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM message_events e
		      WHERE e.message_pk = m.pk AND e.event_type = 'pec_acceptance'
		  )
	`, cutoffTS)
	if err != nil {
		return nil, fmt.Errorf("get pec without acceptance: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}
