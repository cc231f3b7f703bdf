package storage

import (
	"context"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

// AppendCommandLog records one invocation of a state-modifying command
// (spec.md §4.8), used for audit and for the "run now" special case.
func (s *Store) AppendCommandLog(ctx context.Context, e domain.CommandLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (endpoint, payload, tenant_id, response_status, response_body, command_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Endpoint, e.Payload, e.TenantID, e.ResponseStatus, e.ResponseBody, e.CommandTS)
	if err != nil {
		return fmt.Errorf("append command log: %w", err)
	}
	return nil
}

// ListCommandLog returns the most recent limit command-log entries,
// newest first.
func (s *Store) ListCommandLog(ctx context.Context, limit int) ([]domain.CommandLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, payload, tenant_id, response_status, response_body, command_ts
		FROM command_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list command log: %w", err)
	}
	defer rows.Close()

	var out []domain.CommandLogEntry
	for rows.Next() {
		var e domain.CommandLogEntry
		if err := rows.Scan(&e.ID, &e.Endpoint, &e.Payload, &e.TenantID,
			&e.ResponseStatus, &e.ResponseBody, &e.CommandTS); err != nil {
			return nil, fmt.Errorf("scan command log: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
