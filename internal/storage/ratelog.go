package storage

import (
	"context"
	"fmt"
)

// LogSend appends one durable send-timestamp entry for accountPK. Counting
// rows in account_send_log (rather than an ephemeral Redis counter) is how
// this limiter satisfies spec.md §4.4's requirement that per-account send
// counts survive a process or cache restart; see DESIGN.md, Rate limiter.
func (s *Store) LogSend(ctx context.Context, accountPK string, sentTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_send_log (account_pk, sent_ts) VALUES ($1, $2)`,
		accountPK, sentTS)
	if err != nil {
		return fmt.Errorf("log send: %w", err)
	}
	return nil
}

// CountSendsSince returns how many sends were logged for accountPK at or
// after sinceTS, the basis for the per-minute/hour/day window checks.
func (s *Store) CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_send_log WHERE account_pk = $1 AND sent_ts >= $2`,
		accountPK, sinceTS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sends since: %w", err)
	}
	return n, nil
}

// PruneSendLogBefore deletes send-log rows older than thresholdTS, keeping
// the table from growing unbounded once no configured window needs them
// anymore.
func (s *Store) PruneSendLogBefore(ctx context.Context, thresholdTS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM account_send_log WHERE sent_ts < $1`, thresholdTS)
	if err != nil {
		return 0, fmt.Errorf("prune send log: %w", err)
	}
	return res.RowsAffected()
}
