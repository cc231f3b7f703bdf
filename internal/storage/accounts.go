package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
)

// GetAccount loads one account by (tenantID, id).
func (s *Store) GetAccount(ctx context.Context, tenantID, id string) (*domain.Account, error) {
	a := &domain.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT pk, id, tenant_id, host, port, "user", password, use_tls,
		       batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
		       limit_behavior, is_pec_account, imap_host, imap_port, imap_user,
		       imap_password, imap_folder, imap_last_uid, imap_uidvalidity
		FROM accounts WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(
		&a.PK, &a.ID, &a.TenantID, &a.Host, &a.Port, &a.User, &a.Password, &a.UseTLS,
		&a.BatchSize, &a.TTL, &a.LimitPerMinute, &a.LimitPerHour, &a.LimitPerDay,
		&a.LimitBehavior, &a.IsPECAccount, &a.IMAPHost, &a.IMAPPort, &a.IMAPUser,
		&a.IMAPPassword, &a.IMAPFolder, &a.IMAPLastUID, &a.IMAPUIDValid,
	)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountByPK loads an account by its internal primary key, used by the
// scheduler once a message's account_pk has been resolved.
func (s *Store) GetAccountByPK(ctx context.Context, pk string) (*domain.Account, error) {
	a := &domain.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT pk, id, tenant_id, host, port, "user", password, use_tls,
		       batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
		       limit_behavior, is_pec_account, imap_host, imap_port, imap_user,
		       imap_password, imap_folder, imap_last_uid, imap_uidvalidity
		FROM accounts WHERE pk = $1
	`, pk).Scan(
		&a.PK, &a.ID, &a.TenantID, &a.Host, &a.Port, &a.User, &a.Password, &a.UseTLS,
		&a.BatchSize, &a.TTL, &a.LimitPerMinute, &a.LimitPerHour, &a.LimitPerDay,
		&a.LimitBehavior, &a.IsPECAccount, &a.IMAPHost, &a.IMAPPort, &a.IMAPUser,
		&a.IMAPPassword, &a.IMAPFolder, &a.IMAPLastUID, &a.IMAPUIDValid,
	)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by pk: %w", err)
	}
	return a, nil
}

// UpsertAccount creates or fully replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, a *domain.Account) error {
	if a.PK == "" {
		a.PK = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (pk, id, tenant_id, host, port, "user", password, use_tls,
			batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
			limit_behavior, is_pec_account, imap_host, imap_port, imap_user,
			imap_password, imap_folder, imap_last_uid, imap_uidvalidity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (pk) DO UPDATE SET
			host=$4, port=$5, "user"=$6, password=$7, use_tls=$8, batch_size=$9,
			ttl=$10, limit_per_minute=$11, limit_per_hour=$12, limit_per_day=$13,
			limit_behavior=$14, is_pec_account=$15, imap_host=$16, imap_port=$17,
			imap_user=$18, imap_password=$19, imap_folder=$20, imap_last_uid=$21,
			imap_uidvalidity=$22
	`, a.PK, a.ID, a.TenantID, a.Host, a.Port, a.User, a.Password, a.UseTLS,
		a.BatchSize, a.TTL, a.LimitPerMinute, a.LimitPerHour, a.LimitPerDay,
		a.LimitBehavior, a.IsPECAccount, a.IMAPHost, a.IMAPPort, a.IMAPUser,
		a.IMAPPassword, a.IMAPFolder, a.IMAPLastUID, a.IMAPUIDValid)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpdateIMAPCursor persists the last-seen UID/UIDVALIDITY for a PEC/bounce
// account, called by the receiver after each successful poll.
func (s *Store) UpdateIMAPCursor(ctx context.Context, accountPK string, lastUID, uidValidity uint32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET imap_last_uid = $2, imap_uidvalidity = $3 WHERE pk = $1`,
		accountPK, lastUID, uidValidity)
	if err != nil {
		return fmt.Errorf("update imap cursor: %w", err)
	}
	return nil
}

// ListAccountsForTenant returns every account belonging to tenantID, for
// the command dispatcher's account/list.
func (s *Store) ListAccountsForTenant(ctx context.Context, tenantID string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pk, id, tenant_id, host, port, "user", password, use_tls,
		       batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
		       limit_behavior, is_pec_account, imap_host, imap_port, imap_user,
		       imap_password, imap_folder, imap_last_uid, imap_uidvalidity
		FROM accounts WHERE tenant_id = $1 ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for tenant: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(
			&a.PK, &a.ID, &a.TenantID, &a.Host, &a.Port, &a.User, &a.Password, &a.UseTLS,
			&a.BatchSize, &a.TTL, &a.LimitPerMinute, &a.LimitPerHour, &a.LimitPerDay,
			&a.LimitBehavior, &a.IsPECAccount, &a.IMAPHost, &a.IMAPPort, &a.IMAPUser,
			&a.IMAPPassword, &a.IMAPFolder, &a.IMAPLastUID, &a.IMAPUIDValid,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAccount removes one account row by (tenantID, id).
func (s *Store) DeleteAccount(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return mustAffect(res)
}

// ListPECAccounts returns every account flagged for bounce/PEC polling,
// across all tenants, for the receiver's fan-out loop.
func (s *Store) ListPECAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pk, id, tenant_id, host, port, "user", password, use_tls,
		       batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
		       limit_behavior, is_pec_account, imap_host, imap_port, imap_user,
		       imap_password, imap_folder, imap_last_uid, imap_uidvalidity
		FROM accounts WHERE is_pec_account = true
	`)
	if err != nil {
		return nil, fmt.Errorf("list pec accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(
			&a.PK, &a.ID, &a.TenantID, &a.Host, &a.Port, &a.User, &a.Password, &a.UseTLS,
			&a.BatchSize, &a.TTL, &a.LimitPerMinute, &a.LimitPerHour, &a.LimitPerDay,
			&a.LimitBehavior, &a.IsPECAccount, &a.IMAPHost, &a.IMAPPort, &a.IMAPUser,
			&a.IMAPPassword, &a.IMAPFolder, &a.IMAPLastUID, &a.IMAPUIDValid,
		); err != nil {
			return nil, fmt.Errorf("scan pec account: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
