package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
)

// GetTenant loads one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	var auth, rateLimits, largeFile []byte
	var suspended sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path,
		       client_attachment_path, client_auth, rate_limits,
		       large_file_config, suspended_batches, api_key_hash,
		       api_key_expires_at, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id).Scan(
		&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.ClientAttachmentPath, &auth, &rateLimits, &largeFile,
		&suspended, &t.APIKeyHash, &t.APIKeyExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if suspended.Valid {
		t.SuspendedBatches = &suspended.String
	}
	if err := unmarshalOptional(auth, &t.ClientAuth); err != nil {
		return nil, fmt.Errorf("decode tenant auth: %w", err)
	}
	if err := unmarshalOptional(rateLimits, &t.RateLimits); err != nil {
		return nil, fmt.Errorf("decode tenant rate limits: %w", err)
	}
	if err := unmarshalOptional(largeFile, &t.LargeFileConfig); err != nil {
		return nil, fmt.Errorf("decode tenant large file config: %w", err)
	}
	return &t, nil
}

// UpsertTenant creates or fully replaces a tenant row.
func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	auth, err := json.Marshal(t.ClientAuth)
	if err != nil {
		return fmt.Errorf("encode tenant auth: %w", err)
	}
	rateLimits, err := json.Marshal(t.RateLimits)
	if err != nil {
		return fmt.Errorf("encode tenant rate limits: %w", err)
	}
	largeFile, err := json.Marshal(t.LargeFileConfig)
	if err != nil {
		return fmt.Errorf("encode tenant large file config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, active, client_base_url, client_sync_path,
			client_attachment_path, client_auth, rate_limits, large_file_config,
			suspended_batches, api_key_hash, api_key_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (id) DO UPDATE SET
			name = $2, active = $3, client_base_url = $4, client_sync_path = $5,
			client_attachment_path = $6, client_auth = $7, rate_limits = $8,
			large_file_config = $9, suspended_batches = $10, api_key_hash = $11,
			api_key_expires_at = $12, updated_at = now()
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath,
		t.ClientAttachmentPath, auth, rateLimits, largeFile,
		t.SuspendedBatches, t.APIKeyHash, t.APIKeyExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ListTenants returns every tenant row, used by the command dispatcher's
// listTenants.
func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path,
		       client_attachment_path, client_auth, rate_limits,
		       large_file_config, suspended_batches, api_key_hash,
		       api_key_expires_at, created_at, updated_at
		FROM tenants ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var auth, rateLimits, largeFile []byte
		var suspended sql.NullString
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
			&t.ClientAttachmentPath, &auth, &rateLimits, &largeFile,
			&suspended, &t.APIKeyHash, &t.APIKeyExpiresAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		if suspended.Valid {
			t.SuspendedBatches = &suspended.String
		}
		if err := unmarshalOptional(auth, &t.ClientAuth); err != nil {
			return nil, fmt.Errorf("decode tenant auth: %w", err)
		}
		if err := unmarshalOptional(rateLimits, &t.RateLimits); err != nil {
			return nil, fmt.Errorf("decode tenant rate limits: %w", err)
		}
		if err := unmarshalOptional(largeFile, &t.LargeFileConfig); err != nil {
			return nil, fmt.Errorf("decode tenant large file config: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// SetAPIKeyHash persists a freshly generated token's hash and expiry for
// tenantID, called by authn.GenerateAPIKey.
func (s *Store) SetAPIKeyHash(ctx context.Context, tenantID, hash string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET api_key_hash = $2, api_key_expires_at = $3, updated_at = now() WHERE id = $1`,
		tenantID, hash, expiresAt)
	if err != nil {
		return fmt.Errorf("set api key hash: %w", err)
	}
	return mustAffect(res)
}

// GetTenantByHash looks up the tenant owning hash, rejecting an expired
// key the same way a not-found lookup would, per spec.md §4.1's
// get_tenant_by_token.
func (s *Store) GetTenantByHash(ctx context.Context, hash string) (*domain.Tenant, error) {
	var t domain.Tenant
	var auth, rateLimits, largeFile []byte
	var suspended sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path,
		       client_attachment_path, client_auth, rate_limits,
		       large_file_config, suspended_batches, api_key_hash,
		       api_key_expires_at, created_at, updated_at
		FROM tenants WHERE api_key_hash = $1 AND api_key_hash != ''
	`, hash).Scan(
		&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.ClientAttachmentPath, &auth, &rateLimits, &largeFile,
		&suspended, &t.APIKeyHash, &t.APIKeyExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, mailproxyerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant by hash: %w", err)
	}
	if t.APIKeyExpiresAt != nil && t.APIKeyExpiresAt.Before(time.Now()) {
		return nil, mailproxyerr.ErrNotFound
	}
	if suspended.Valid {
		t.SuspendedBatches = &suspended.String
	}
	if err := unmarshalOptional(auth, &t.ClientAuth); err != nil {
		return nil, fmt.Errorf("decode tenant auth: %w", err)
	}
	if err := unmarshalOptional(rateLimits, &t.RateLimits); err != nil {
		return nil, fmt.Errorf("decode tenant rate limits: %w", err)
	}
	if err := unmarshalOptional(largeFile, &t.LargeFileConfig); err != nil {
		return nil, fmt.Errorf("decode tenant large file config: %w", err)
	}
	return &t, nil
}

// DeleteTenant removes a tenant row. Messages/accounts belonging to it
// are left for an operator-driven cleanup rather than cascaded
// automatically, since spec.md does not define tenant deletion as
// cascading.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return mustAffect(res)
}

// SuspendBatch sets a tenant's suspended_batches column to batchCode:
// "*" suspends every batch, any other value suspends that one code. The
// earlier value is replaced, not added to, so suspending a second code
// lifts the suspension of the first.
func (s *Store) SuspendBatch(ctx context.Context, tenantID, batchCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET suspended_batches = $2, updated_at = now() WHERE id = $1`,
		tenantID, batchCode)
	if err != nil {
		return fmt.Errorf("suspend batch: %w", err)
	}
	return mustAffect(res)
}

// ActivateBatch clears the suspension for tenantID entirely.
func (s *Store) ActivateBatch(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET suspended_batches = NULL, updated_at = now() WHERE id = $1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("activate batch: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mailproxyerr.ErrNotFound
	}
	return nil
}

func unmarshalOptional(raw []byte, dest interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
