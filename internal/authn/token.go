// Package authn implements the control surface's X-API-Token
// authentication (spec.md §6): a process-wide global token that
// authorizes any tenant, and optional per-tenant tokens scoped to their
// own tenant_id.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/storage"
)

const rawTokenBytes = 32

// GenerateAPIKey creates a new high-entropy token for tenantID, persists
// its hash, and returns the raw value — the only time it is ever visible,
// per spec.md §4.1's create_api_key.
func GenerateAPIKey(ctx context.Context, store *storage.Store, tenantID string, expiresAt *time.Time) (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	if err := store.SetAPIKeyHash(ctx, tenantID, hashToken(raw), expiresAt); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return raw, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the X-API-Token header value against the
// configured global token and, failing that, a per-tenant token. A
// global token authorizes any tenant_id in the request; a per-tenant
// token only authorizes its own. requestedTenant is empty for
// instance-level commands, which only the global token may reach.
func Authenticate(ctx context.Context, store *storage.Store, globalToken, presented, requestedTenant string) (*domain.Tenant, error) {
	if presented == "" {
		return nil, mailproxyerr.ErrUnauthorized
	}

	if globalToken != "" && constantTimeEqual(presented, globalToken) {
		if requestedTenant == "" {
			return nil, nil
		}
		tenant, err := store.GetTenant(ctx, requestedTenant)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		return tenant, nil
	}

	tenant, err := store.GetTenantByHash(ctx, hashToken(presented))
	if err != nil {
		if err == mailproxyerr.ErrNotFound {
			return nil, mailproxyerr.ErrUnauthorized
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if requestedTenant == "" || tenant.ID != requestedTenant {
		return nil, mailproxyerr.ErrUnauthorized
	}
	return tenant, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
