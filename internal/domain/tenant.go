// Package domain holds the entity types shared by every component of the
// mail dispatch core: storage, scheduler, reporter, receiver and the
// command dispatcher all operate on these same structs.
package domain

import "time"

// AuthMethod is the tagged variant used both for a tenant's webhook
// authentication and for an attachment-fetch auth override.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthBearer AuthMethod = "bearer"
	AuthBasic  AuthMethod = "basic"
)

// Auth carries the credentials for one of the AuthMethod variants. Only the
// fields relevant to Method are populated.
type Auth struct {
	Method   AuthMethod `json:"method"`
	Token    string     `json:"token,omitempty"`
	User     string     `json:"user,omitempty"`
	Password string     `json:"password,omitempty"`
}

// LargeFileAction controls what the scheduler does when an attachment
// exceeds the tenant's configured size threshold.
type LargeFileAction string

const (
	LargeFileWarn    LargeFileAction = "warn"
	LargeFileReject  LargeFileAction = "reject"
	LargeFileRewrite LargeFileAction = "rewrite"
)

// LargeFileConfig governs oversized-attachment handling for a tenant.
type LargeFileConfig struct {
	Enabled      bool            `json:"enabled"`
	MaxSizeMB    int             `json:"max_size_mb"`
	Action       LargeFileAction `json:"action"`
	StorageURL   string          `json:"storage_url"`
	FileTTLDays  int             `json:"file_ttl_days"`
}

// RateLimits carries tenant-level rate overrides, used only when an
// account does not define its own limits.
type RateLimits struct {
	PerMinute *int `json:"per_minute,omitempty"`
	PerHour   *int `json:"per_hour,omitempty"`
	PerDay    *int `json:"per_day,omitempty"`
}

// Tenant is an isolated customer namespace owning accounts and messages.
type Tenant struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Active               bool             `json:"active"`
	ClientBaseURL        string           `json:"client_base_url,omitempty"`
	ClientSyncPath       string           `json:"client_sync_path"`
	ClientAttachmentPath string           `json:"client_attachment_path"`
	ClientAuth           *Auth            `json:"client_auth,omitempty"`
	RateLimits           *RateLimits      `json:"rate_limits,omitempty"`
	LargeFileConfig      *LargeFileConfig `json:"large_file_config,omitempty"`
	SuspendedBatches     *string          `json:"suspended_batches,omitempty"`
	APIKeyHash           string           `json:"-"`
	APIKeyExpiresAt      *time.Time       `json:"api_key_expires_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DefaultTenantID is the implicit tenant used by single-tenant deployments.
const DefaultTenantID = "default"

// IsSuspended reports whether a message with the given batch code would be
// skipped by fetch_ready for this tenant, per spec.md §4.1.
func (t *Tenant) IsSuspended(batchCode *string) bool {
	if t.SuspendedBatches == nil {
		return false
	}
	if *t.SuspendedBatches == "*" {
		return true
	}
	if batchCode == nil {
		return false
	}
	for _, code := range splitCSV(*t.SuspendedBatches) {
		if code == *batchCode {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
