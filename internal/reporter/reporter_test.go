package reporter

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/domain"
)

func TestSyncURLPrefersTenant(t *testing.T) {
	tenant := &domain.Tenant{ClientBaseURL: "https://tenant.example.com", ClientSyncPath: "/hooks/mail"}
	assert.Equal(t, "https://tenant.example.com/hooks/mail", syncURL(tenant, "https://global.example.com"))
}

func TestSyncURLFallsBackToGlobal(t *testing.T) {
	tenant := &domain.Tenant{}
	assert.Equal(t, "https://global.example.com", syncURL(tenant, "https://global.example.com"))
}

func TestSyncURLEmptyWhenNeitherConfigured(t *testing.T) {
	tenant := &domain.Tenant{}
	assert.Empty(t, syncURL(tenant, ""))
}

func TestApplyAuthBearer(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.com", nil)
	applyAuth(req, &domain.Auth{Method: domain.AuthBearer, Token: "secret"})
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
}

func TestApplyAuthBasic(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.com", nil)
	applyAuth(req, &domain.Auth{Method: domain.AuthBasic, User: "u", Password: "p"})
	user, pass, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestApplyAuthNone(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.com", nil)
	applyAuth(req, nil)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestEligibleFirstTimeIsTrue(t *testing.T) {
	r := New(nil, config.ReporterConfig{SyncIntervalSeconds: 30})
	assert.True(t, r.eligible("tenant-1", 1000))
}

func TestEligibleRespectsSyncInterval(t *testing.T) {
	r := New(nil, config.ReporterConfig{SyncIntervalSeconds: 30})
	r.lastSync["tenant-1"] = 1000
	assert.False(t, r.eligible("tenant-1", 1010))
	assert.True(t, r.eligible("tenant-1", 1030))
}

func TestEligibleDoNotDisturbCooloff(t *testing.T) {
	r := New(nil, config.ReporterConfig{SyncIntervalSeconds: 30})
	r.backoff("tenant-1", 1000) // sets lastSync to a future timestamp
	assert.False(t, r.eligible("tenant-1", 1005))
}

func TestRunNowResetsCadence(t *testing.T) {
	r := New(nil, config.ReporterConfig{SyncIntervalSeconds: 30})
	r.lastSync["tenant-1"] = 1000000
	r.RunNow("tenant-1")
	assert.True(t, r.eligible("tenant-1", 1000001))
}

func TestToReportEventSentCarriesIDStatusAccountAndISOTimestamp(t *testing.T) {
	e := domain.MessageEvent{
		MessageID: "msg-1",
		AccountID: "acct-1",
		EventType: domain.EventSent,
		EventTS:   1700000000,
	}
	out := toReportEvent(e)
	assert.Equal(t, "msg-1", out.ID)
	assert.Equal(t, "sent", out.Status)
	assert.Equal(t, "acct-1", out.Account)
	assert.Equal(t, "2023-11-14T22:13:20Z", out.Timestamp)
	assert.Empty(t, out.Error)
}

func TestToReportEventErrorCarriesDescriptionAsError(t *testing.T) {
	e := domain.MessageEvent{
		MessageID:   "msg-2",
		EventType:   domain.EventError,
		Description: "smtp: 550 mailbox unavailable",
	}
	out := toReportEvent(e)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "smtp: 550 mailbox unavailable", out.Error)
}

func TestToReportEventBounceFlattensMetadata(t *testing.T) {
	e := domain.MessageEvent{
		MessageID: "msg-3",
		EventType: domain.EventBounce,
		Metadata:  map[string]any{"bounce_type": "hard", "bounce_code": "5.1.1"},
	}
	out := toReportEvent(e)
	assert.Equal(t, "bounce", out.Status)
	assert.Equal(t, "hard", out.BounceType)
	assert.Equal(t, "5.1.1", out.BounceCode)
}

func TestToReportEventDeferredFlattensDeferredUntil(t *testing.T) {
	e := domain.MessageEvent{
		MessageID: "msg-4",
		EventType: domain.EventDeferred,
		Metadata:  map[string]any{"deferred_ts": float64(1700000300)},
	}
	out := toReportEvent(e)
	assert.Equal(t, "deferred", out.Status)
	require.NotNil(t, out.DeferredUntil)
	assert.Equal(t, int64(1700000300), *out.DeferredUntil)
}
