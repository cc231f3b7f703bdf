package command

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/reporter"
	"github.com/genropy/mail-proxy/internal/scheduler"
	"github.com/genropy/mail-proxy/internal/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.New(db)
	sched := scheduler.New(store, nil, nil, nil, nil, config.SchedulerConfig{})
	rep := reporter.New(store, config.ReporterConfig{})
	return New(store, sched, rep), mock
}

func TestRewriteLegacyKeysMapsIDToTenantID(t *testing.T) {
	payload := rewriteLegacyKeys(map[string]any{"id": "acme"})
	assert.Equal(t, "acme", payload["tenant_id"])
}

func TestRewriteLegacyKeysLeavesExplicitTenantID(t *testing.T) {
	payload := rewriteLegacyKeys(map[string]any{"id": "acme", "tenant_id": "other"})
	assert.Equal(t, "other", payload["tenant_id"])
}

func TestRewriteLegacyKeysHandlesNilPayload(t *testing.T) {
	payload := rewriteLegacyKeys(nil)
	assert.NotNil(t, payload)
}

func TestDispatchUnknownCommandReturnsNotFoundEnvelope(t *testing.T) {
	d, mock := newTestDispatcher(t)
	mock.ExpectExec("INSERT INTO command_log").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := d.Dispatch(context.Background(), "acme", "message.frobnicate", map[string]any{})
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "unknown command")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchTenantSyncStatusWrapsResultWithOK(t *testing.T) {
	d, mock := newTestDispatcher(t)
	mock.ExpectExec("INSERT INTO command_log").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := d.Dispatch(context.Background(), "acme", "tenant.syncStatus", map[string]any{})
	assert.Equal(t, true, resp["ok"])
	assert.Contains(t, resp, "sync_status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchMessageAddRejectsMissingFieldsInsteadOfErroring(t *testing.T) {
	d, mock := newTestDispatcher(t)
	mock.ExpectExec("INSERT INTO command_log").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := d.Dispatch(context.Background(), "acme", "message.add", map[string]any{})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, 0, resp["queued"])
	rejected, ok := resp["rejected"].([]any)
	require.True(t, ok)
	require.Len(t, rejected, 1)
	entry := rejected[0].(map[string]any)
	assert.Equal(t, "id and account_id are required", entry["reason"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunNowWithTenantResetsReporterCadence(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.reporter.RunNow("acme") // creates the "acme" entry; Dispatcher.RunNow must leave it at zero
	resp := d.RunNow("acme")
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, int64(0), d.reporter.SyncStatus()["acme"])
}

func TestRunNowWithoutTenantOnlyWakesLoops(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.RunNow("")
	assert.Equal(t, true, resp["ok"])
	assert.Empty(t, d.reporter.SyncStatus())
}
