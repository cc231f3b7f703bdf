package authn

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/storage"
)

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = Authenticate(context.Background(), storage.New(db), "global-secret", "", "acme")
	assert.ErrorIs(t, err, mailproxyerr.ErrUnauthorized)
}

func TestAuthenticateAcceptsGlobalTokenForAnyTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "name", "active", "client_base_url", "client_sync_path",
		"client_attachment_path", "client_auth", "rate_limits",
		"large_file_config", "suspended_batches", "api_key_hash",
		"api_key_expires_at", "created_at", "updated_at",
	}).AddRow("acme", "Acme", true, "", "/sync", "/attach", nil, nil, nil, nil, "", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.|\n)*FROM tenants WHERE id = \\$1").WithArgs("acme").WillReturnRows(rows)

	tenant, err := Authenticate(context.Background(), storage.New(db), "global-secret", "global-secret", "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateGlobalTokenWithoutTenantReturnsNilTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant, err := Authenticate(context.Background(), storage.New(db), "global-secret", "global-secret", "")
	require.NoError(t, err)
	assert.Nil(t, tenant)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.|\n)*FROM tenants WHERE api_key_hash = \\$1").WillReturnError(sql.ErrNoRows)

	_, err = Authenticate(context.Background(), storage.New(db), "global-secret", "bogus-token", "acme")
	assert.ErrorIs(t, err, mailproxyerr.ErrUnauthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConstantTimeEqualComparesValue(t *testing.T) {
	assert.True(t, constantTimeEqual("abc", "abc"))
	assert.False(t, constantTimeEqual("abc", "abd"))
	assert.False(t, constantTimeEqual("abc", "ab"))
}

func TestHashTokenIsDeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, hashToken("secret-a"), hashToken("secret-a"))
	assert.NotEqual(t, hashToken("secret-a"), hashToken("secret-b"))
}
