package storage

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestInsertBatchInsertsNewMessage(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pk FROM accounts`).
		WithArgs("acme", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("acct-pk-1"))
	mock.ExpectQuery(`SELECT pk, smtp_ts FROM messages`).
		WithArgs("acme", "msg-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	written, rejected, err := store.InsertBatch(context.Background(), "acme", []domain.Message{
		{ID: "msg-1", AccountID: "acct-1"},
	})
	require.NoError(t, err)
	assert.Len(t, written, 1)
	assert.Empty(t, rejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchRejectsAlreadyTerminalMessage(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pk FROM accounts`).
		WithArgs("acme", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("acct-pk-1"))
	mock.ExpectQuery(`SELECT pk, smtp_ts FROM messages`).
		WithArgs("acme", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "smtp_ts"}).AddRow("msg-pk-1", 12345))
	mock.ExpectCommit()

	written, rejected, err := store.InsertBatch(context.Background(), "acme", []domain.Message{
		{ID: "msg-1", AccountID: "acct-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, written)
	require.Len(t, rejected, 1)
	assert.Equal(t, "msg-1", rejected[0].ID)
	assert.Equal(t, "already sent", rejected[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchEmptyInputIsNoop(t *testing.T) {
	store, _ := newTestStore(t)

	written, rejected, err := store.InsertBatch(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.Nil(t, written)
	assert.Nil(t, rejected)
}
