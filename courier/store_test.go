package main

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
)

func newMockCourierStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func qm(query string) string { return regexp.QuoteMeta(query) }

func TestAtomicAssign_WinsWhenStillAvailable(t *testing.T) {
	store, mock := newMockCourierStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "version"}).AddRow(StatusAvailable, 2)
	mock.ExpectQuery(qm("SELECT status, version FROM couriers WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").WillReturnRows(rows)
	mock.ExpectExec(qm("UPDATE couriers SET status = $1, version = version + 1")).
		WithArgs(StatusBusy, "c1", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qm("INSERT INTO outbox")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	won, err := store.AtomicAssign(context.Background(), "c1", events.OrderPreparing{OrderID: "o1"})
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicAssign_LosesWhenAlreadyBusy(t *testing.T) {
	store, mock := newMockCourierStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "version"}).AddRow(StatusBusy, 2)
	mock.ExpectQuery(qm("SELECT status, version FROM couriers WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").WillReturnRows(rows)
	mock.ExpectRollback()

	won, err := store.AtomicAssign(context.Background(), "c1", events.OrderPreparing{OrderID: "o1"})
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicAssign_LosesOnVersionConflict(t *testing.T) {
	store, mock := newMockCourierStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "version"}).AddRow(StatusAvailable, 2)
	mock.ExpectQuery(qm("SELECT status, version FROM couriers WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").WillReturnRows(rows)
	mock.ExpectExec(qm("UPDATE couriers SET status = $1, version = version + 1")).
		WithArgs(StatusBusy, "c1", 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	won, err := store.AtomicAssign(context.Background(), "c1", events.OrderPreparing{OrderID: "o1"})
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}
