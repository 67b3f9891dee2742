package main

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

func newMockNotificationStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func qm(query string) string { return regexp.QuoteMeta(query) }

func TestCreatePending_InsertsAndCommits(t *testing.T) {
	store, mock := newMockNotificationStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(qm("INSERT INTO notifications")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n := Notification{ID: "n1", RecipientID: "u1", RecipientType: events.RecipientCustomer, OrderID: "o1", EventType: "order.delivered"}
	err := store.CreatePending(context.Background(), idempotency.Key("NOTIFY:order.delivered:CUSTOMER", "u1:o1"), n)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePending_DuplicateClaimIsIdempotent(t *testing.T) {
	store, mock := newMockNotificationStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	n := Notification{ID: "n1", RecipientID: "u1", RecipientType: events.RecipientCustomer, OrderID: "o1", EventType: "order.delivered"}
	err := store.CreatePending(context.Background(), idempotency.Key("NOTIFY:order.delivered:CUSTOMER", "u1:o1"), n)
	assert.ErrorIs(t, err, idempotency.ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
