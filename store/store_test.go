package main

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func qm(query string) string {
	return regexp.QuoteMeta(query)
}

func TestReserveStock_LocksInDeterministicProductOrderAndCommits(t *testing.T) {
	store, mock := newMockStore(t)

	ev := events.StockReservationRequested{
		OrderID: "order-1",
		StoreID: "store-1",
		UserID:  "user-1",
		Items: []events.ItemQuantity{
			{ProductID: "p-zebra", Quantity: 1},
			{ProductID: "p-apple", Quantity: 2},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).
		WithArgs(idempotency.Key("RESERVE_STOCK", ev.OrderID)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// p-apple must be locked before p-zebra despite arriving second in Items.
	appleRows := sqlmock.NewRows([]string{"store_id", "is_available", "stock"}).AddRow("store-1", true, int32(5))
	mock.ExpectQuery(qm("SELECT store_id, is_available, stock FROM products WHERE id = $1 FOR UPDATE")).
		WithArgs("p-apple").WillReturnRows(appleRows)
	zebraRows := sqlmock.NewRows([]string{"store_id", "is_available", "stock"}).AddRow("store-1", true, int32(5))
	mock.ExpectQuery(qm("SELECT store_id, is_available, stock FROM products WHERE id = $1 FOR UPDATE")).
		WithArgs("p-zebra").WillReturnRows(zebraRows)

	mock.ExpectExec(qm("UPDATE products SET stock = stock -")).
		WithArgs(int32(2), "p-apple").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qm("UPDATE products SET stock = stock -")).
		WithArgs(int32(1), "p-zebra").WillReturnResult(sqlmock.NewResult(0, 1))

	addr, _ := json.Marshal(events.Address{Line1: "1 Main St", City: "Springfield"})
	storeRows := sqlmock.NewRows([]string{"id", "name", "address"}).AddRow("store-1", "Pizza Place", addr)
	mock.ExpectQuery(qm("SELECT id, name, address FROM stores WHERE id = $1")).
		WithArgs("store-1").WillReturnRows(storeRows)

	mock.ExpectExec(qm("INSERT INTO outbox")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.ReserveStock(context.Background(), ev)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStock_InsufficientStock_RollsBackAndPublishesFailure(t *testing.T) {
	store, mock := newMockStore(t)

	ev := events.StockReservationRequested{
		OrderID: "order-2",
		StoreID: "store-1",
		UserID:  "user-1",
		Items:   []events.ItemQuantity{{ProductID: "p-1", Quantity: 10}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	rows := sqlmock.NewRows([]string{"store_id", "is_available", "stock"}).AddRow("store-1", true, int32(2))
	mock.ExpectQuery(qm("SELECT store_id, is_available, stock FROM products WHERE id = $1 FOR UPDATE")).
		WithArgs("p-1").WillReturnRows(rows)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO outbox")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.ReserveStock(context.Background(), ev)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStock_DuplicateDelivery_IsIdempotentAndDoesNotPublishFailure(t *testing.T) {
	store, mock := newMockStore(t)

	ev := events.StockReservationRequested{OrderID: "order-3", StoreID: "store-1"}

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.ReserveStock(context.Background(), ev)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreStock_SkipsWhenOldStatusNeverReservedStock(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.RestoreStock(context.Background(), events.OrderCancelled{
		OrderID: "order-4", OldStatus: "PENDING",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreStock_RestoresThenIsIdempotentOnRedelivery(t *testing.T) {
	store, mock := newMockStore(t)

	ev := events.OrderCancelled{
		OrderID:   "order-5",
		OldStatus: "ON_THE_WAY",
		Items:     []events.ItemQuantity{{ProductID: "p-1", Quantity: 3}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(qm("UPDATE products SET stock = stock +")).
		WithArgs(int32(3), "p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, store.RestoreStock(context.Background(), ev))

	mock.ExpectBegin()
	mock.ExpectExec(qm("INSERT INTO idempotent_events")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	require.NoError(t, store.RestoreStock(context.Background(), ev))

	assert.NoError(t, mock.ExpectationsWereMet())
}

