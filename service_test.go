package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory OrderStore used to exercise the state machine
// without a database.
type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	snapshots map[string]ProductSnapshot
	outbox    []fakeOutboxRow // rows of committed transactions, in order
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*Order{}, snapshots: map[string]ProductSnapshot{}}
}

func (f *fakeStore) CreateOrder(ctx context.Context, o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ErrNotFound{What: "order"}
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) WithOrderTx(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, order *Order) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[id]
	if !ok {
		return ErrNotFound{What: "order"}
	}
	cp := *o
	tx := &fakeTx{order: &cp}
	if err := fn(ctx, tx, &cp); err != nil {
		return err
	}
	f.orders[id] = &cp
	f.outbox = append(f.outbox, tx.outbox...)
	return nil
}

func (f *fakeStore) GetProductSnapshot(ctx context.Context, storeID, productID string) (*ProductSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[productID]
	if !ok {
		return nil, ErrNotFound{What: "product"}
	}
	return &snap, nil
}

func (f *fakeStore) UpsertProductSnapshot(ctx context.Context, snap ProductSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.ProductID] = snap
	return nil
}

func (f *fakeStore) DeleteProductSnapshot(ctx context.Context, storeID, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, productID)
	return nil
}

type fakeTx struct {
	order  *Order
	outbox []fakeOutboxRow
}

type fakeOutboxRow struct {
	aggregateID, eventType string
	payload                []byte
}

func (t *fakeTx) UpdateOrder(ctx context.Context, o *Order) error {
	o.Version++
	*t.order = *o
	return nil
}

func (t *fakeTx) AppendOutbox(ctx context.Context, aggregateID, eventType string, payload []byte) error {
	t.outbox = append(t.outbox, fakeOutboxRow{aggregateID, eventType, payload})
	return nil
}

// fakeIdempotencyDB claims every key exactly once, mirroring the unique
// constraint a real database would enforce.
type fakeIdempotencyDB struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeIdempotencyDB() *fakeIdempotencyDB {
	return &fakeIdempotencyDB{claims: map[string]bool{}}
}

func (f *fakeIdempotencyDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := args[0].(string)
	if f.claims[key] {
		return nil, &pq.Error{Code: "23505"}
	}
	f.claims[key] = true
	return driverResult{}, nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }

func newTestService(store OrderStore, db idempotencyDB) *Service {
	return NewService(store, db, testLogger(), nil)
}

func seedOrder(store *fakeStore, o Order) {
	store.mu.Lock()
	defer store.mu.Unlock()
	cp := o
	store.orders[o.ID] = &cp
}

func TestCreateOrder_PricesFromSnapshot(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.UpsertProductSnapshot(context.Background(), ProductSnapshot{
		ProductID: "p1", StoreID: "store-1", Name: "Burger", Price: 10, Stock: 5, IsAvailable: true,
	}))
	svc := newTestService(store, newFakeIdempotencyDB())

	order, err := svc.CreateOrder(context.Background(), "cust-1", "store-1",
		[]events.ItemQuantity{{ProductID: "p1", Quantity: 2}},
		events.Address{Line1: "1 Main St"},
	)

	require.NoError(t, err)
	assert.Equal(t, float64(20), order.TotalPrice)
	assert.Equal(t, StatusPending, order.Status)
}

func TestCreateOrder_RejectsUnavailableProduct(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.UpsertProductSnapshot(context.Background(), ProductSnapshot{
		ProductID: "p1", StoreID: "store-1", Name: "Burger", Price: 10, Stock: 5, IsAvailable: false,
	}))
	svc := newTestService(store, newFakeIdempotencyDB())

	_, err := svc.CreateOrder(context.Background(), "cust-1", "store-1",
		[]events.ItemQuantity{{ProductID: "p1", Quantity: 1}}, events.Address{})

	var invalid ErrInvalidState
	assert.ErrorAs(t, err, &invalid)
}

func TestAcceptOrder_RequiresStoreOwnership(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{ID: "o1", StoreID: "store-1", Status: StatusPending})
	svc := newTestService(store, newFakeIdempotencyDB())

	err := svc.AcceptOrder(context.Background(), "o1", "someone-else")

	var forbidden ErrForbidden
	assert.ErrorAs(t, err, &forbidden)
}

func TestAcceptOrder_TransitionsAndEmitsReservationRequest(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{
		ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPending,
		Items: []OrderItem{{ProductID: "p1", Quantity: 2}},
	})
	svc := newTestService(store, newFakeIdempotencyDB())

	err := svc.AcceptOrder(context.Background(), "o1", "store-1")
	require.NoError(t, err)

	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusReservingStock, o.Status)
}

func TestCancelOrder_PerStateAuthorization(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		caller    string
		wantError bool
	}{
		{"pending cancel by customer ok", StatusPending, "cust-1", false},
		{"pending cancel by store forbidden", StatusPending, "store-1", true},
		{"preparing cancel by store ok", StatusPreparing, "store-1", false},
		{"preparing cancel by customer forbidden", StatusPreparing, "cust-1", true},
		{"reserving stock cancel rejected", StatusReservingStock, "cust-1", true},
		{"on the way cancel rejected", StatusOnTheWay, "cust-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			seedOrder(store, Order{ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: tt.status})
			svc := newTestService(store, newFakeIdempotencyDB())

			err := svc.CancelOrder(context.Background(), "o1", tt.caller)

			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			o, err := store.GetOrder(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, o.Status)
		})
	}
}

func TestCancelOrder_RestoresStockOnlyFromPreparingOrOnTheWay(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{
		ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPreparing,
		Items: []OrderItem{{ProductID: "p1", Quantity: 3}},
	})
	seedOrder(store, Order{
		ID: "o2", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPending,
		Items: []OrderItem{{ProductID: "p1", Quantity: 2}},
	})
	svc := newTestService(store, newFakeIdempotencyDB())

	require.NoError(t, svc.CancelOrder(context.Background(), "o1", "store-1"))
	require.NoError(t, svc.CancelOrder(context.Background(), "o2", "cust-1"))

	store.mu.Lock()
	o := store.orders["o1"]
	rows := store.outbox
	store.mu.Unlock()
	assert.Equal(t, StatusCancelled, o.Status)

	require.Len(t, rows, 2)
	var fromPreparing, fromPending events.OrderCancelled
	require.NoError(t, json.Unmarshal(rows[0].payload, &fromPreparing))
	require.NoError(t, json.Unmarshal(rows[1].payload, &fromPending))
	assert.Equal(t, "PREPARING", fromPreparing.OldStatus)
	assert.Equal(t, []events.ItemQuantity{{ProductID: "p1", Quantity: 3}}, fromPreparing.Items)
	assert.Equal(t, "PENDING", fromPending.OldStatus)
	assert.Empty(t, fromPending.Items, "no stock was deducted for a PENDING order, so none is restored")
}

func TestPickupAndDeliver_RequireAssignedCourier(t *testing.T) {
	store := newFakeStore()
	courier := "courier-1"
	seedOrder(store, Order{ID: "o1", StoreID: "store-1", CustomerID: "cust-1", CourierID: &courier, Status: StatusPreparing})
	svc := newTestService(store, newFakeIdempotencyDB())

	err := svc.PickupOrder(context.Background(), "o1", "wrong-courier")
	var forbidden ErrForbidden
	assert.ErrorAs(t, err, &forbidden)

	require.NoError(t, svc.PickupOrder(context.Background(), "o1", courier))
	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnTheWay, o.Status)

	require.NoError(t, svc.DeliverOrder(context.Background(), "o1", courier))
	o, err = store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)
}

func TestHandleStockReserved_DropsWhenNotReservingStock(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPending})
	svc := newTestService(store, newFakeIdempotencyDB())

	err := svc.HandleStockReserved(context.Background(), events.StockReserved{OrderID: "o1"})
	require.NoError(t, err)

	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status, "late/duplicate reply must not move the state machine")
}

func TestHandleStockReserved_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusReservingStock})
	idemDB := newFakeIdempotencyDB()
	svc := newTestService(store, idemDB)

	ev := events.StockReserved{OrderID: "o1", PickupAddress: events.Address{Line1: "Store HQ"}}

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.HandleStockReserved(context.Background(), ev))
	}

	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, o.Status)
	assert.Equal(t, 1, o.Version, "five deliveries of the same message must cause exactly one mutation")
}

func TestHandleCourierAssigned_DropsDuplicateAndConflicting(t *testing.T) {
	store := newFakeStore()
	pickup := events.Address{Line1: "Store HQ"}
	seedOrder(store, Order{
		ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPreparing, PickupAddress: &pickup,
	})
	svc := newTestService(store, newFakeIdempotencyDB())

	require.NoError(t, svc.HandleCourierAssigned(context.Background(), events.CourierAssigned{OrderID: "o1", CourierID: "c1"}))
	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.NotNil(t, o.CourierID)
	assert.Equal(t, "c1", *o.CourierID)

	// A conflicting assignment for a different courier must not overwrite the winner.
	idemDB := newFakeIdempotencyDB()
	svc2 := newTestService(store, idemDB)
	require.NoError(t, svc2.HandleCourierAssigned(context.Background(), events.CourierAssigned{OrderID: "o1", CourierID: "c2"}))
	o, err = store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "c1", *o.CourierID)
}

func TestHandleCourierAssignmentFailed_CancelsWithItems(t *testing.T) {
	store := newFakeStore()
	seedOrder(store, Order{
		ID: "o1", StoreID: "store-1", CustomerID: "cust-1", Status: StatusPreparing,
		Items: []OrderItem{{ProductID: "p1", Quantity: 1}},
	})
	svc := newTestService(store, newFakeIdempotencyDB())

	err := svc.HandleCourierAssignmentFailed(context.Background(), events.CourierAssignmentFailed{
		OrderID: "o1", Reason: "no couriers available",
	})
	require.NoError(t, err)

	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	require.Len(t, store.outbox, 1)
	var cancelled events.OrderCancelled
	require.NoError(t, json.Unmarshal(store.outbox[0].payload, &cancelled))
	assert.Equal(t, "PREPARING", cancelled.OldStatus)
	assert.Equal(t, []events.ItemQuantity{{ProductID: "p1", Quantity: 1}}, cancelled.Items)
}

func TestHandleProductChanged_UpsertsAndDeletes(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakeIdempotencyDB())

	require.NoError(t, svc.HandleProductChanged(context.Background(), events.ProductChanged{
		Type: "product.created", ProductID: "p1", StoreID: "store-1", Name: "Fries", Price: 3, Stock: 10, IsAvailable: true,
	}))
	snap, err := store.GetProductSnapshot(context.Background(), "store-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Fries", snap.Name)

	require.NoError(t, svc.HandleProductChanged(context.Background(), events.ProductChanged{
		Type: "product.deleted", ProductID: "p1", StoreID: "store-1",
	}))
	_, err = store.GetProductSnapshot(context.Background(), "store-1", "p1")
	assert.Error(t, err)
}
