package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

type fakeNotificationStore struct {
	mu          sync.Mutex
	claimed     map[string]bool
	created     []Notification
	deliveredID []string
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{claimed: map[string]bool{}}
}

func (s *fakeNotificationStore) CreatePending(ctx context.Context, eventKey string, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[eventKey] {
		return idempotency.ErrAlreadyProcessed
	}
	s.claimed[eventKey] = true
	s.created = append(s.created, n)
	return nil
}

func (s *fakeNotificationStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveredID = append(s.deliveredID, id)
	return nil
}

func (s *fakeNotificationStore) ListUndelivered(ctx context.Context, recipientID string) ([]Notification, error) {
	return nil, nil
}

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleEvent_PersistsOneRowPerRecipient(t *testing.T) {
	store := newFakeNotificationStore()
	hub := testHub()
	svc := NewService(store, hub, testLog(), nil)

	ev := events.OrderCreated{OrderID: "o1", StoreID: "s1", UserID: "u1"}
	require.NoError(t, svc.HandleEvent(context.Background(), ev, ev.OrderID))

	require.Len(t, store.created, 2, "OrderCreated notifies both the customer and the store")
}

func TestHandleEvent_PushesImmediatelyWhenRecipientConnected(t *testing.T) {
	store := newFakeNotificationStore()
	hub := testHub()
	conn := &Connection{recipientID: "u1", send: make(chan []byte, sendBuffer)}
	hub.register(conn)
	svc := NewService(store, hub, testLog(), nil)

	ev := events.OrderDelivered{OrderID: "o1", UserID: "u1", CourierID: "c1"}
	require.NoError(t, svc.HandleEvent(context.Background(), ev, ev.OrderID))

	require.Len(t, store.created, 1)
	assert.Len(t, store.deliveredID, 1, "connected recipient should be marked delivered on the spot")
}

func TestHandleEvent_LeavesRowUndeliveredWhenRecipientOffline(t *testing.T) {
	store := newFakeNotificationStore()
	hub := testHub()
	svc := NewService(store, hub, testLog(), nil)

	ev := events.OrderDelivered{OrderID: "o1", UserID: "u1", CourierID: "c1"}
	require.NoError(t, svc.HandleEvent(context.Background(), ev, ev.OrderID))

	require.Len(t, store.created, 1)
	assert.Empty(t, store.deliveredID)
}

func TestHandleEvent_IsIdempotentPerRecipient(t *testing.T) {
	store := newFakeNotificationStore()
	hub := testHub()
	svc := NewService(store, hub, testLog(), nil)

	ev := events.OrderDelivered{OrderID: "o1", UserID: "u1", CourierID: "c1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleEvent(context.Background(), ev, ev.OrderID))
	}

	assert.Len(t, store.created, 1, "a redelivered event must not create duplicate rows")
}

func TestHandleEvent_SkipsRecipientsWithNoID(t *testing.T) {
	store := newFakeNotificationStore()
	hub := testHub()
	svc := NewService(store, hub, testLog(), nil)

	// CourierAssignmentFailed with no StoreID set still has a UserID, so
	// only the store recipient is skipped.
	ev := events.CourierAssignmentFailed{OrderID: "o1", UserID: "u1", Reason: "no couriers exist"}
	require.NoError(t, svc.HandleEvent(context.Background(), ev, ev.OrderID))

	require.Len(t, store.created, 1)
	assert.Equal(t, events.RecipientCustomer, store.created[0].RecipientType)
}
