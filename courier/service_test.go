package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodrelay/common/events"
)

type assignAttempt struct {
	courierID string
	result    bool
	err       error
}

type fakeCourierStore struct {
	mu         sync.Mutex
	candidates []Courier
	outcomes   map[string]assignAttempt
	attempts   []string
	failedWith string
}

func (s *fakeCourierStore) ListCandidates(ctx context.Context) ([]Courier, error) {
	return s.candidates, nil
}

func (s *fakeCourierStore) AtomicAssign(ctx context.Context, courierID string, ev events.OrderPreparing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, courierID)
	outcome, ok := s.outcomes[courierID]
	if !ok {
		return false, nil
	}
	return outcome.result, outcome.err
}

func (s *fakeCourierStore) PublishAssignmentFailed(ctx context.Context, ev events.OrderPreparing, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedWith = reason
	return nil
}

type fakeIdempotencyDB struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeIdempotencyDB() *fakeIdempotencyDB { return &fakeIdempotencyDB{claims: map[string]bool{}} }

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

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func lat(v float64) *float64 { return &v }

func TestAssignCourier_NoCouriersExist(t *testing.T) {
	store := &fakeCourierStore{}
	engine := NewEngine(store, newFakeIdempotencyDB(), testLogger(), nil)

	err := engine.AssignCourier(context.Background(), events.OrderPreparing{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "no couriers exist", store.failedWith)
}

func TestAssignCourier_NoCouriersWithLocation(t *testing.T) {
	store := &fakeCourierStore{candidates: []Courier{
		{ID: "c1", Status: StatusAvailable, IsActive: true},
	}}
	engine := NewEngine(store, newFakeIdempotencyDB(), testLogger(), nil)

	err := engine.AssignCourier(context.Background(), events.OrderPreparing{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "no couriers with location", store.failedWith)
}

func TestAssignCourier_RanksByDistanceAndAssignsClosest(t *testing.T) {
	store := &fakeCourierStore{
		candidates: []Courier{
			{ID: "far", Status: StatusAvailable, IsActive: true, Location: NewLocation(10, 10)},
			{ID: "near", Status: StatusAvailable, IsActive: true, Location: NewLocation(0.01, 0.01)},
		},
		outcomes: map[string]assignAttempt{
			"near": {result: true},
			"far":  {result: true},
		},
	}
	engine := NewEngine(store, newFakeIdempotencyDB(), testLogger(), nil)

	ev := events.OrderPreparing{
		OrderID:       "o1",
		PickupAddress: events.Address{Latitude: lat(0), Longitude: lat(0)},
	}
	require.NoError(t, engine.AssignCourier(context.Background(), ev))

	require.Len(t, store.attempts, 1)
	assert.Equal(t, "near", store.attempts[0])
}

func TestAssignCourier_SkipsLostCandidatesUntilOneWins(t *testing.T) {
	store := &fakeCourierStore{
		candidates: []Courier{
			{ID: "c1", Status: StatusAvailable, IsActive: true, Location: NewLocation(0, 0)},
			{ID: "c2", Status: StatusAvailable, IsActive: true, Location: NewLocation(0, 1)},
		},
		outcomes: map[string]assignAttempt{
			"c1": {result: false},
			"c2": {result: true},
		},
	}
	engine := NewEngine(store, newFakeIdempotencyDB(), testLogger(), nil)

	require.NoError(t, engine.AssignCourier(context.Background(), events.OrderPreparing{OrderID: "o1"}))
	assert.Equal(t, []string{"c1", "c2"}, store.attempts)
	assert.Empty(t, store.failedWith)
}

func TestAssignCourier_AllCandidatesClaimed_PublishesFailure(t *testing.T) {
	store := &fakeCourierStore{
		candidates: []Courier{
			{ID: "c1", Status: StatusAvailable, IsActive: true, Location: NewLocation(0, 0)},
		},
		outcomes: map[string]assignAttempt{"c1": {result: false}},
	}
	engine := NewEngine(store, newFakeIdempotencyDB(), testLogger(), nil)

	require.NoError(t, engine.AssignCourier(context.Background(), events.OrderPreparing{OrderID: "o1"}))
	assert.Equal(t, "all candidates were claimed", store.failedWith)
}

func TestAssignCourier_IsIdempotent(t *testing.T) {
	store := &fakeCourierStore{
		candidates: []Courier{{ID: "c1", Status: StatusAvailable, IsActive: true, Location: NewLocation(0, 0)}},
		outcomes:   map[string]assignAttempt{"c1": {result: true}},
	}
	db := newFakeIdempotencyDB()
	engine := NewEngine(store, db, testLogger(), nil)

	ev := events.OrderPreparing{OrderID: "o1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.AssignCourier(context.Background(), ev))
	}

	assert.Len(t, store.attempts, 1, "a claimed order must not be reassigned on redelivery")
}
