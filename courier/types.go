package main

import (
	"context"

	"github.com/foodrelay/common/events"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOffline   Status = "OFFLINE"
	StatusOnBreak   Status = "ON_BREAK"
)

// Courier is a fleet member. AVAILABLE -> BUSY is the only transition the
// assignment engine itself performs; release back to AVAILABLE happens
// outside this core (spec explicitly leaves it to an external process).
type Courier struct {
	ID       string
	Status   Status
	IsActive bool
	Location Location
	Version  int
}

type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }

// CourierStore is the persistence boundary the assignment engine uses.
type CourierStore interface {
	// ListCandidates returns every courier eligible to be considered:
	// status AVAILABLE and isActive true. Filtering/ranking by location
	// happens in the engine, not here.
	ListCandidates(ctx context.Context) ([]Courier, error)

	// AtomicAssign attempts to win courierID for orderId under a pessimistic
	// write lock. Returns (true, nil) on success, (false, nil) if the
	// candidate was already taken (not found, not AVAILABLE, or a version
	// conflict), and (false, err) only for genuine infrastructure errors.
	AtomicAssign(ctx context.Context, courierID string, ev events.OrderPreparing) (bool, error)

	// PublishAssignmentFailed runs in its own transaction, independent of
	// any AtomicAssign attempt, so the compensating reply always commits.
	PublishAssignmentFailed(ctx context.Context, ev events.OrderPreparing, reason string) error
}
