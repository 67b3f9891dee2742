package main

import (
	"context"
	"errors"
	"time"

	"github.com/foodrelay/common/events"
)

// ErrNotFound is returned by store lookups that find no matching row.
var ErrNotFound = errors.New("notification: not found")

// Notification is a single row in the fan-out table: one event surfaced to
// one recipient, with its delivery state.
type Notification struct {
	ID            string
	RecipientID   string
	RecipientType events.RecipientType
	OrderID       string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// Delivered reports whether n was ever successfully pushed.
func (n Notification) Delivered() bool { return n.DeliveredAt != nil }

// NotificationStore persists the fan-out rows and tracks delivery.
type NotificationStore interface {
	// CreatePending inserts n idempotently, keyed on eventKey. It returns
	// ErrAlreadyProcessed-wrapping behavior via the idempotency package —
	// callers should treat a duplicate as a no-op, not an error.
	CreatePending(ctx context.Context, eventKey string, n Notification) error
	MarkDelivered(ctx context.Context, id string) error
	// ListUndelivered returns every row still awaiting push for a
	// recipient, oldest first, for replay when they next connect.
	ListUndelivered(ctx context.Context, recipientID string) ([]Notification, error)
}
