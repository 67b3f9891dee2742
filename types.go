package main

import (
	"context"
	"time"

	"github.com/foodrelay/common/events"
)

// Status is one of the six states in the order lifecycle state machine.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusReservingStock Status = "RESERVING_STOCK"
	StatusPreparing      Status = "PREPARING"
	StatusOnTheWay       Status = "ON_THE_WAY"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
)

// OrderItem is a priced line item, snapshotted from the product catalog at
// order creation time so later price changes don't retroactively change
// historical orders.
type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int32
	UnitPrice   float64
}

// Order is the aggregate root. CourierID and PickupAddress stay nil until
// the saga fills them in.
type Order struct {
	ID              string
	CustomerID      string
	StoreID         string
	CourierID       *string
	TotalPrice      float64
	Status          Status
	ShippingAddress events.Address
	PickupAddress   *events.Address
	Items           []OrderItem
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProductSnapshot is Order's eventually-consistent read-model projection of
// a Store product, maintained by subscribing to product.* events. It is
// used only to price and validate orders at creation time.
type ProductSnapshot struct {
	ProductID   string
	StoreID     string
	Name        string
	Price       float64
	Stock       int32
	IsAvailable bool
}

// ErrNotFound is returned by store reads that find no matching row.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }

// ErrInvalidState is returned when a state-machine precondition isn't met.
type ErrInvalidState struct{ Detail string }

func (e ErrInvalidState) Error() string { return "invalid state: " + e.Detail }

// ErrForbidden is returned when the caller isn't authorized for the
// requested mutation.
type ErrForbidden struct{ Detail string }

func (e ErrForbidden) Error() string { return "forbidden: " + e.Detail }

// ErrConcurrentModification is returned when an optimistic-version check
// fails on an update.
type ErrConcurrentModification struct{ Detail string }

func (e ErrConcurrentModification) Error() string { return "concurrent modification: " + e.Detail }

// OrderStore is the persistence boundary the service layer uses. Mutating
// methods that need to share a transaction with an outbox append take the
// transaction explicitly rather than hiding it behind a unit-of-work type.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// WithOrderTx runs fn against the order row locked FOR UPDATE inside a
	// transaction it manages, committing on success and rolling back on
	// error (including a non-nil error returned by fn itself).
	WithOrderTx(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, order *Order) error) error

	GetProductSnapshot(ctx context.Context, storeID, productID string) (*ProductSnapshot, error)
	UpsertProductSnapshot(ctx context.Context, snap ProductSnapshot) error
	DeleteProductSnapshot(ctx context.Context, storeID, productID string) error
}

// Tx is the narrow transaction handle service code needs: enough to update
// the order row and append an outbox event atomically.
type Tx interface {
	UpdateOrder(ctx context.Context, order *Order) error
	AppendOutbox(ctx context.Context, aggregateID, eventType string, payload []byte) error
}
