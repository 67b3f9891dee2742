package main

import (
	"context"

	"github.com/foodrelay/common/events"
)

// Product is Store's authoritative inventory record. Stock mutations occur
// only inside a transaction holding a row-level write lock on this row.
type Product struct {
	ID          string
	StoreID     string
	Name        string
	Price       float64
	Stock       int32
	IsAvailable bool
	Version     int
}

// StoreProfile carries the address Store echoes back as pickupAddress once
// a reservation succeeds.
type StoreProfile struct {
	ID      string
	Name    string
	Address events.Address
}

// ErrNotFound is returned by reads that find no matching row.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }

// ProductStore is the persistence boundary the reservation engine and
// product-catalog maintenance methods use.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	CreateProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error
	DeleteProduct(ctx context.Context, id string) error

	ReserveStock(ctx context.Context, ev events.StockReservationRequested) error
	RestoreStock(ctx context.Context, ev events.OrderCancelled) error
}
