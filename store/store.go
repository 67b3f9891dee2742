package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
	"github.com/foodrelay/common/outbox"
)

// Schema is the Store service's full DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS stores (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	address JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id           TEXT PRIMARY KEY,
	store_id     TEXT NOT NULL,
	name         TEXT NOT NULL,
	price        NUMERIC(12,2) NOT NULL,
	stock        INTEGER NOT NULL CHECK (stock >= 0),
	is_available BOOLEAN NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_products_store ON products (store_id);
` + outbox.Schema + idempotency.Schema

// Store is the Postgres-backed ProductStore implementation.
type Store struct {
	db *sql.DB
}

func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, price, stock, is_available, version FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.StoreID, &p.Name, &p.Price, &p.Stock, &p.IsAvailable, &p.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "product"}
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *Store) getStoreProfile(ctx context.Context, q queryRower, storeID string) (*StoreProfile, error) {
	var profile StoreProfile
	var address []byte
	err := q.QueryRowContext(ctx, `SELECT id, name, address FROM stores WHERE id = $1`, storeID).
		Scan(&profile.ID, &profile.Name, &address)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "store"}
	}
	if err != nil {
		return nil, fmt.Errorf("get store profile: %w", err)
	}
	if err := json.Unmarshal(address, &profile.Address); err != nil {
		return nil, fmt.Errorf("unmarshal store address: %w", err)
	}
	return &profile, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateProduct persists a new product and publishes product.created. The
// admin surface that calls this is out of scope; this is the persistence
// + event-emission half the rest of the system depends on.
func (s *Store) CreateProduct(ctx context.Context, p Product) error {
	return s.withProductEvent(ctx, p, "product.created", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, store_id, name, price, stock, is_available, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
		`, p.ID, p.StoreID, p.Name, p.Price, p.Stock, p.IsAvailable)
		return err
	})
}

func (s *Store) UpdateProduct(ctx context.Context, p Product) error {
	return s.withProductEvent(ctx, p, "product.updated", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE products SET name = $1, price = $2, stock = $3, is_available = $4, version = version + 1, updated_at = now()
			WHERE id = $5
		`, p.Name, p.Price, p.Stock, p.IsAvailable, p.ID)
		return err
	})
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	return s.withProductEvent(ctx, *p, "product.deleted", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
		return err
	})
}

func (s *Store) withProductEvent(ctx context.Context, p Product, eventType string, mutate func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := mutate(ctx, tx); err != nil {
		return fmt.Errorf("mutate product %s: %w", p.ID, err)
	}

	payload, err := json.Marshal(events.ProductChanged{
		Type: eventType, ProductID: p.ID, StoreID: p.StoreID, Name: p.Name,
		Price: p.Price, Stock: p.Stock, IsAvailable: p.IsAvailable,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "PRODUCT", AggregateID: p.ID, Type: eventType, Payload: payload,
	}); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}

	return tx.Commit()
}

// reservationFailure is a sentinel carrying the reason ReserveStock's main
// transaction aborts for, so the caller can publish the compensating event
// in a second transaction.
type reservationFailure struct{ reason string }

func (e reservationFailure) Error() string { return e.reason }

// ReserveStock implements the batch reservation contract: all-items-or-none,
// with locks acquired in deterministic productId order to avoid deadlock
// between concurrent reservations touching overlapping product sets.
//
// On success, the reservation, the idempotency claim, and the
// order.stock_reserved outbox row commit together. On failure, the whole
// attempt (including the claim) rolls back and the failure reply is
// published in a brand new transaction — the two transaction boundaries
// the saga participant needs: one that may abort, one that must commit
// regardless.
func (s *Store) ReserveStock(ctx context.Context, ev events.StockReservationRequested) error {
	err := s.reserveStockTx(ctx, ev)
	if err == nil || errors.Is(err, idempotency.ErrAlreadyProcessed) {
		return nil
	}

	var failure reservationFailure
	if errors.As(err, &failure) {
		return s.publishReservationFailed(ctx, ev, failure.reason)
	}
	return err
}

func (s *Store) reserveStockTx(ctx context.Context, ev events.StockReservationRequested) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := idempotency.Claim(ctx, tx, idempotency.Key("RESERVE_STOCK", ev.OrderID)); err != nil {
		return err
	}

	sorted := append([]events.ItemQuantity(nil), ev.Items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, item := range sorted {
		var storeID string
		var isAvailable bool
		var stock int32
		err := tx.QueryRowContext(ctx, `
			SELECT store_id, is_available, stock FROM products WHERE id = $1 FOR UPDATE
		`, item.ProductID).Scan(&storeID, &isAvailable, &stock)
		if err == sql.ErrNoRows {
			return reservationFailure{reason: fmt.Sprintf("product %s does not exist", item.ProductID)}
		}
		if err != nil {
			return fmt.Errorf("lock product %s: %w", item.ProductID, err)
		}
		if storeID != ev.StoreID {
			return reservationFailure{reason: fmt.Sprintf("product %s does not belong to store %s", item.ProductID, ev.StoreID)}
		}
		if !isAvailable {
			return reservationFailure{reason: fmt.Sprintf("product %s is unavailable", item.ProductID)}
		}
		if stock < item.Quantity {
			return reservationFailure{reason: fmt.Sprintf("insufficient stock for product %s: have %d, need %d", item.ProductID, stock, item.Quantity)}
		}
	}

	for _, item := range sorted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1, version = version + 1, updated_at = now() WHERE id = $2
		`, item.Quantity, item.ProductID); err != nil {
			return fmt.Errorf("decrement product %s: %w", item.ProductID, err)
		}
	}

	profile, err := s.getStoreProfile(ctx, tx, ev.StoreID)
	if err != nil {
		return reservationFailure{reason: fmt.Sprintf("store %s has no profile", ev.StoreID)}
	}

	payload, err := json.Marshal(events.StockReserved{
		OrderID: ev.OrderID, StoreID: ev.StoreID, UserID: ev.UserID,
		PickupAddress: profile.Address, ShippingAddress: ev.ShippingAddress,
	})
	if err != nil {
		return fmt.Errorf("marshal stock_reserved: %w", err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "PRODUCT", AggregateID: ev.OrderID, Type: "order.stock_reserved", Payload: payload,
	}); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}

	return tx.Commit()
}

// publishReservationFailed runs in a new transaction so the compensating
// reply is still delivered even though reserveStockTx's transaction
// aborted.
func (s *Store) publishReservationFailed(ctx context.Context, ev events.StockReservationRequested, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failure-reply tx: %w", err)
	}
	defer tx.Rollback()

	payload, err := json.Marshal(events.StockReservationFailed{OrderID: ev.OrderID, UserID: ev.UserID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal stock_reservation_failed: %w", err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "ORDER", AggregateID: ev.OrderID, Type: "order.stock_reservation_failed", Payload: payload,
	}); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}

	return tx.Commit()
}

// RestoreStock reacts to order.cancelled. Stock is restored if and only if
// oldStatus is one the order could have reached only after a successful
// reservation — restoring for PENDING or RESERVING_STOCK would create
// ghost inventory, since no stock was ever deducted for those.
func (s *Store) RestoreStock(ctx context.Context, ev events.OrderCancelled) error {
	if ev.OldStatus != "PREPARING" && ev.OldStatus != "ON_THE_WAY" {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := idempotency.Claim(ctx, tx, idempotency.Key("RESTORE_STOCK", ev.OrderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}

	sorted := append([]events.ItemQuantity(nil), ev.Items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, item := range sorted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1, version = version + 1, updated_at = now() WHERE id = $2
		`, item.Quantity, item.ProductID); err != nil {
			return fmt.Errorf("restore product %s: %w", item.ProductID, err)
		}
	}

	return tx.Commit()
}
