package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
	"github.com/foodrelay/common/outbox"
)

// Schema is the full DDL for the order service's database, combining its
// own domain tables with the outbox and idempotency tables every stateful
// service carries.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               UUID PRIMARY KEY,
	customer_id      TEXT NOT NULL,
	store_id         TEXT NOT NULL,
	courier_id       TEXT,
	total_price      NUMERIC(12,2) NOT NULL,
	status           TEXT NOT NULL,
	shipping_address JSONB NOT NULL,
	pickup_address   JSONB,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);

CREATE TABLE IF NOT EXISTS order_items (
	order_id     UUID NOT NULL REFERENCES orders (id),
	product_id   TEXT NOT NULL,
	product_name TEXT NOT NULL,
	quantity     INTEGER NOT NULL,
	unit_price   NUMERIC(12,2) NOT NULL,
	PRIMARY KEY (order_id, product_id)
);

CREATE TABLE IF NOT EXISTS product_snapshots (
	product_id   TEXT PRIMARY KEY,
	store_id     TEXT NOT NULL,
	name         TEXT NOT NULL,
	price        NUMERIC(12,2) NOT NULL,
	stock        INTEGER NOT NULL,
	is_available BOOLEAN NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
` + outbox.Schema + idempotency.Schema

// Store is the Postgres-backed OrderStore implementation.
type Store struct {
	db *sql.DB
}

// NewStore opens and pings a connection pool, grounded on the same
// database/sql + lib/pq pairing used throughout the rest of the fleet.
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

// DB exposes the underlying pool for the outbox publisher and cleanup
// tasks, which operate independently of any single order's transaction.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, store_id, courier_id, total_price, status, shipping_address, pickup_address, version, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, NULL, 0, now(), now())
	`, o.ID, o.CustomerID, o.StoreID, o.TotalPrice, string(o.Status), shipping)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, o.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", item.ProductID, err)
		}
	}

	payload, err := json.Marshal(events.OrderCreated{
		OrderID:    o.ID,
		StoreID:    o.StoreID,
		UserID:     o.CustomerID,
		TotalPrice: o.TotalPrice,
		CreatedAt:  o.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal order.created: %w", err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "ORDER",
		AggregateID:   o.ID,
		Type:          "order.created",
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db, o); err != nil {
		return nil, err
	}
	return o, nil
}

const orderSelect = `
	SELECT id, customer_id, store_id, courier_id, total_price, status, shipping_address, pickup_address, version, created_at, updated_at
	FROM orders
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var courierID sql.NullString
	var shipping, pickup sql.NullString
	var status string

	err := row.Scan(&o.ID, &o.CustomerID, &o.StoreID, &courierID, &o.TotalPrice, &status,
		&shipping, &pickup, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "order"}
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = Status(status)
	if courierID.Valid {
		id := courierID.String
		o.CourierID = &id
	}
	if shipping.Valid {
		if err := json.Unmarshal([]byte(shipping.String), &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}
	if pickup.Valid {
		var addr events.Address
		if err := json.Unmarshal([]byte(pickup.String), &addr); err != nil {
			return nil, fmt.Errorf("unmarshal pickup address: %w", err)
		}
		o.PickupAddress = &addr
	}
	return &o, nil
}

func (s *Store) loadItems(ctx context.Context, q queryer, o *Order) error {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, quantity, unit_price FROM order_items WHERE order_id = $1
	`, o.ID)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// WithOrderTx locks the order row FOR UPDATE, hands it and a tx handle to
// fn, and commits or rolls back based on fn's outcome. Every saga reply
// handler and state-machine operation goes through this so the status
// check and the mutation happen under the same row lock.
func (s *Store) WithOrderTx(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, order *Order) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	o, err := scanOrder(sqlTx.QueryRowContext(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if err := s.loadItems(ctx, sqlTx, o); err != nil {
		return err
	}

	txHandle := &sqlTxHandle{tx: sqlTx}
	if err := fn(ctx, txHandle, o); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type sqlTxHandle struct {
	tx *sql.Tx
}

func (h *sqlTxHandle) UpdateOrder(ctx context.Context, o *Order) error {
	var pickup []byte
	if o.PickupAddress != nil {
		b, err := json.Marshal(o.PickupAddress)
		if err != nil {
			return fmt.Errorf("marshal pickup address: %w", err)
		}
		pickup = b
	}

	var courierID sql.NullString
	if o.CourierID != nil {
		courierID = sql.NullString{String: *o.CourierID, Valid: true}
	}

	res, err := h.tx.ExecContext(ctx, `
		UPDATE orders
		SET courier_id = $1, status = $2, pickup_address = $3, version = version + 1, updated_at = now()
		WHERE id = $4 AND version = $5
	`, courierID, string(o.Status), pickup, o.ID, o.Version)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification{Detail: "order " + o.ID + " was modified concurrently"}
	}

	o.Version++
	return nil
}

func (h *sqlTxHandle) AppendOutbox(ctx context.Context, aggregateID, eventType string, payload []byte) error {
	return outbox.Append(ctx, h.tx, outbox.Event{
		AggregateType: "ORDER",
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       payload,
	})
}

func (s *Store) GetProductSnapshot(ctx context.Context, storeID, productID string) (*ProductSnapshot, error) {
	var snap ProductSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, store_id, name, price, stock, is_available
		FROM product_snapshots WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&snap.ProductID, &snap.StoreID, &snap.Name, &snap.Price, &snap.Stock, &snap.IsAvailable)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "product"}
	}
	if err != nil {
		return nil, fmt.Errorf("get product snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) UpsertProductSnapshot(ctx context.Context, snap ProductSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_snapshots (product_id, store_id, name, price, stock, is_available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (product_id) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			is_available = EXCLUDED.is_available,
			updated_at = now()
	`, snap.ProductID, snap.StoreID, snap.Name, snap.Price, snap.Stock, snap.IsAvailable)
	return err
}

func (s *Store) DeleteProductSnapshot(ctx context.Context, storeID, productID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM product_snapshots WHERE store_id = $1 AND product_id = $2`, storeID, productID)
	return err
}
