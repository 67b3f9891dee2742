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

const Schema = `
CREATE TABLE IF NOT EXISTS couriers (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	is_active   BOOLEAN NOT NULL,
	latitude    DOUBLE PRECISION,
	longitude   DOUBLE PRECISION,
	has_fix     BOOLEAN NOT NULL DEFAULT false,
	version     INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_couriers_candidates ON couriers (status, is_active);
` + outbox.Schema + idempotency.Schema

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

func (s *Store) DB() *sql.DB  { return s.db }
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ListCandidates(ctx context.Context) ([]Courier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, is_active, latitude, longitude, has_fix, version
		FROM couriers WHERE status = $1 AND is_active = true
	`, StatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []Courier
	for rows.Next() {
		var c Courier
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.Status, &c.IsActive, &lat, &lon, &c.Location.HasFix, &c.Version); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if c.Location.HasFix {
			c.Location.Latitude = lat.Float64
			c.Location.Longitude = lon.Float64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AtomicAssign is step 5 of the assignment algorithm: re-read courierID
// under a write lock, verify it is still AVAILABLE, and if so flip it to
// BUSY and append the success reply in the same transaction. Any other
// outcome (not found, not AVAILABLE, version conflict) is reported as
// "candidate lost", not as an error — the caller moves on to the next one.
func (s *Store) AtomicAssign(ctx context.Context, courierID string, ev events.OrderPreparing) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status Status
	var version int
	err = tx.QueryRowContext(ctx, `
		SELECT status, version FROM couriers WHERE id = $1 FOR UPDATE
	`, courierID).Scan(&status, &version)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock courier %s: %w", courierID, err)
	}
	if status != StatusAvailable {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE couriers SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3
	`, StatusBusy, courierID, version)
	if err != nil {
		return false, fmt.Errorf("update courier %s: %w", courierID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	payload, err := json.Marshal(events.CourierAssigned{
		OrderID: ev.OrderID, CourierID: courierID, StoreID: ev.StoreID, UserID: ev.CustomerID,
	})
	if err != nil {
		return false, fmt.Errorf("marshal courier_assigned: %w", err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "COURIER", AggregateID: ev.OrderID, Type: "courier.assigned", Payload: payload,
	}); err != nil {
		return false, fmt.Errorf("append outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) PublishAssignmentFailed(ctx context.Context, ev events.OrderPreparing, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	payload, err := json.Marshal(events.CourierAssignmentFailed{
		OrderID: ev.OrderID, UserID: ev.CustomerID, StoreID: ev.StoreID, Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("marshal courier_assignment_failed: %w", err)
	}
	if err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "COURIER", AggregateID: ev.OrderID, Type: "courier.assignment.failed", Payload: payload,
	}); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}

	return tx.Commit()
}
