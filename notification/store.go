package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

// Schema is the DDL for the notification table. Notification has no outbox
// of its own — it is a terminal fan-out, not a saga participant — but it
// still claims idempotency keys so a redelivered order/courier event never
// produces a duplicate row.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id             UUID PRIMARY KEY,
	recipient_id   TEXT NOT NULL,
	recipient_type TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_notifications_undelivered ON notifications (recipient_id, created_at) WHERE delivered_at IS NULL;
` + idempotency.Schema

// Store is the Postgres-backed NotificationStore.
type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB  { return s.db }
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreatePending(ctx context.Context, eventKey string, n Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := idempotency.Claim(ctx, tx, eventKey); err != nil {
		return err
	}

	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, recipient_type, order_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, id, n.RecipientID, string(n.RecipientType), n.OrderID, n.EventType, n.Payload)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET delivered_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) ListUndelivered(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, recipient_type, order_id, event_type, payload, created_at, delivered_at
		FROM notifications
		WHERE recipient_id = $1 AND delivered_at IS NULL
		ORDER BY created_at ASC
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var recipientType string
		var deliveredAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.RecipientID, &recipientType, &n.OrderID, &n.EventType, &n.Payload, &n.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		n.RecipientType = events.RecipientType(recipientType)
		if deliveredAt.Valid {
			t := deliveredAt.Time
			n.DeliveredAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
