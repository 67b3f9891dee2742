// Package idempotency implements the "claim once" pattern every subscriber
// uses to survive broker redelivery: inserting an event key is the
// authoritative claim to process that event, and a duplicate insert means
// somebody already did.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Schema is the DDL for the idempotency table, identical across services.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotent_events (
	event_key  TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ErrAlreadyProcessed is returned by Claim when eventKey has already been
// claimed by a previous (possibly concurrent) delivery.
var ErrAlreadyProcessed = errors.New("idempotency: event already processed")

// Key builds the canonical `<OP>:<aggregate-id>` event key used throughout
// the saga (e.g. "RESERVE_STOCK:<orderId>", "ASSIGN_COURIER:<orderId>").
func Key(operation, aggregateID string) string {
	return fmt.Sprintf("%s:%s", operation, aggregateID)
}

// Claim attempts to insert eventKey as part of tx. On success, the caller
// has exclusively claimed the right to process this event once. On
// duplicate-key violation it returns ErrAlreadyProcessed and the caller
// should log "already processed" and return without side effects.
func Claim(ctx context.Context, tx *sql.Tx, eventKey string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotent_events (event_key, created_at) VALUES ($1, now())
	`, eventKey)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyProcessed
	}
	return err
}

// execer is the narrow slice of *sql.DB that ClaimDB needs, so callers can
// pass a test double instead of a live connection pool.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ClaimDB is Claim against a *sql.DB (or any execer) directly, for
// subscribers whose claim is flushed immediately ahead of, and independent
// from, the business transaction.
func ClaimDB(ctx context.Context, db execer, eventKey string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO idempotent_events (event_key, created_at) VALUES ($1, now())
	`, eventKey)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyProcessed
	}
	return err
}
