// Package outbox implements the transactional outbox shared by every
// stateful service: an event row is appended inside the same local
// transaction that changes aggregate state, then a periodic publisher
// drains unprocessed rows to the broker.
package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/foodrelay/common/broker"
)

// Schema is the DDL for the outbox table, identical across services. The
// partial index keeps the publisher's hot query (processed = false) cheap
// even once the table accumulates millions of processed rows.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	type           TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed      BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (created_at) WHERE NOT processed;
`

// Event is a single row to append to the outbox inside the caller's
// transaction.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
}

// Append inserts ev into the outbox as part of tx. It must be called inside
// the same transaction as the aggregate mutation that produced the event —
// that's what makes publication at-least-once instead of best-effort.
func Append(ctx context.Context, tx *sql.Tx, ev Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, type, payload, created_at, processed)
		VALUES ($1, $2, $3, $4, $5, now(), false)
	`, uuid.New(), ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload)
	return err
}

// row is what the publisher reads back from the table.
type row struct {
	id      uuid.UUID
	evType  string
	payload []byte
}

// Publisher periodically drains unprocessed outbox rows to the broker.
type Publisher struct {
	db        *sql.DB
	ch        *amqp.Channel
	log       *slog.Logger
	batchSize int
}

// NewPublisher wires a Publisher to the service's own database pool and
// broker channel. batchSize of 0 defaults to 50, matching the bounded batch
// size from the design.
func NewPublisher(db *sql.DB, ch *amqp.Channel, log *slog.Logger, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Publisher{db: db, ch: ch, log: log, batchSize: batchSize}
}

// Run starts the periodic publish loop; it blocks until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.log.Error("outbox publish batch failed", slog.Any("error", err))
			}
		}
	}
}

// PublishBatch fetches up to batchSize unprocessed rows ordered by
// createdAt and publishes each one. A single row's publish failure does not
// abort the batch — the row stays processed=false and is retried on the
// next tick.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, payload FROM outbox
		WHERE NOT processed
		ORDER BY created_at ASC
		LIMIT $1
	`, p.batchSize)
	if err != nil {
		return 0, err
	}

	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.evType, &r.payload); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	published := 0
	for _, r := range pending {
		if err := broker.Publish(ctx, p.ch, r.evType, r.payload); err != nil {
			p.log.Error("failed to publish outbox row, will retry next tick",
				slog.String("id", r.id.String()),
				slog.String("type", r.evType),
				slog.Any("error", err),
			)
			continue
		}

		if _, err := p.db.ExecContext(ctx, `UPDATE outbox SET processed = true WHERE id = $1`, r.id); err != nil {
			p.log.Error("failed to mark outbox row processed",
				slog.String("id", r.id.String()),
				slog.Any("error", err),
			)
			continue
		}
		published++
	}

	return published, nil
}

// RunCleanup starts the once-daily deletion of processed rows older than
// retention, in batches of 1000.
func (p *Publisher) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.Cleanup(ctx, retention); err != nil {
				p.log.Error("outbox cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				p.log.Info("outbox cleanup removed rows", slog.Int("count", n))
			}
		}
	}
}

// Cleanup deletes processed rows older than retention, 1000 rows at a time,
// until none remain.
func (p *Publisher) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	horizon := time.Now().Add(-retention)
	total := 0

	for {
		res, err := p.db.ExecContext(ctx, `
			DELETE FROM outbox WHERE id IN (
				SELECT id FROM outbox WHERE processed AND created_at < $1 LIMIT 1000
			)
		`, horizon)
		if err != nil {
			return total, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < 1000 {
			return total, nil
		}
	}
}
