package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

// idempotencyDB is the narrow slice of *sql.DB the engine needs to flush an
// idempotency claim ahead of, and independent from, the assignment attempts
// that follow — letting tests substitute a fake instead of a live database.
type idempotencyDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type BusinessCounters struct {
	AssignmentsSucceeded prometheus.Counter
	AssignmentsFailed    prometheus.Counter
}

// Engine runs the proximity-ranked assignment algorithm described in the
// design: load candidates, rank by distance to pickup, try each under a
// pessimistic lock until one wins or the list is exhausted.
type Engine struct {
	store      CourierStore
	db         idempotencyDB
	candidates *CandidateCache
	log        *slog.Logger
	metric     *BusinessCounters
}

func NewEngine(store CourierStore, db idempotencyDB, log *slog.Logger, metric *BusinessCounters) *Engine {
	return &Engine{store: store, db: db, log: log, metric: metric}
}

// WithCandidateCache attaches the Redis-backed ranked-candidate cache.
// Optional: without it the engine always queries CourierStore fresh.
func (e *Engine) WithCandidateCache(c *CandidateCache) *Engine {
	e.candidates = c
	return e
}

// AssignCourier reacts to order.preparing.
func (e *Engine) AssignCourier(ctx context.Context, ev events.OrderPreparing) error {
	if err := idempotency.ClaimDB(ctx, e.db, idempotency.Key("ASSIGN_COURIER", ev.OrderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			e.log.Info("assignment already processed", slog.String("orderId", ev.OrderID))
			return nil
		}
		return err
	}

	located, err := e.rankedCandidates(ctx, ev)
	if err != nil {
		return err
	}
	if located == nil {
		e.recordFailed()
		return e.store.PublishAssignmentFailed(ctx, ev, "no couriers exist")
	}
	if len(located) == 0 {
		e.recordFailed()
		return e.store.PublishAssignmentFailed(ctx, ev, "no couriers with location")
	}

	for _, candidate := range located {
		won, err := e.store.AtomicAssign(ctx, candidate.ID, ev)
		if err != nil {
			e.log.Warn("assignment attempt failed, trying next candidate",
				slog.String("courierId", candidate.ID), slog.Any("error", err))
			continue
		}
		if won {
			e.invalidateCandidates(ctx, ev.OrderID)
			e.recordSucceeded()
			return nil
		}
	}

	e.invalidateCandidates(ctx, ev.OrderID)
	e.recordFailed()
	return e.store.PublishAssignmentFailed(ctx, ev, "all candidates were claimed")
}

// rankedCandidates returns the located, distance-ranked candidate list for
// ev, preferring a cached list from an earlier, interrupted attempt over
// requerying CourierStore. A nil, nil return means no couriers exist at
// all; an empty, non-nil slice means none of them have a location fix.
func (e *Engine) rankedCandidates(ctx context.Context, ev events.OrderPreparing) ([]Courier, error) {
	if e.candidates != nil {
		if cached, hit, err := e.candidates.Get(ctx, ev.OrderID); err != nil {
			e.log.Warn("candidate cache read failed, falling back to store", slog.Any("error", err))
		} else if hit {
			return cached, nil
		}
	}

	candidates, err := e.store.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	located := candidates[:0:0]
	for _, c := range candidates {
		if c.Location.HasFix {
			located = append(located, c)
		}
	}
	if len(located) == 0 {
		return located, nil
	}

	if pickup, ok := pickupLocation(ev); ok {
		sort.Slice(located, func(i, j int) bool {
			return located[i].Location.DistanceKm(pickup) < located[j].Location.DistanceKm(pickup)
		})
	}

	if e.candidates != nil {
		if err := e.candidates.Set(ctx, ev.OrderID, located); err != nil {
			e.log.Warn("candidate cache write failed", slog.Any("error", err))
		}
	}

	return located, nil
}

func (e *Engine) invalidateCandidates(ctx context.Context, orderID string) {
	if e.candidates == nil {
		return
	}
	if err := e.candidates.Invalidate(ctx, orderID); err != nil {
		e.log.Warn("candidate cache invalidate failed", slog.Any("error", err))
	}
}

// pickupLocation reports the pickup's coordinates, if geocoding ever
// populated them. A missing fix disables ranking but never filters
// candidates out.
func pickupLocation(ev events.OrderPreparing) (Location, bool) {
	if !ev.PickupAddress.HasFix() {
		return Location{}, false
	}
	return NewLocation(*ev.PickupAddress.Latitude, *ev.PickupAddress.Longitude), true
}

func (e *Engine) recordSucceeded() {
	if e.metric != nil {
		e.metric.AssignmentsSucceeded.Inc()
	}
}

func (e *Engine) recordFailed() {
	if e.metric != nil {
		e.metric.AssignmentsFailed.Inc()
	}
}
