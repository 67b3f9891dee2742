package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

// BusinessCounters tracks notification fan-out outcomes.
type BusinessCounters struct {
	Created   prometheus.Counter
	Delivered prometheus.Counter
}

// Service fans a Notifiable event out to every recipient it names,
// persisting one row per recipient and attempting an immediate push.
type Service struct {
	store    NotificationStore
	hub      *Hub
	log      *slog.Logger
	counters *BusinessCounters
}

func NewService(store NotificationStore, hub *Hub, log *slog.Logger, counters *BusinessCounters) *Service {
	return &Service{store: store, hub: hub, log: log, counters: counters}
}

// HandleEvent persists and attempts to push ev to every recipient it names.
// A duplicate delivery of the same event is a no-op per recipient thanks to
// the idempotency claim inside CreatePending.
func (s *Service) HandleEvent(ctx context.Context, ev events.Notifiable, orderID string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	for _, recipient := range ev.Recipients() {
		if recipient.ID == "" {
			continue
		}

		eventKey := idempotency.Key("NOTIFY:"+ev.EventType()+":"+string(recipient.Type), recipient.ID+":"+orderID)
		n := Notification{
			ID:            uuid.New().String(),
			RecipientID:   recipient.ID,
			RecipientType: recipient.Type,
			OrderID:       orderID,
			EventType:     ev.EventType(),
			Payload:       payload,
		}

		if err := s.store.CreatePending(ctx, eventKey, n); err != nil {
			if errors.Is(err, idempotency.ErrAlreadyProcessed) {
				continue
			}
			return err
		}
		if s.counters != nil {
			s.counters.Created.Inc()
		}

		if s.hub.Push(recipient.ID, payload) {
			if err := s.store.MarkDelivered(ctx, n.ID); err != nil {
				s.log.Error("failed to mark notification delivered", slog.Any("error", err))
				continue
			}
			if s.counters != nil {
				s.counters.Delivered.Inc()
			}
		}
	}

	return nil
}
