package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/foodrelay/common/broker"
	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/metrics"
)

// Consumer fans every order and courier lifecycle event worth surfacing out
// to Service. Routing keys whose contract does not implement
// events.Notifiable are acknowledged and dropped — they carry nothing a
// recipient needs to see.
type Consumer struct {
	svc     *Service
	ch      *amqp.Channel
	log     *slog.Logger
	metrics *metrics.HandlerMetrics
}

func NewConsumer(svc *Service, ch *amqp.Channel, log *slog.Logger, m *metrics.HandlerMetrics) *Consumer {
	return &Consumer{svc: svc, ch: ch, log: log, metrics: m}
}

func (c *Consumer) Listen(ctx context.Context) error {
	const queueName = "notification.fan_out"
	if err := broker.DeclareQueue(c.ch, queueName, broker.OrderExchange, "order.#"); err != nil {
		return err
	}
	if err := c.ch.QueueBind(queueName, "courier.#", broker.CourierExchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handleDelivery(queueName, d)
		}
	}
}

func (c *Consumer) handleDelivery(queueName string, d amqp.Delivery) {
	start := time.Now()
	ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
	tracer := otel.Tracer("notification")
	ctx, span := tracer.Start(ctx, "amqp.consume "+d.RoutingKey)
	defer span.End()

	err := c.route(ctx, d.RoutingKey, d.Body)
	if err == nil {
		d.Ack(false)
		c.record(d.RoutingKey, "ok", start)
		return
	}

	c.log.Error("message handler failed", slog.String("routing_key", d.RoutingKey), slog.Any("error", err))
	deadLettered, retryErr := broker.HandleRetry(c.ch, queueName, &d)
	if retryErr != nil {
		c.log.Error("failed to schedule retry", slog.Any("error", retryErr))
	}
	d.Nack(false, false)
	if deadLettered {
		c.record(d.RoutingKey, "dead_lettered", start)
	} else {
		c.record(d.RoutingKey, "retried", start)
	}
}

func (c *Consumer) record(routingKey, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordHandled(routingKey, status, time.Since(start))
	}
}

func (c *Consumer) route(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case broker.OrderCreated:
		var ev events.OrderCreated
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.OrderStockReservationFailed:
		var ev events.StockReservationFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.OrderAssigned:
		var ev events.OrderAssigned
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.OrderCancelled:
		var ev events.OrderCancelled
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.OrderOnTheWay:
		var ev events.OrderOnTheWay
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.OrderDelivered:
		var ev events.OrderDelivered
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.CourierAssigned:
		var ev events.CourierAssigned
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	case broker.CourierAssignmentFailed:
		var ev events.CourierAssignmentFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleEvent(ctx, ev, ev.OrderID)

	default:
		// order.preparing, order.stock_reservation.requested,
		// order.stock_reserved: internal saga steps, nothing a recipient
		// needs surfaced.
		return nil
	}
}
