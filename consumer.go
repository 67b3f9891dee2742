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

// Consumer binds the order service's two durable queues and dispatches
// each delivery to the matching Service method.
type Consumer struct {
	svc     *Service
	ch      *amqp.Channel
	log     *slog.Logger
	metrics *metrics.HandlerMetrics
}

func NewConsumer(svc *Service, ch *amqp.Channel, log *slog.Logger, m *metrics.HandlerMetrics) *Consumer {
	return &Consumer{svc: svc, ch: ch, log: log, metrics: m}
}

// Listen declares the order service's queues and blocks dispatching
// deliveries until ctx is cancelled.
func (c *Consumer) Listen(ctx context.Context) error {
	const sagaQueue = "order.saga_replies"
	if err := broker.DeclareQueue(c.ch, sagaQueue, broker.OrderExchange,
		broker.OrderStockReserved,
		broker.OrderStockReservationFailed,
	); err != nil {
		return err
	}
	for _, key := range []string{broker.CourierAssigned, broker.CourierAssignmentFailed} {
		if err := c.ch.QueueBind(sagaQueue, key, broker.CourierExchange, false, nil); err != nil {
			return err
		}
	}

	const catalogQueue = "order.product_catalog"
	if err := broker.DeclareQueue(c.ch, catalogQueue, broker.StoreExchange,
		broker.ProductCreated, broker.ProductUpdated, broker.ProductDeleted,
	); err != nil {
		return err
	}

	sagaMsgs, err := c.ch.Consume(sagaQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	catalogMsgs, err := c.ch.Consume(catalogQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(ctx, sagaQueue, sagaMsgs)
	go c.dispatch(ctx, catalogQueue, catalogMsgs)

	<-ctx.Done()
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, queueName string, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.handleDelivery(queueName, d)
		}
	}
}

func (c *Consumer) handleDelivery(queueName string, d amqp.Delivery) {
	start := time.Now()
	ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
	tracer := otel.Tracer("order")
	ctx, span := tracer.Start(ctx, "amqp.consume "+d.RoutingKey)
	defer span.End()

	err := c.route(ctx, d.RoutingKey, d.Body)
	if err == nil {
		d.Ack(false)
		c.record(d.RoutingKey, "ok", start)
		return
	}

	c.log.Error("message handler failed",
		slog.String("routing_key", d.RoutingKey),
		slog.Any("error", err),
	)
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
	case broker.OrderStockReserved:
		var ev events.StockReserved
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleStockReserved(ctx, ev)

	case broker.OrderStockReservationFailed:
		var ev events.StockReservationFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleStockReservationFailed(ctx, ev)

	case broker.CourierAssigned:
		var ev events.CourierAssigned
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleCourierAssigned(ctx, ev)

	case broker.CourierAssignmentFailed:
		var ev events.CourierAssignmentFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.svc.HandleCourierAssignmentFailed(ctx, ev)

	case broker.ProductCreated, broker.ProductUpdated, broker.ProductDeleted:
		var ev events.ProductChanged
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		ev.Type = routingKey
		return c.svc.HandleProductChanged(ctx, ev)

	default:
		c.log.Warn("no handler for routing key", slog.String("routing_key", routingKey))
		return nil
	}
}
