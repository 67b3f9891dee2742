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

type Consumer struct {
	engine  *Engine
	ch      *amqp.Channel
	log     *slog.Logger
	metrics *metrics.HandlerMetrics
}

func NewConsumer(engine *Engine, ch *amqp.Channel, log *slog.Logger, m *metrics.HandlerMetrics) *Consumer {
	return &Consumer{engine: engine, ch: ch, log: log, metrics: m}
}

func (c *Consumer) Listen(ctx context.Context) error {
	const queueName = "courier.order_preparing"
	if err := broker.DeclareQueue(c.ch, queueName, broker.OrderExchange, broker.OrderPreparing); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(ctx, queueName, msgs)

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
	tracer := otel.Tracer("courier")
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
	case broker.OrderPreparing:
		var ev events.OrderPreparing
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		return c.engine.AssignCourier(ctx, ev)

	default:
		c.log.Warn("no handler for routing key", slog.String("routing_key", routingKey))
		return nil
	}
}
