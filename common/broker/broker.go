// Package broker wraps the RabbitMQ topology shared by every service: topic
// exchanges, durable queues, and a dead-letter exchange for messages that
// exhaust their retry budget.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names. All topic-style: routing keys are matched word by word on
// '.', so "order.#" binds every order lifecycle event in one queue ("order.*"
// matches only two-word keys and misses order.stock_reservation.requested).
const (
	OrderExchange   = "order_events_exchange"
	StoreExchange   = "store_events_exchange"
	CourierExchange = "courier_events_exchange"
	DLX             = "dlx"
)

// Routing keys. These are the `type` field of every outbox row and the
// routing key every publish/consume uses.
const (
	OrderCreated                 = "order.created"
	OrderPreparing               = "order.preparing"
	OrderAssigned                = "order.assigned"
	OrderOnTheWay                = "order.on_the_way"
	OrderDelivered               = "order.delivered"
	OrderCancelled               = "order.cancelled"
	OrderStockReservationRequest = "order.stock_reservation.requested"
	OrderStockReserved           = "order.stock_reserved"
	OrderStockReservationFailed  = "order.stock_reservation_failed"
	CourierAssigned              = "courier.assigned"
	CourierAssignmentFailed      = "courier.assignment.failed"
	ProductCreated               = "product.created"
	ProductUpdated               = "product.updated"
	ProductDeleted               = "product.deleted"
)

// MaxRetryCount bounds in-process redelivery attempts before a message is
// handed to the dead-letter exchange.
const MaxRetryCount = 3

// ExchangeForRoutingKey derives the exchange a routing key belongs on by its
// prefix, the same rule the outbox publisher uses to route rows without a
// per-row exchange column.
func ExchangeForRoutingKey(routingKey string) (string, error) {
	switch {
	case hasPrefix(routingKey, "order."):
		return OrderExchange, nil
	case hasPrefix(routingKey, "product."):
		return StoreExchange, nil
	case hasPrefix(routingKey, "courier."):
		return CourierExchange, nil
	default:
		return "", fmt.Errorf("broker: no exchange mapped for routing key %q", routingKey)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Connect dials RabbitMQ, opens a channel, and declares the full exchange +
// DLX topology. It retries the initial dial with exponential backoff since
// the broker is frequently still starting when a service boots in compose.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := dialWithBackoff(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareDLX(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare dlx: %w", err)
	}

	if err := declareExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

func dialWithBackoff(address string) (*amqp.Connection, error) {
	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	return backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

// declareDLX declares the single dead-letter exchange; per-routing-key DLQs
// are declared lazily by DeclareQueue so only queues that actually exist get
// a DLQ.
func declareDLX(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(DLX, "topic", true, false, false, false, nil)
}

func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []string{OrderExchange, StoreExchange, CourierExchange} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// DeclareQueue declares a durable queue bound to the given exchange for one
// or more routing keys, with a queue-specific DLQ reachable through DLX.
func DeclareQueue(ch *amqp.Channel, queueName, exchange string, routingKeys ...string) error {
	dlqName := queueName + ".dlq"
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, queueName, DLX, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", dlqName, err)
	}

	_, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DLX,
		"x-dead-letter-routing-key": queueName,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(queueName, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s/%s: %w", queueName, exchange, key, err)
		}
	}

	return nil
}

// Publish sends a JSON payload to the exchange implied by routingKey,
// content-type JSON, as the outbox publisher and every saga participant do.
func Publish(ctx context.Context, ch *amqp.Channel, routingKey string, payload []byte) error {
	exchange, err := ExchangeForRoutingKey(routingKey)
	if err != nil {
		return err
	}

	headers := InjectTraceContext(ctx)
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// HandleRetry increments the message's retry-count header and either
// republishes a copy to the exchange and routing key it arrived on (every
// queue bound to that key receives it) after a linear backoff, or Nacks it
// without requeue once the count reaches MaxRetryCount — RabbitMQ's DLX then
// routes it to the queue-specific DLQ automatically. The returned bool
// reports whether the message was dead-lettered (true) or scheduled for
// another attempt (false), so callers can record the right outcome.
func HandleRetry(ch *amqp.Channel, queueName string, d *amqp.Delivery) (bool, error) {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, _ := d.Headers["x-retry-count"].(int64)
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		return true, d.Nack(false, false)
	}

	time.Sleep(time.Duration(retryCount) * time.Second)

	err := ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
	return false, err
}
