package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foodrelay/common/broker"
	"github.com/foodrelay/common/events"
	"github.com/foodrelay/common/idempotency"
)

// idempotencyDB is the narrow slice of *sql.DB the idempotency claims need,
// narrowed so tests can substitute a fake instead of a live pool.
type idempotencyDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Service implements the order-lifecycle state machine and its saga reply
// handlers. Every state-changing method persists the mutation and its
// outbox row in the single transaction store.WithOrderTx hands it.
type Service struct {
	store  OrderStore
	db     idempotencyDB
	log    *slog.Logger
	metric *BusinessCounters
}

// BusinessCounters is the order service's slice of the shared business
// metrics namespace.
type BusinessCounters struct {
	OrdersCreated   prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersDelivered prometheus.Counter
}

func NewService(store OrderStore, db idempotencyDB, log *slog.Logger, metric *BusinessCounters) *Service {
	return &Service{store: store, db: db, log: log, metric: metric}
}

// CreateOrder validates every item against the local product snapshot,
// prices the order from snapshot prices, and persists it as PENDING.
func (s *Service) CreateOrder(ctx context.Context, customerID, storeID string, items []events.ItemQuantity, shipping events.Address) (*Order, error) {
	order := &Order{
		ID:              uuid.New().String(),
		CustomerID:      customerID,
		StoreID:         storeID,
		Status:          StatusPending,
		ShippingAddress: shipping,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	var total float64
	for _, reqItem := range items {
		snap, err := s.store.GetProductSnapshot(ctx, storeID, reqItem.ProductID)
		if err != nil {
			var notFound ErrNotFound
			if errors.As(err, &notFound) {
				return nil, ErrInvalidState{Detail: fmt.Sprintf("unknown product %s", reqItem.ProductID)}
			}
			return nil, err
		}
		if snap.StoreID != storeID {
			return nil, ErrInvalidState{Detail: fmt.Sprintf("product %s does not belong to store %s", reqItem.ProductID, storeID)}
		}
		if !snap.IsAvailable {
			return nil, ErrInvalidState{Detail: fmt.Sprintf("product %s is unavailable", reqItem.ProductID)}
		}

		order.Items = append(order.Items, OrderItem{
			ProductID:   reqItem.ProductID,
			ProductName: snap.Name,
			Quantity:    reqItem.Quantity,
			UnitPrice:   snap.Price,
		})
		total += snap.Price * float64(reqItem.Quantity)
	}
	order.TotalPrice = total

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if s.metric != nil && s.metric.OrdersCreated != nil {
		s.metric.OrdersCreated.Inc()
	}
	return order, nil
}

// AcceptOrder moves PENDING -> RESERVING_STOCK and asks Store to reserve
// the order's items. caller must own storeID.
func (s *Service) AcceptOrder(ctx context.Context, orderID, caller string) error {
	return s.store.WithOrderTx(ctx, orderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.StoreID != caller {
			return ErrForbidden{Detail: "caller does not own this order's store"}
		}
		if order.Status != StatusPending {
			return ErrInvalidState{Detail: "order is not PENDING"}
		}

		order.Status = StatusReservingStock
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		items := make([]events.ItemQuantity, len(order.Items))
		for i, it := range order.Items {
			items[i] = events.ItemQuantity{ProductID: it.ProductID, Quantity: it.Quantity}
		}

		payload, err := json.Marshal(events.StockReservationRequested{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			UserID:          order.CustomerID,
			Items:           items,
			ShippingAddress: order.ShippingAddress,
			PickupAddress:   nil,
		})
		if err != nil {
			return fmt.Errorf("marshal stock reservation request: %w", err)
		}
		return tx.AppendOutbox(ctx, order.ID, broker.OrderStockReservationRequest, payload)
	})
}

// CancelOrder applies the per-state authorization rule from the state
// machine and emits order.cancelled carrying oldStatus, which the Store
// stock-restore subscriber keys on.
func (s *Service) CancelOrder(ctx context.Context, orderID, caller string) error {
	return s.store.WithOrderTx(ctx, orderID, func(ctx context.Context, tx Tx, order *Order) error {
		switch order.Status {
		case StatusPending:
			if caller != order.CustomerID {
				return ErrForbidden{Detail: "only the customer may cancel a PENDING order"}
			}
		case StatusPreparing:
			if caller != order.StoreID {
				return ErrForbidden{Detail: "only the store owner may cancel a PREPARING order"}
			}
		default:
			return ErrInvalidState{Detail: "order cannot be cancelled from status " + string(order.Status)}
		}

		oldStatus := order.Status
		order.Status = StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return appendOrderCancelled(ctx, tx, order, oldStatus)
	})
}

// PickupOrder transitions PREPARING -> ON_THE_WAY; caller must be the
// assigned courier.
func (s *Service) PickupOrder(ctx context.Context, orderID, caller string) error {
	return s.store.WithOrderTx(ctx, orderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.CourierID == nil || *order.CourierID != caller {
			return ErrForbidden{Detail: "caller is not the assigned courier"}
		}
		if order.Status != StatusPreparing {
			return ErrInvalidState{Detail: "order is not PREPARING"}
		}

		order.Status = StatusOnTheWay
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		payload, err := json.Marshal(events.OrderOnTheWay{OrderID: order.ID, CourierID: caller, UserID: order.CustomerID})
		if err != nil {
			return fmt.Errorf("marshal order.on_the_way: %w", err)
		}
		return tx.AppendOutbox(ctx, order.ID, broker.OrderOnTheWay, payload)
	})
}

// DeliverOrder transitions ON_THE_WAY -> DELIVERED; caller must be the
// assigned courier.
func (s *Service) DeliverOrder(ctx context.Context, orderID, caller string) error {
	err := s.store.WithOrderTx(ctx, orderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.CourierID == nil || *order.CourierID != caller {
			return ErrForbidden{Detail: "caller is not the assigned courier"}
		}
		if order.Status != StatusOnTheWay {
			return ErrInvalidState{Detail: "order is not ON_THE_WAY"}
		}

		order.Status = StatusDelivered
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		payload, err := json.Marshal(events.OrderDelivered{OrderID: order.ID, CourierID: caller, UserID: order.CustomerID})
		if err != nil {
			return fmt.Errorf("marshal order.delivered: %w", err)
		}
		return tx.AppendOutbox(ctx, order.ID, broker.OrderDelivered, payload)
	})
	if err == nil && s.metric != nil && s.metric.OrdersDelivered != nil {
		s.metric.OrdersDelivered.Inc()
	}
	return err
}

func appendOrderCancelled(ctx context.Context, tx Tx, order *Order, oldStatus Status) error {
	var items []events.ItemQuantity
	if oldStatus == StatusPreparing || oldStatus == StatusOnTheWay {
		items = make([]events.ItemQuantity, len(order.Items))
		for i, it := range order.Items {
			items[i] = events.ItemQuantity{ProductID: it.ProductID, Quantity: it.Quantity}
		}
	}

	payload, err := json.Marshal(events.OrderCancelled{
		OrderID:   order.ID,
		UserID:    order.CustomerID,
		StoreID:   order.StoreID,
		OldStatus: string(oldStatus),
		Items:     items,
	})
	if err != nil {
		return fmt.Errorf("marshal order.cancelled: %w", err)
	}
	return tx.AppendOutbox(ctx, order.ID, broker.OrderCancelled, payload)
}

// --- Saga reply handlers -----------------------------------------------
//
// Every handler here claims an idempotency key before touching state, per
// the idempotent-subscriber pattern: the key insert is flushed immediately
// against the database, ahead of (and independent from) the order's own
// transaction, so a redelivered message is recognized even if the first
// delivery is still mid-flight.

// HandleStockReserved reacts to order.stock_reserved: RESERVING_STOCK ->
// PREPARING, storing the pickup address Store echoed back, then emits
// order.preparing for Courier.
func (s *Service) HandleStockReserved(ctx context.Context, ev events.StockReserved) error {
	key := idempotency.Key("STOCK_RESERVED", ev.OrderID)
	if err := idempotency.ClaimDB(ctx, s.db, key); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.log.Info("stock reserved already processed", slog.String("order_id", ev.OrderID))
			return nil
		}
		return err
	}

	return s.store.WithOrderTx(ctx, ev.OrderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.Status != StatusReservingStock {
			s.log.Info("dropping stock_reserved: order not RESERVING_STOCK",
				slog.String("order_id", ev.OrderID), slog.String("status", string(order.Status)))
			return nil
		}

		pickup := ev.PickupAddress
		order.PickupAddress = &pickup
		order.Status = StatusPreparing
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		payload, err := json.Marshal(events.OrderPreparing{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			CustomerID:      order.CustomerID,
			PickupAddress:   pickup,
			ShippingAddress: order.ShippingAddress,
		})
		if err != nil {
			return fmt.Errorf("marshal order.preparing: %w", err)
		}
		return tx.AppendOutbox(ctx, order.ID, broker.OrderPreparing, payload)
	})
}

// HandleStockReservationFailed reacts to order.stock_reservation_failed:
// RESERVING_STOCK -> CANCELLED. No stock was ever deducted so the
// cancelled event carries an empty item list.
func (s *Service) HandleStockReservationFailed(ctx context.Context, ev events.StockReservationFailed) error {
	key := idempotency.Key("STOCK_RESERVATION_FAILED", ev.OrderID)
	if err := idempotency.ClaimDB(ctx, s.db, key); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.log.Info("stock reservation failure already processed", slog.String("order_id", ev.OrderID))
			return nil
		}
		return err
	}

	err := s.store.WithOrderTx(ctx, ev.OrderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.Status != StatusReservingStock {
			s.log.Info("dropping stock_reservation_failed: order not RESERVING_STOCK",
				slog.String("order_id", ev.OrderID), slog.String("status", string(order.Status)))
			return nil
		}

		oldStatus := order.Status
		order.Status = StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return appendOrderCancelled(ctx, tx, order, oldStatus)
	})
	if err == nil && s.metric != nil && s.metric.OrdersCancelled != nil {
		s.metric.OrdersCancelled.Inc()
	}
	return err
}

// HandleCourierAssigned reacts to courier.assigned. A different courier
// already on the order, or the same courier twice, is dropped as an
// anomaly or a duplicate respectively — it should never occur given
// Courier's locking, but the state machine stays defensive regardless.
func (s *Service) HandleCourierAssigned(ctx context.Context, ev events.CourierAssigned) error {
	key := idempotency.Key("COURIER_ASSIGNED", ev.OrderID)
	if err := idempotency.ClaimDB(ctx, s.db, key); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.log.Info("courier assignment already processed", slog.String("order_id", ev.OrderID))
			return nil
		}
		return err
	}

	return s.store.WithOrderTx(ctx, ev.OrderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.Status != StatusPreparing {
			s.log.Info("dropping courier.assigned: order not PREPARING",
				slog.String("order_id", ev.OrderID), slog.String("status", string(order.Status)))
			return nil
		}
		if order.CourierID != nil {
			if *order.CourierID == ev.CourierID {
				return nil
			}
			s.log.Warn("order already has a different courier assigned",
				slog.String("order_id", ev.OrderID),
				slog.String("existing_courier", *order.CourierID),
				slog.String("incoming_courier", ev.CourierID))
			return nil
		}

		courierID := ev.CourierID
		order.CourierID = &courierID
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		if order.PickupAddress == nil {
			return fmt.Errorf("order %s assigned a courier with no pickup address set", order.ID)
		}
		payload, err := json.Marshal(events.OrderAssigned{
			OrderID:         order.ID,
			CourierID:       courierID,
			StoreID:         order.StoreID,
			UserID:          order.CustomerID,
			PickupAddress:   *order.PickupAddress,
			ShippingAddress: order.ShippingAddress,
		})
		if err != nil {
			return fmt.Errorf("marshal order.assigned: %w", err)
		}
		// Notification-emission failure must not abort the assignment
		// commit — this append only buffers the outbox row; a downstream
		// publish failure is retried by the publisher, never by rolling
		// back the courier assignment itself.
		return tx.AppendOutbox(ctx, order.ID, broker.OrderAssigned, payload)
	})
}

// HandleCourierAssignmentFailed reacts to courier.assignment.failed:
// PREPARING -> CANCELLED with the full item list, since stock was
// deducted and must be restored.
func (s *Service) HandleCourierAssignmentFailed(ctx context.Context, ev events.CourierAssignmentFailed) error {
	key := idempotency.Key("COURIER_ASSIGNMENT_FAILED", ev.OrderID)
	if err := idempotency.ClaimDB(ctx, s.db, key); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.log.Info("courier assignment failure already processed", slog.String("order_id", ev.OrderID))
			return nil
		}
		return err
	}

	err := s.store.WithOrderTx(ctx, ev.OrderID, func(ctx context.Context, tx Tx, order *Order) error {
		if order.Status != StatusPreparing {
			s.log.Info("dropping courier.assignment.failed: order not PREPARING",
				slog.String("order_id", ev.OrderID), slog.String("status", string(order.Status)))
			return nil
		}

		oldStatus := order.Status
		order.Status = StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return appendOrderCancelled(ctx, tx, order, oldStatus)
	})
	if err == nil && s.metric != nil && s.metric.OrdersCancelled != nil {
		s.metric.OrdersCancelled.Inc()
	}
	return err
}

// HandleProductChanged keeps the local ProductSnapshot read-model in sync
// with Store's product.* events.
func (s *Service) HandleProductChanged(ctx context.Context, ev events.ProductChanged) error {
	if ev.Type == broker.ProductDeleted {
		return s.store.DeleteProductSnapshot(ctx, ev.StoreID, ev.ProductID)
	}
	return s.store.UpsertProductSnapshot(ctx, ProductSnapshot{
		ProductID:   ev.ProductID,
		StoreID:     ev.StoreID,
		Name:        ev.Name,
		Price:       ev.Price,
		Stock:       ev.Stock,
		IsAvailable: ev.IsAvailable,
	})
}
