package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/foodrelay/common/events"
)

// TelemetryMiddleware wraps a ProductStore with span events, so a trace
// through order -> store shows which reservation attempt touched which
// products without needing to correlate log lines separately.
type TelemetryMiddleware struct {
	next ProductStore
}

func NewTelemetryMiddleware(next ProductStore) ProductStore {
	return &TelemetryMiddleware{next}
}

func (m *TelemetryMiddleware) GetProduct(ctx context.Context, id string) (*Product, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetProduct: %s", id))
	return m.next.GetProduct(ctx, id)
}

func (m *TelemetryMiddleware) CreateProduct(ctx context.Context, p Product) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("CreateProduct: %s", p.ID))
	return m.next.CreateProduct(ctx, p)
}

func (m *TelemetryMiddleware) UpdateProduct(ctx context.Context, p Product) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("UpdateProduct: %s", p.ID))
	return m.next.UpdateProduct(ctx, p)
}

func (m *TelemetryMiddleware) DeleteProduct(ctx context.Context, id string) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("DeleteProduct: %s", id))
	return m.next.DeleteProduct(ctx, id)
}

func (m *TelemetryMiddleware) ReserveStock(ctx context.Context, ev events.StockReservationRequested) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("ReserveStock: orderId=%s, items=%d", ev.OrderID, len(ev.Items)))
	return m.next.ReserveStock(ctx, ev)
}

func (m *TelemetryMiddleware) RestoreStock(ctx context.Context, ev events.OrderCancelled) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("RestoreStock: orderId=%s, items=%d", ev.OrderID, len(ev.Items)))
	return m.next.RestoreStock(ctx, ev)
}
