package main

import (
	"context"
	"log/slog"

	"github.com/foodrelay/common/events"
)

// CachedStore adds a cache-aside layer in front of product reads. Writes
// invalidate rather than populate, since the next reader repopulates the
// cache and a failed invalidation is self-healing once the TTL expires.
// Reservation and restore don't benefit from caching — they're
// write-only, lock-bearing paths — so they delegate to the inner store and
// then invalidate the cached entry of every product in the event.
type CachedStore struct {
	inner *Store
	cache *ProductCache
	log   *slog.Logger
}

func NewCachedStore(inner *Store, cache *ProductCache, log *slog.Logger) *CachedStore {
	return &CachedStore{inner: inner, cache: cache, log: log}
}

func (c *CachedStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	if p, err := c.cache.GetProduct(ctx, id); err != nil {
		c.log.Warn("product cache read failed, falling back to database", slog.Any("error", err))
	} else if p != nil {
		return p, nil
	}

	p, err := c.inner.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetProduct(ctx, p); err != nil {
		c.log.Warn("product cache write failed", slog.Any("error", err))
	}
	return p, nil
}

func (c *CachedStore) CreateProduct(ctx context.Context, p Product) error {
	return c.inner.CreateProduct(ctx, p)
}

func (c *CachedStore) UpdateProduct(ctx context.Context, p Product) error {
	if err := c.inner.UpdateProduct(ctx, p); err != nil {
		return err
	}
	if err := c.cache.InvalidateProduct(ctx, p.ID); err != nil {
		c.log.Warn("product cache invalidation failed", slog.Any("error", err), slog.String("productId", p.ID))
	}
	return nil
}

func (c *CachedStore) DeleteProduct(ctx context.Context, id string) error {
	if err := c.inner.DeleteProduct(ctx, id); err != nil {
		return err
	}
	if err := c.cache.InvalidateProduct(ctx, id); err != nil {
		c.log.Warn("product cache invalidation failed", slog.Any("error", err), slog.String("productId", id))
	}
	return nil
}

func (c *CachedStore) ReserveStock(ctx context.Context, ev events.StockReservationRequested) error {
	err := c.inner.ReserveStock(ctx, ev)
	for _, item := range ev.Items {
		if invalErr := c.cache.InvalidateProduct(ctx, item.ProductID); invalErr != nil {
			c.log.Warn("product cache invalidation failed", slog.Any("error", invalErr), slog.String("productId", item.ProductID))
		}
	}
	return err
}

func (c *CachedStore) RestoreStock(ctx context.Context, ev events.OrderCancelled) error {
	err := c.inner.RestoreStock(ctx, ev)
	for _, item := range ev.Items {
		if invalErr := c.cache.InvalidateProduct(ctx, item.ProductID); invalErr != nil {
			c.log.Warn("product cache invalidation failed", slog.Any("error", invalErr), slog.String("productId", item.ProductID))
		}
	}
	return err
}

var _ ProductStore = (*CachedStore)(nil)
