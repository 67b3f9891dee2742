package main

import (
	"context"
	"log/slog"
)

// CachedOrderStore decorates an OrderStore with cache-aside reads for
// ProductSnapshot, the read-hot path on order creation: every item in a
// createOrder request looks one up. Order mutation and snapshot writes
// delegate straight through, invalidating the cache on write.
type CachedOrderStore struct {
	inner OrderStore
	cache *SnapshotCache
	log   *slog.Logger
}

func NewCachedOrderStore(inner OrderStore, cache *SnapshotCache, log *slog.Logger) *CachedOrderStore {
	return &CachedOrderStore{inner: inner, cache: cache, log: log}
}

func (c *CachedOrderStore) CreateOrder(ctx context.Context, order *Order) error {
	return c.inner.CreateOrder(ctx, order)
}

func (c *CachedOrderStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return c.inner.GetOrder(ctx, id)
}

func (c *CachedOrderStore) WithOrderTx(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, order *Order) error) error {
	return c.inner.WithOrderTx(ctx, id, fn)
}

func (c *CachedOrderStore) GetProductSnapshot(ctx context.Context, storeID, productID string) (*ProductSnapshot, error) {
	if cached, err := c.cache.Get(ctx, storeID, productID); err != nil {
		c.log.Warn("snapshot cache read failed", slog.Any("error", err))
	} else if cached != nil {
		return cached, nil
	}

	snap, err := c.inner.GetProductSnapshot(ctx, storeID, productID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if err := c.cache.Set(ctx, *snap); err != nil {
			c.log.Warn("snapshot cache write failed", slog.Any("error", err))
		}
	}
	return snap, nil
}

func (c *CachedOrderStore) UpsertProductSnapshot(ctx context.Context, snap ProductSnapshot) error {
	if err := c.inner.UpsertProductSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := c.cache.Invalidate(ctx, snap.StoreID, snap.ProductID); err != nil {
		c.log.Warn("snapshot cache invalidate failed", slog.Any("error", err))
	}
	return nil
}

func (c *CachedOrderStore) DeleteProductSnapshot(ctx context.Context, storeID, productID string) error {
	if err := c.inner.DeleteProductSnapshot(ctx, storeID, productID); err != nil {
		return err
	}
	if err := c.cache.Invalidate(ctx, storeID, productID); err != nil {
		c.log.Warn("snapshot cache invalidate failed", slog.Any("error", err))
	}
	return nil
}

var _ OrderStore = (*CachedOrderStore)(nil)
