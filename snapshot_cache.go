package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache is a Redis-backed cache-aside layer in front of Order's
// ProductSnapshot read model, the same pattern Store uses for Product
// (see store/cache.go).
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotCache(addr string, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

func snapshotKey(storeID, productID string) string {
	return fmt.Sprintf("product_snapshot:%s:%s", storeID, productID)
}

func (c *SnapshotCache) Get(ctx context.Context, storeID, productID string) (*ProductSnapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(storeID, productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap ProductSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *SnapshotCache) Set(ctx context.Context, snap ProductSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(snap.StoreID, snap.ProductID), data, c.ttl).Err()
}

func (c *SnapshotCache) Invalidate(ctx context.Context, storeID, productID string) error {
	return c.client.Del(ctx, snapshotKey(storeID, productID)).Err()
}

func (c *SnapshotCache) Close() error { return c.client.Close() }
