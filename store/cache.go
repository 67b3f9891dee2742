package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProductCache is a thin Redis wrapper around single-product lookups,
// keyed by product id. There is no multi-product lookup.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(addr string, ttl time.Duration) *ProductCache {
	return &ProductCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func productKey(id string) string { return fmt.Sprintf("product:%s", id) }

func (c *ProductCache) GetProduct(ctx context.Context, id string) (*Product, error) {
	data, err := c.client.Get(ctx, productKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *ProductCache) SetProduct(ctx context.Context, p *Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKey(p.ID), data, c.ttl).Err()
}

func (c *ProductCache) InvalidateProduct(ctx context.Context, id string) error {
	return c.client.Del(ctx, productKey(id)).Err()
}

func (c *ProductCache) Close() error { return c.client.Close() }
