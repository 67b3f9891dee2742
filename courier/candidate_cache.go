package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CandidateCache holds the ranked candidate list for an in-flight
// assignment attempt. The idempotency claim only guards against a
// redelivered order.preparing event starting a second assignment from
// scratch; it says nothing about resuming an attempt that crashed partway
// through iterating candidates. Caching the ranked list means a resumed
// attempt doesn't pay for ListCandidates and the haversine sort again.
type CandidateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCandidateCache(addr string, ttl time.Duration) *CandidateCache {
	return &CandidateCache{client: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

func candidateKey(orderID string) string { return fmt.Sprintf("assignment_candidates:%s", orderID) }

func (c *CandidateCache) Get(ctx context.Context, orderID string) ([]Courier, bool, error) {
	data, err := c.client.Get(ctx, candidateKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var candidates []Courier
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, false, err
	}
	return candidates, true, nil
}

func (c *CandidateCache) Set(ctx context.Context, orderID string, candidates []Courier) error {
	data, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, candidateKey(orderID), data, c.ttl).Err()
}

func (c *CandidateCache) Invalidate(ctx context.Context, orderID string) error {
	return c.client.Del(ctx, candidateKey(orderID)).Err()
}

func (c *CandidateCache) Close() error { return c.client.Close() }
