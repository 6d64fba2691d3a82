// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisPolicyPrefix = "meter:policy:"

// noPolicySentinel marks a cached "no policy row" resolution
const noPolicySentinel = "none"

// RedisPolicyCache is a PolicyCache shared across processes. Reads fail
// open: any Redis error behaves like a cache miss, so the resolver falls
// back to the policy store. Flush is a point-in-time invalidation, not a
// lock; concurrent writers may race with it.
type RedisPolicyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPolicyCache creates a Redis-backed policy cache. A zero ttl keeps
// entries until the next Flush.
func NewRedisPolicyCache(client *redis.Client, ttl time.Duration) *RedisPolicyCache {
	return &RedisPolicyCache{client: client, ttl: ttl}
}

// Get returns the cached resolution for the entity, when present
func (c *RedisPolicyCache) Get(ctx context.Context, entity EntityRef) (*TrackingPolicy, bool) {
	val, err := c.client.Get(ctx, c.key(entity)).Result()
	if err != nil {
		return nil, false
	}
	if val == noPolicySentinel {
		return nil, true
	}

	var policy TrackingPolicy
	if err := json.Unmarshal([]byte(val), &policy); err != nil {
		return nil, false
	}
	return &policy, true
}

// Put caches a resolution; a nil policy records the "no policy" outcome
func (c *RedisPolicyCache) Put(ctx context.Context, entity EntityRef, policy *TrackingPolicy) {
	val := noPolicySentinel
	if policy != nil {
		data, err := json.Marshal(policy)
		if err != nil {
			return
		}
		val = string(data)
	}

	// Best effort: a failed write just means the next Get misses
	c.client.Set(ctx, c.key(entity), val, c.ttl)
}

// Flush drops every cached policy resolution
func (c *RedisPolicyCache) Flush(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, redisPolicyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}

func (c *RedisPolicyCache) key(entity EntityRef) string {
	return redisPolicyPrefix + entity.Type + ":" + entity.ID
}
