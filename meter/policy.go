// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"fmt"
	"sync"
)

// PolicyStore is the slice of the repository the resolver depends on
type PolicyStore interface {
	// GetPolicy returns the entity's tracking policy, or (nil, nil) when
	// no policy row exists
	GetPolicy(ctx context.Context, entity EntityRef) (*TrackingPolicy, error)
}

// PolicyCache caches policy resolutions, including the "no policy" outcome
// (stored as a nil policy). It is a pure performance optimization: entries
// are never invalidated on policy writes — callers that mutate policy rows
// must call Flush explicitly.
type PolicyCache interface {
	Get(ctx context.Context, entity EntityRef) (policy *TrackingPolicy, ok bool)
	Put(ctx context.Context, entity EntityRef, policy *TrackingPolicy)
	Flush(ctx context.Context)
}

// MemoryPolicyCache is a process-scoped PolicyCache
type MemoryPolicyCache struct {
	mu      sync.RWMutex
	entries map[EntityRef]*TrackingPolicy
}

// NewMemoryPolicyCache creates an empty in-memory policy cache
func NewMemoryPolicyCache() *MemoryPolicyCache {
	return &MemoryPolicyCache{entries: make(map[EntityRef]*TrackingPolicy)}
}

// Get returns the cached resolution for the entity, when present
func (c *MemoryPolicyCache) Get(_ context.Context, entity EntityRef) (*TrackingPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	policy, ok := c.entries[entity]
	return policy, ok
}

// Put caches a resolution; a nil policy records the "no policy" outcome
func (c *MemoryPolicyCache) Put(_ context.Context, entity EntityRef, policy *TrackingPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entity] = policy
}

// Flush drops all cached resolutions
func (c *MemoryPolicyCache) Flush(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[EntityRef]*TrackingPolicy)
}

// PolicyResolver decides whether an (entity, feature) invocation is recorded
// and supplies the entity's cost multiplier, caching lookups until Flush
type PolicyResolver struct {
	store PolicyStore
	cache PolicyCache
}

// NewPolicyResolver creates a resolver over the given store. A nil cache
// defaults to a process-scoped in-memory cache.
func NewPolicyResolver(store PolicyStore, cache PolicyCache) *PolicyResolver {
	if cache == nil {
		cache = NewMemoryPolicyCache()
	}
	return &PolicyResolver{store: store, cache: cache}
}

// ShouldTrack reports whether the entity's policy admits the feature.
// No policy row means track everything.
func (r *PolicyResolver) ShouldTrack(ctx context.Context, entity EntityRef, feature string) (bool, error) {
	policy, err := r.resolve(ctx, entity)
	if err != nil {
		return false, err
	}
	if policy == nil {
		return true, nil
	}
	return policy.Allows(feature), nil
}

// Multiplier returns the entity's usage multiplier; 1.0 when no policy exists
func (r *PolicyResolver) Multiplier(ctx context.Context, entity EntityRef) (float64, error) {
	policy, err := r.resolve(ctx, entity)
	if err != nil {
		return 0, err
	}
	if policy == nil {
		return 1.0, nil
	}
	return policy.Multiplier, nil
}

// Flush drops every cached resolution. Callers that create, update, or
// delete policy rows must call this afterwards; the cache is never
// invalidated automatically.
func (r *PolicyResolver) Flush(ctx context.Context) {
	r.cache.Flush(ctx)
}

func (r *PolicyResolver) resolve(ctx context.Context, entity EntityRef) (*TrackingPolicy, error) {
	if policy, ok := r.cache.Get(ctx, entity); ok {
		return policy, nil
	}

	policy, err := r.store.GetPolicy(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracking policy: %w", err)
	}

	r.cache.Put(ctx, entity, policy)
	return policy, nil
}
