// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockRepository implements Repository interface for testing
type MockRepository struct {
	mu sync.RWMutex

	// Storage
	policies map[EntityRef]*TrackingPolicy
	events   []UsageEvent
	rollups  map[rollupKey]*UsageRollup

	// Call counters
	getPolicyCalls int

	// Error injection
	getPolicyErr error
	saveEventErr error
	upsertErr    error
	pingErr      error
}

type rollupKey struct {
	entity      EntityRef
	feature     string
	periodStart time.Time
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		policies: make(map[EntityRef]*TrackingPolicy),
		rollups:  make(map[rollupKey]*UsageRollup),
	}
}

func (m *MockRepository) GetPolicy(ctx context.Context, entity EntityRef) (*TrackingPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getPolicyCalls++
	if m.getPolicyErr != nil {
		return nil, m.getPolicyErr
	}
	if policy, ok := m.policies[entity]; ok {
		copied := *policy
		return &copied, nil
	}
	return nil, nil
}

func (m *MockRepository) SavePolicy(ctx context.Context, policy *TrackingPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.policies[policy.Entity]; ok {
		policy.ID = existing.ID
	} else {
		policy.ID = int64(len(m.policies) + 1)
	}
	copied := *policy
	m.policies[policy.Entity] = &copied
	return nil
}

func (m *MockRepository) DeletePolicy(ctx context.Context, entity EntityRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[entity]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, entity)
	return nil
}

func (m *MockRepository) SaveEvent(ctx context.Context, event *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveEventErr != nil {
		return m.saveEventErr
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *MockRepository) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []UsageEvent
	for _, e := range m.events {
		if !m.matchesEvent(e, opts) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)

	offset := opts.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	return matched, total, nil
}

func (m *MockRepository) UpsertRollup(ctx context.Context, rollup *UsageRollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return m.upsertErr
	}

	key := rollupKey{entity: rollup.Entity, feature: rollup.Feature, periodStart: rollup.PeriodStart}
	if existing, ok := m.rollups[key]; ok {
		existing.TotalMs += rollup.TotalMs
		existing.TotalCost += rollup.TotalCost
		existing.EventCount += rollup.EventCount
		existing.UpdatedAt = rollup.UpdatedAt
		rollup.ID = existing.ID
		return nil
	}

	rollup.ID = int64(len(m.rollups) + 1)
	copied := *rollup
	m.rollups[key] = &copied
	return nil
}

func (m *MockRepository) GetRollup(ctx context.Context, entity EntityRef, feature string, periodStart time.Time) (*UsageRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := rollupKey{entity: entity, feature: feature, periodStart: periodStart}
	if rollup, ok := m.rollups[key]; ok {
		copied := *rollup
		return &copied, nil
	}
	return nil, ErrRollupNotFound
}

func (m *MockRepository) ListRollups(ctx context.Context, opts UsageQueryOptions) ([]UsageRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []UsageRollup
	for _, r := range m.rollups {
		if !m.matchesRollup(*r, opts) {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PeriodStart.Equal(result[j].PeriodStart) {
			return result[i].PeriodStart.Before(result[j].PeriodStart)
		}
		return result[i].Feature < result[j].Feature
	})
	return result, nil
}

func (m *MockRepository) TotalCost(ctx context.Context, opts UsageQueryOptions) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	if opts.Source == SourceEvents {
		for _, e := range m.events {
			if m.matchesEvent(e, opts) {
				total += e.TotalCost
			}
		}
		return total, nil
	}
	for _, r := range m.rollups {
		if m.matchesRollup(*r, opts) {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (m *MockRepository) CostByFeature(ctx context.Context, opts UsageQueryOptions) ([]FeatureTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byFeature := make(map[string]*FeatureTotal)
	if opts.Source == SourceEvents {
		for _, e := range m.events {
			if !m.matchesEvent(e, opts) {
				continue
			}
			t := byFeature[e.Feature]
			if t == nil {
				t = &FeatureTotal{Feature: e.Feature}
				byFeature[e.Feature] = t
			}
			t.TotalCost += e.TotalCost
			t.TotalMs += e.ExecutionMs
			t.EventCount++
		}
	} else {
		for _, r := range m.rollups {
			if !m.matchesRollup(*r, opts) {
				continue
			}
			t := byFeature[r.Feature]
			if t == nil {
				t = &FeatureTotal{Feature: r.Feature}
				byFeature[r.Feature] = t
			}
			t.TotalCost += r.TotalCost
			t.TotalMs += r.TotalMs
			t.EventCount += r.EventCount
		}
	}

	result := make([]FeatureTotal, 0, len(byFeature))
	for _, t := range byFeature {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TotalCost > result[j].TotalCost
	})
	return result, nil
}

func (m *MockRepository) CostByDimension(ctx context.Context, opts UsageQueryOptions) ([]DimensionTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if opts.Source == SourceRollups {
		return nil, ErrInvalidSource
	}

	totals := make(map[string]*DimensionTotal)
	for _, e := range m.events {
		if !m.matchesEvent(e, opts) {
			continue
		}
		for name, cost := range e.Breakdown {
			t := totals[name]
			if t == nil {
				t = &DimensionTotal{Dimension: name}
				totals[name] = t
			}
			t.TotalCost += cost.Cost
			t.Quantity += cost.Quantity
			t.Ms += cost.Ms
		}
	}
	return sortDimensionTotals(totals), nil
}

func (m *MockRepository) TopEntities(ctx context.Context, limit int, opts UsageQueryOptions) ([]EntityTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byEntity := make(map[EntityRef]*EntityTotal)
	for _, r := range m.rollups {
		if !m.matchesRollup(*r, opts) {
			continue
		}
		t := byEntity[r.Entity]
		if t == nil {
			t = &EntityTotal{Entity: r.Entity}
			byEntity[r.Entity] = t
		}
		t.TotalCost += r.TotalCost
		t.TotalMs += r.TotalMs
		t.EventCount += r.EventCount
	}

	result := make([]EntityTotal, 0, len(byEntity))
	for _, t := range byEntity {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TotalCost > result[j].TotalCost
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockRepository) CostSeries(ctx context.Context, bucket SeriesBucket, opts UsageQueryOptions) ([]SeriesPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := make(map[time.Time]*SeriesPoint)
	if opts.Source == SourceEvents || bucket != BucketMonth {
		for _, e := range m.events {
			if !m.matchesEvent(e, opts) {
				continue
			}
			start := bucketStart(bucket, e.CreatedAt)
			p := points[start]
			if p == nil {
				p = &SeriesPoint{BucketStart: start}
				points[start] = p
			}
			p.TotalCost += e.TotalCost
			p.TotalMs += e.ExecutionMs
			p.EventCount++
		}
	} else {
		for _, r := range m.rollups {
			if !m.matchesRollup(*r, opts) {
				continue
			}
			p := points[r.PeriodStart]
			if p == nil {
				p = &SeriesPoint{BucketStart: r.PeriodStart}
				points[r.PeriodStart] = p
			}
			p.TotalCost += r.TotalCost
			p.TotalMs += r.TotalMs
			p.EventCount += r.EventCount
		}
	}

	result := make([]SeriesPoint, 0, len(points))
	for _, p := range points {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart.Before(result[j].BucketStart)
	})
	return result, nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return m.pingErr
}

// Test helpers

func (m *MockRepository) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MockRepository) Rollup(entity EntityRef, feature string, periodStart time.Time) *UsageRollup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.rollups[rollupKey{entity: entity, feature: feature, periodStart: periodStart}]; ok {
		copied := *r
		return &copied
	}
	return nil
}

func (m *MockRepository) GetPolicyCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPolicyCalls
}

func (m *MockRepository) matchesEvent(e UsageEvent, opts UsageQueryOptions) bool {
	if opts.EntityType != "" && e.Entity.Type != opts.EntityType {
		return false
	}
	if opts.EntityID != "" && e.Entity.ID != opts.EntityID {
		return false
	}
	if len(opts.Features) > 0 && !containsString(opts.Features, e.Feature) {
		return false
	}
	if !opts.StartTime.IsZero() && e.CreatedAt.Before(opts.StartTime) {
		return false
	}
	if !opts.EndTime.IsZero() && !e.CreatedAt.Before(opts.EndTime) {
		return false
	}
	return true
}

func (m *MockRepository) matchesRollup(r UsageRollup, opts UsageQueryOptions) bool {
	if opts.EntityType != "" && r.Entity.Type != opts.EntityType {
		return false
	}
	if opts.EntityID != "" && r.Entity.ID != opts.EntityID {
		return false
	}
	if len(opts.Features) > 0 && !containsString(opts.Features, r.Feature) {
		return false
	}
	if !opts.StartTime.IsZero() && r.PeriodStart.Before(opts.StartTime) {
		return false
	}
	if !opts.EndTime.IsZero() && !r.PeriodStart.Before(opts.EndTime) {
		return false
	}
	return true
}

func bucketStart(bucket SeriesBucket, t time.Time) time.Time {
	t = t.UTC()
	switch bucket {
	case BucketWeek:
		offset := (int(t.Weekday()) + 6) % 7
		day := t.AddDate(0, 0, -offset)
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	case BucketMonth:
		return MonthStart(t)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
