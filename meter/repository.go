// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"time"
)

// Repository defines the interface for metering data persistence
type Repository interface {
	// Policy operations
	GetPolicy(ctx context.Context, entity EntityRef) (*TrackingPolicy, error)
	SavePolicy(ctx context.Context, policy *TrackingPolicy) error
	DeletePolicy(ctx context.Context, entity EntityRef) error

	// Event operations; usage_events is append-only
	SaveEvent(ctx context.Context, event *UsageEvent) error
	ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error)

	// Rollup operations. UpsertRollup must be a single atomic
	// increment-or-insert statement keyed by (entity, feature, period_start):
	// on insert the row is seeded with the given totals, on conflict the
	// totals and event count are added to the existing row. Never implement
	// it as a read followed by a write.
	UpsertRollup(ctx context.Context, rollup *UsageRollup) error
	GetRollup(ctx context.Context, entity EntityRef, feature string, periodStart time.Time) (*UsageRollup, error)
	ListRollups(ctx context.Context, opts UsageQueryOptions) ([]UsageRollup, error)

	// Read-side aggregation
	TotalCost(ctx context.Context, opts UsageQueryOptions) (float64, error)
	CostByFeature(ctx context.Context, opts UsageQueryOptions) ([]FeatureTotal, error)
	CostByDimension(ctx context.Context, opts UsageQueryOptions) ([]DimensionTotal, error)
	TopEntities(ctx context.Context, limit int, opts UsageQueryOptions) ([]EntityTotal, error)
	CostSeries(ctx context.Context, bucket SeriesBucket, opts UsageQueryOptions) ([]SeriesPoint, error)

	// Utility
	Ping(ctx context.Context) error
}

// RollupStore is the slice of the repository the aggregator depends on
type RollupStore interface {
	UpsertRollup(ctx context.Context, rollup *UsageRollup) error
}
