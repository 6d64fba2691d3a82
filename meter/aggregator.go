// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"fmt"
	"time"
)

// Aggregator folds tracked invocations into the monthly rollup row for
// their (entity, feature). All mutation goes through the store's atomic
// upsert, so concurrent increments for the same key never lose updates.
type Aggregator struct {
	store RollupStore
	now   func() time.Time
}

// NewAggregator creates an aggregator over the given rollup store
func NewAggregator(store RollupStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Increment adds one invocation's execution time and cost to the rollup for
// the current calendar month, creating the row if needed
func (a *Aggregator) Increment(ctx context.Context, entity EntityRef, feature string, executionMs, cost float64) error {
	now := a.now().UTC()

	rollup := &UsageRollup{
		Entity:      entity,
		Feature:     feature,
		PeriodStart: MonthStart(now),
		TotalMs:     executionMs,
		TotalCost:   cost,
		EventCount:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := a.store.UpsertRollup(ctx, rollup); err != nil {
		return fmt.Errorf("failed to increment usage rollup: %w", err)
	}
	return nil
}
