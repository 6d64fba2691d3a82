// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAggregatorIncrement(t *testing.T) {
	repo := NewMockRepository()
	agg := NewAggregator(repo)
	fixed := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	entity := EntityRef{Type: "org", ID: "org-1"}
	if err := agg.Increment(context.Background(), entity, "merge", 1200, 0.002); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	rollup := repo.Rollup(entity, "merge", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if rollup == nil {
		t.Fatal("Expected rollup row for the current month")
	}
	if rollup.TotalMs != 1200 || rollup.TotalCost != 0.002 || rollup.EventCount != 1 {
		t.Errorf("Unexpected rollup seed: %+v", rollup)
	}
}

func TestAggregatorAccumulates(t *testing.T) {
	repo := NewMockRepository()
	agg := NewAggregator(repo)
	fixed := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	entity := EntityRef{Type: "org", ID: "org-1"}
	ctx := context.Background()
	_ = agg.Increment(ctx, entity, "merge", 1000, 0.001)
	_ = agg.Increment(ctx, entity, "merge", 500, 0.003)

	rollup := repo.Rollup(entity, "merge", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if rollup == nil {
		t.Fatal("Expected rollup row")
	}
	if rollup.TotalMs != 1500 {
		t.Errorf("Expected total ms 1500, got %v", rollup.TotalMs)
	}
	if !almostEqual(rollup.TotalCost, 0.004) {
		t.Errorf("Expected total cost 0.004, got %v", rollup.TotalCost)
	}
	if rollup.EventCount != 2 {
		t.Errorf("Expected event count 2, got %d", rollup.EventCount)
	}
}

func TestAggregatorSeparatesFeaturesAndMonths(t *testing.T) {
	repo := NewMockRepository()
	agg := NewAggregator(repo)

	entity := EntityRef{Type: "org", ID: "org-1"}
	ctx := context.Background()

	agg.now = func() time.Time { return time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC) }
	_ = agg.Increment(ctx, entity, "merge", 100, 0.001)
	_ = agg.Increment(ctx, entity, "export", 100, 0.001)

	// Crossing a month boundary starts a fresh row
	agg.now = func() time.Time { return time.Date(2025, 7, 1, 0, 1, 0, 0, time.UTC) }
	_ = agg.Increment(ctx, entity, "merge", 100, 0.001)

	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	july := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	if r := repo.Rollup(entity, "merge", june); r == nil || r.EventCount != 1 {
		t.Errorf("Expected one June merge event, got %+v", r)
	}
	if r := repo.Rollup(entity, "export", june); r == nil || r.EventCount != 1 {
		t.Errorf("Expected one June export event, got %+v", r)
	}
	if r := repo.Rollup(entity, "merge", july); r == nil || r.EventCount != 1 {
		t.Errorf("Expected one July merge event, got %+v", r)
	}
}

func TestAggregatorPropagatesStoreError(t *testing.T) {
	repo := NewMockRepository()
	repo.upsertErr = errors.New("deadlock detected")
	agg := NewAggregator(repo)

	err := agg.Increment(context.Background(), EntityRef{Type: "org", ID: "org-1"}, "merge", 100, 0.001)
	if err == nil {
		t.Fatal("Expected store error to propagate")
	}
}

func TestMonthStart(t *testing.T) {
	in := time.Date(2025, 6, 15, 22, 45, 12, 0, time.FixedZone("IST", 5*3600+1800))
	got := MonthStart(in)
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("MonthStart = %v, want %v", got, want)
	}
}
