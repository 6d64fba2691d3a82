// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meterflow/metering/shared/logger"
)

// Tracker is the entry point of the metering pipeline. One tracker is safe
// for concurrent use: each Track call carries its own request, and the only
// shared mutable state is the rollup row, protected by the store's atomic
// upsert.
type Tracker struct {
	cfg         *Config
	environment string
	calc        *Calculator
	policies    *PolicyResolver
	repo        Repository
	agg         *Aggregator
	log         *logger.Logger
	metrics     *TrackerMetrics
}

// NewTracker creates a tracker for the given deployment environment.
// The resolver may be nil, in which case policies are resolved through the
// repository with a process-scoped in-memory cache.
func NewTracker(cfg *Config, environment string, repo Repository, resolver *PolicyResolver) *Tracker {
	return NewTrackerWithOptions(cfg, environment, repo, resolver, nil, nil)
}

// NewTrackerWithOptions creates a tracker with a custom logger and metrics.
// Either may be nil: a nil logger defaults to the meter component logger and
// nil metrics disables instrumentation.
func NewTrackerWithOptions(cfg *Config, environment string, repo Repository, resolver *PolicyResolver, log *logger.Logger, metrics *TrackerMetrics) *Tracker {
	if resolver == nil {
		resolver = NewPolicyResolver(repo, nil)
	}
	if log == nil {
		log = logger.New("meter")
	}
	return &Tracker{
		cfg:         cfg,
		environment: environment,
		calc:        NewCalculator(NewCostModel(cfg.Costs)),
		policies:    resolver,
		repo:        repo,
		agg:         NewAggregator(repo),
		log:         log,
		metrics:     metrics,
	}
}

// Policies returns the tracker's policy resolver, so hosts that mutate
// policy rows outside the HTTP layer can honor the flush contract
func (t *Tracker) Policies() *PolicyResolver {
	return t.policies
}

// Track times fn and records a usage event and rollup increment for the
// requested (entity, feature), returning fn's result unchanged.
//
// The callback always runs exactly once and its result and error pass
// through untouched; when tracking is suppressed (master switch, environment
// gate, or policy) the call has no side effects beyond running fn. A failed
// callback is never recorded. When cost calculation or persistence fails
// after a successful callback, the result is returned together with the
// pipeline error.
func Track[T any](ctx context.Context, t *Tracker, req TrackRequest, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if req.Entity.IsZero() {
		return zero, ErrMissingEntity
	}
	if req.Feature == "" {
		return zero, ErrMissingFeature
	}

	enabled, err := t.shouldRecord(ctx, req)
	if err != nil {
		return zero, err
	}
	if !enabled {
		return fn(ctx)
	}

	start := time.Now()
	result, err := fn(ctx)
	if err != nil {
		// Failed work is not billed
		return result, err
	}
	elapsedMs := time.Since(start).Seconds() * 1000.0
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	if err := t.record(ctx, req, elapsedMs); err != nil {
		return result, err
	}
	return result, nil
}

// Track is the non-generic form for callbacks without a result value
func (t *Tracker) Track(ctx context.Context, req TrackRequest, fn func(context.Context) error) error {
	_, err := Track(ctx, t, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// shouldRecord applies the three suppression gates in order: master switch,
// environment, policy. Force bypasses only the policy gate.
func (t *Tracker) shouldRecord(ctx context.Context, req TrackRequest) (bool, error) {
	if !t.cfg.Enabled {
		t.metrics.recordSkipped(SkipReasonDisabled)
		return false, nil
	}
	if !t.cfg.EnvironmentAllowed(t.environment) {
		t.metrics.recordSkipped(SkipReasonEnvironment)
		return false, nil
	}
	if req.Force {
		return true, nil
	}

	ok, err := t.policies.ShouldTrack(ctx, req.Entity, req.Feature)
	if err != nil {
		return false, err
	}
	if !ok {
		t.metrics.recordSkipped(SkipReasonPolicy)
	}
	return ok, nil
}

// record runs the post-callback pipeline: cost calculation, optional event
// row, rollup increment
func (t *Tracker) record(ctx context.Context, req TrackRequest, elapsedMs float64) error {
	dimensions := req.Dimensions
	if len(dimensions) == 0 {
		dimensions = map[string]DimensionParams{t.cfg.DefaultDimension: {}}
	}

	multiplier, err := t.policies.Multiplier(ctx, req.Entity)
	if err != nil {
		return err
	}

	cost, err := t.calc.Calculate(elapsedMs, dimensions, multiplier)
	if err != nil {
		t.metrics.recordFailure(FailStageCalculate)
		t.log.ErrorWithErr("usage cost calculation failed", err, map[string]interface{}{
			"entity_type": req.Entity.Type,
			"entity_id":   req.Entity.ID,
			"feature":     req.Feature,
		})
		return err
	}

	if t.cfg.LogEvents {
		event := &UsageEvent{
			ID:          uuid.NewString(),
			Entity:      req.Entity,
			Feature:     req.Feature,
			ExecutionMs: elapsedMs,
			TotalCost:   cost.TotalCost,
			Breakdown:   cost.PerDimension,
			Metadata:    req.Metadata,
			CreatedAt:   time.Now().UTC(),
		}
		if err := t.repo.SaveEvent(ctx, event); err != nil {
			t.metrics.recordFailure(FailStagePersist)
			return fmt.Errorf("failed to save usage event: %w", err)
		}
	}

	if err := t.agg.Increment(ctx, req.Entity, req.Feature, elapsedMs, cost.TotalCost); err != nil {
		t.metrics.recordFailure(FailStagePersist)
		return err
	}

	t.metrics.recordTracked(req.Feature, elapsedMs, cost.TotalCost)
	t.log.InfoWithDuration("usage tracked", elapsedMs, map[string]interface{}{
		"entity_type": req.Entity.Type,
		"entity_id":   req.Entity.ID,
		"feature":     req.Feature,
		"cost_usd":    cost.TotalCost,
	})
	return nil
}
