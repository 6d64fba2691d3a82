// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"fmt"
	"time"

	"meterflow/metering/shared/logger"
)

// Service is the read-and-admin surface over the metering store: policy
// administration plus usage reporting. Tracking itself goes through Tracker;
// the service only mutates policy rows, and every policy mutation flushes
// the resolver cache so in-flight trackers observe the change.
type Service struct {
	repo     Repository
	resolver *PolicyResolver
	log      *logger.Logger
}

// NewService creates a metering service. The resolver must be the same one
// (or share the same cache as) the trackers consulting these policies,
// otherwise policy writes will not invalidate their cached resolutions.
func NewService(repo Repository, resolver *PolicyResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("meter-service")
	}
	return &Service{repo: repo, resolver: resolver, log: log}
}

// GetPolicy returns the entity's tracking policy
func (s *Service) GetPolicy(ctx context.Context, entity EntityRef) (*TrackingPolicy, error) {
	if entity.IsZero() {
		return nil, ErrMissingEntity
	}

	policy, err := s.repo.GetPolicy(ctx, entity)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, ErrPolicyNotFound
	}
	return policy, nil
}

// SavePolicy validates and upserts a tracking policy, then flushes cached
// resolutions
func (s *Service) SavePolicy(ctx context.Context, policy *TrackingPolicy) error {
	if policy.Mode == "" {
		policy.Mode = ModeAll
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	if err := s.repo.SavePolicy(ctx, policy); err != nil {
		return err
	}
	s.resolver.Flush(ctx)

	s.log.Info("tracking policy saved", map[string]interface{}{
		"entity_type":   policy.Entity.Type,
		"entity_id":     policy.Entity.ID,
		"tracking_mode": string(policy.Mode),
	})
	return nil
}

// DeletePolicy removes a tracking policy, then flushes cached resolutions
func (s *Service) DeletePolicy(ctx context.Context, entity EntityRef) error {
	if entity.IsZero() {
		return ErrMissingEntity
	}

	if err := s.repo.DeletePolicy(ctx, entity); err != nil {
		return err
	}
	s.resolver.Flush(ctx)

	s.log.Info("tracking policy deleted", map[string]interface{}{
		"entity_type": entity.Type,
		"entity_id":   entity.ID,
	})
	return nil
}

// FlushPolicies drops every cached policy resolution without touching rows
func (s *Service) FlushPolicies(ctx context.Context) {
	s.resolver.Flush(ctx)
}

// TotalCost returns the summed cost matching the options
func (s *Service) TotalCost(ctx context.Context, opts UsageQueryOptions) (float64, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return 0, err
	}
	return s.repo.TotalCost(ctx, opts)
}

// CostByFeature returns per-feature totals matching the options
func (s *Service) CostByFeature(ctx context.Context, opts UsageQueryOptions) ([]FeatureTotal, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}
	return s.repo.CostByFeature(ctx, opts)
}

// CostByDimension returns per-dimension totals matching the options.
// Breakdowns only exist on events, so the source is forced to events.
func (s *Service) CostByDimension(ctx context.Context, opts UsageQueryOptions) ([]DimensionTotal, error) {
	if opts.Source == "" {
		opts.Source = SourceEvents
	}
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}
	return s.repo.CostByDimension(ctx, opts)
}

// TopEntities returns the top-N entities by cost matching the options
func (s *Service) TopEntities(ctx context.Context, limit int, opts UsageQueryOptions) ([]EntityTotal, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}
	return s.repo.TopEntities(ctx, limit, opts)
}

// CostSeries returns a time-bucketed cost series matching the options.
// Sub-month buckets only exist on events, so those force the events source.
func (s *Service) CostSeries(ctx context.Context, bucket SeriesBucket, opts UsageQueryOptions) ([]SeriesPoint, error) {
	if opts.Source == "" && bucket != BucketMonth {
		opts.Source = SourceEvents
	}
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}
	return s.repo.CostSeries(ctx, bucket, opts)
}

// ListEvents lists raw usage events matching the options
func (s *Service) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListEvents(ctx, opts)
}

// ListRollups lists monthly rollups matching the options
func (s *Service) ListRollups(ctx context.Context, opts UsageQueryOptions) ([]UsageRollup, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRollups(ctx, opts)
}

// GetRollup returns one entity's rollup for the feature and the month
// containing at. A zero at means the current month.
func (s *Service) GetRollup(ctx context.Context, entity EntityRef, feature string, at time.Time) (*UsageRollup, error) {
	if entity.IsZero() {
		return nil, ErrMissingEntity
	}
	if feature == "" {
		return nil, ErrMissingFeature
	}
	if at.IsZero() {
		at = time.Now()
	}
	return s.repo.GetRollup(ctx, entity, feature, MonthStart(at))
}

// UsageReport bundles the headline numbers for one reporting window
type UsageReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	StartTime   time.Time      `json:"start_time,omitempty"`
	EndTime     time.Time      `json:"end_time,omitempty"`
	Source      QuerySource    `json:"source"`
	TotalCost   float64        `json:"total_cost"`
	ByFeature   []FeatureTotal `json:"by_feature"`
	TopEntities []EntityTotal  `json:"top_entities"`
}

// Report assembles a usage report over the options' window
func (s *Service) Report(ctx context.Context, opts UsageQueryOptions) (*UsageReport, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return nil, err
	}

	total, err := s.repo.TotalCost(ctx, opts)
	if err != nil {
		return nil, err
	}
	byFeature, err := s.repo.CostByFeature(ctx, opts)
	if err != nil {
		return nil, err
	}
	top, err := s.repo.TopEntities(ctx, 10, opts)
	if err != nil {
		return nil, err
	}

	source := opts.Source
	if source == "" {
		source = SourceRollups
	}

	return &UsageReport{
		GeneratedAt: time.Now().UTC(),
		StartTime:   opts.StartTime,
		EndTime:     opts.EndTime,
		Source:      source,
		TotalCost:   total,
		ByFeature:   byFeature,
		TopEntities: top,
	}, nil
}

// normalize validates the source and resolves a named period into an
// explicit start time. An explicit StartTime wins over Period.
func (s *Service) normalize(opts UsageQueryOptions) (UsageQueryOptions, error) {
	switch opts.Source {
	case "", SourceRollups, SourceEvents:
	default:
		return opts, ErrInvalidSource
	}

	if opts.Period != "" && opts.StartTime.IsZero() {
		start, err := periodStart(opts.Period, time.Now())
		if err != nil {
			return opts, err
		}
		opts.StartTime = start
	}

	return opts, nil
}

// periodStart maps a named period to its calendar start in UTC
func periodStart(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch period {
	case "day":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case "week":
		// Monday-anchored
		offset := (int(now.Weekday()) + 6) % 7
		day := now.AddDate(0, 0, -offset)
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), nil
	case "month":
		return MonthStart(now), nil
	default:
		return time.Time{}, fmt.Errorf("unknown period %q: %w", period, ErrInvalidInput)
	}
}
