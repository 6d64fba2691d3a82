// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"time"
)

// TrackingMode controls which features of an entity are recorded
type TrackingMode string

const (
	ModeAll       TrackingMode = "all"
	ModeNone      TrackingMode = "none"
	ModeAllowlist TrackingMode = "allowlist"
	ModeDenylist  TrackingMode = "denylist"
)

// QuerySource selects which table a usage query reads from
type QuerySource string

const (
	SourceRollups QuerySource = "rollups"
	SourceEvents  QuerySource = "events"
)

// SeriesBucket is the granularity of a time-bucketed usage series
type SeriesBucket string

const (
	BucketDay   SeriesBucket = "day"
	BucketWeek  SeriesBucket = "week"
	BucketMonth SeriesBucket = "month"
)

// EntityRef is the polymorphic identity of a billable entity.
// The metering layer never inspects the entity itself; it only keys
// policies, events, and rollups by (type, id).
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

// IsZero reports whether the reference is unset
func (e EntityRef) IsZero() bool {
	return e.Type == "" || e.ID == ""
}

// TrackingPolicy configures whether and how one entity's usage is recorded.
// At most one policy exists per entity identity; absence of a policy means
// mode=all with multiplier 1.0.
type TrackingPolicy struct {
	ID         int64        `json:"id,omitempty"`
	Entity     EntityRef    `json:"entity"`
	Mode       TrackingMode `json:"tracking_mode"`
	Features   []string     `json:"tracking_features,omitempty"`
	Multiplier float64      `json:"usage_multiplier"`
	CreatedAt  time.Time    `json:"created_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}

// Allows reports whether the policy mode admits the given feature.
// Feature membership only matters for allowlist/denylist modes.
func (p *TrackingPolicy) Allows(feature string) bool {
	switch p.Mode {
	case ModeAll:
		return true
	case ModeNone:
		return false
	case ModeAllowlist:
		return p.hasFeature(feature)
	case ModeDenylist:
		return !p.hasFeature(feature)
	default:
		// Unrecognized mode behaves like no policy
		return true
	}
}

func (p *TrackingPolicy) hasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Validate validates the policy configuration
func (p *TrackingPolicy) Validate() error {
	if p.Entity.IsZero() {
		return ErrMissingEntity
	}
	switch p.Mode {
	case ModeAll, ModeNone, ModeAllowlist, ModeDenylist:
	default:
		return ErrInvalidInput
	}
	if p.Multiplier < 0 {
		// Zero disables cost without disabling tracking; negative is rejected
		// at the configuration surface even though the calculator accepts it.
		return ErrInvalidInput
	}
	return nil
}

// DimensionParams carries the caller-supplied measurement for one requested
// cost dimension. Quantity is ignored by time dimensions.
type DimensionParams struct {
	Quantity float64 `json:"quantity,omitempty"`
}

// DimensionCost is the per-dimension slice of a computed cost breakdown
type DimensionCost struct {
	Ms       float64 `json:"ms,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Cost     float64 `json:"cost"`
}

// CostResult is the output of a cost calculation. PerDimension carries the
// unscaled per-dimension costs; TotalCost includes the policy multiplier.
type CostResult struct {
	PerDimension map[string]DimensionCost `json:"per_dimension"`
	TotalCost    float64                  `json:"total_cost"`
}

// UsageEvent is an immutable fact recording one tracked invocation
type UsageEvent struct {
	ID          string                   `json:"id"`
	Entity      EntityRef                `json:"entity"`
	Feature     string                   `json:"feature"`
	ExecutionMs float64                  `json:"execution_ms"`
	TotalCost   float64                  `json:"total_cost"`
	Breakdown   map[string]DimensionCost `json:"breakdown"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

// UsageRollup is the monthly running aggregate for one (entity, feature).
// Rows are mutated only through Repository.UpsertRollup.
type UsageRollup struct {
	ID          int64     `json:"id,omitempty"`
	Entity      EntityRef `json:"entity"`
	Feature     string    `json:"feature"`
	PeriodStart time.Time `json:"period_start"`
	TotalMs     float64   `json:"total_ms"`
	TotalCost   float64   `json:"total_cost"`
	EventCount  int64     `json:"event_count"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// TrackRequest describes one invocation to be metered. It is assembled by
// the caller and passed to Track; the tracker never mutates it, so a request
// value can be reused or built fresh per call.
type TrackRequest struct {
	Entity     EntityRef
	Feature    string
	Dimensions map[string]DimensionParams
	Metadata   map[string]string

	// Force bypasses the policy decision, but not the master switch or the
	// environment gate.
	Force bool
}

// UsageQueryOptions filters read-side usage queries
type UsageQueryOptions struct {
	EntityType string      `json:"entity_type,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	Features   []string    `json:"features,omitempty"`
	StartTime  time.Time   `json:"start_time,omitempty"`
	EndTime    time.Time   `json:"end_time,omitempty"`
	Period     string      `json:"period,omitempty"` // day, week, month
	Source     QuerySource `json:"source,omitempty"` // defaults to rollups
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// FeatureTotal is one row of a per-feature cost aggregation
type FeatureTotal struct {
	Feature    string  `json:"feature"`
	TotalCost  float64 `json:"total_cost"`
	TotalMs    float64 `json:"total_ms"`
	EventCount int64   `json:"event_count"`
}

// DimensionTotal is one row of a per-dimension cost aggregation.
// Only the events source retains per-dimension breakdowns.
type DimensionTotal struct {
	Dimension string  `json:"dimension"`
	TotalCost float64 `json:"total_cost"`
	Quantity  float64 `json:"quantity"`
	Ms        float64 `json:"ms"`
}

// EntityTotal is one row of the per-entity cost leaderboard
type EntityTotal struct {
	Entity     EntityRef `json:"entity"`
	TotalCost  float64   `json:"total_cost"`
	TotalMs    float64   `json:"total_ms"`
	EventCount int64     `json:"event_count"`
}

// SeriesPoint is one bucket of a time-bucketed usage series
type SeriesPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	TotalCost   float64   `json:"total_cost"`
	TotalMs     float64   `json:"total_ms"`
	EventCount  int64     `json:"event_count"`
}

// MonthStart returns the first day of t's calendar month in UTC
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
