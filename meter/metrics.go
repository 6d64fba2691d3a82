// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Skip reasons reported by the tracked_skipped_total counter
const (
	SkipReasonDisabled    = "disabled"
	SkipReasonEnvironment = "environment"
	SkipReasonPolicy      = "policy"
)

// Failure stages reported by the tracking_failures_total counter
const (
	FailStageCalculate = "calculate"
	FailStagePersist   = "persist"
)

// TrackerMetrics holds the prometheus instruments for the tracking pipeline
type TrackerMetrics struct {
	tracked  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	failures *prometheus.CounterVec
	cost     prometheus.Counter
	duration prometheus.Histogram
}

// NewTrackerMetrics creates and registers the tracker instruments.
// A nil registerer uses the default prometheus registry.
func NewTrackerMetrics(reg prometheus.Registerer) *TrackerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &TrackerMetrics{
		tracked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_tracked_total",
				Help: "Tracked invocations recorded, by feature",
			},
			[]string{"feature"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_tracked_skipped_total",
				Help: "Invocations not recorded, by suppression reason",
			},
			[]string{"reason"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_tracking_failures_total",
				Help: "Tracking pipeline failures after the callback ran, by stage",
			},
			[]string{"stage"},
		),
		cost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meter_estimated_cost_usd_total",
				Help: "Cumulative estimated cost recorded, in USD",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meter_tracked_duration_ms",
				Help:    "Wall-clock duration of tracked callbacks in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}

	reg.MustRegister(m.tracked, m.skipped, m.failures, m.cost, m.duration)
	return m
}

func (m *TrackerMetrics) recordTracked(feature string, elapsedMs, cost float64) {
	if m == nil {
		return
	}
	m.tracked.WithLabelValues(feature).Inc()
	m.cost.Add(cost)
	m.duration.Observe(elapsedMs)
}

func (m *TrackerMetrics) recordSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *TrackerMetrics) recordFailure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}
