// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"fmt"
	"strings"
)

// UnitKind is the closed set of cost-unit semantics a dimension can declare
type UnitKind string

const (
	UnitTime        UnitKind = "time"
	UnitCount       UnitKind = "count"
	UnitFlatMonthly UnitKind = "flat_monthly"
)

// defaultUnitsPerMonth amortizes flat monthly rates when the config supplies
// no estimate of its own
const defaultUnitsPerMonth = 1_000_000

// CostModel is the config-derived rate table consumed by the calculator
type CostModel struct {
	dimensions map[string]DimensionConfig
}

// NewCostModel builds a cost model from the configured rate table
func NewCostModel(costs map[string]DimensionConfig) *CostModel {
	dims := make(map[string]DimensionConfig, len(costs))
	for name, cfg := range costs {
		dims[name] = cfg
	}
	return &CostModel{dimensions: dims}
}

// Dimension looks up one dimension's config by name
func (m *CostModel) Dimension(name string) (DimensionConfig, bool) {
	d, ok := m.dimensions[name]
	return d, ok
}

// Kind returns the dimension's declared unit kind
func (d DimensionConfig) Kind() UnitKind {
	return UnitKind(d.Unit)
}

// timeRate resolves a time dimension's per-second rate: either a flat
// per_second value or an entry of the instances map selected by active
func (d DimensionConfig) timeRate() (float64, error) {
	if instances, ok := d.mapParam("instances"); ok {
		active, ok := d.stringParam("active")
		if !ok {
			return 0, ErrMissingActiveSelection
		}
		rate, ok := instances[active]
		if !ok {
			return 0, fmt.Errorf("instance %q: %w", active, ErrMissingActiveSelection)
		}
		return rate, nil
	}
	if rate, ok := d.floatParam("per_second"); ok {
		return rate, nil
	}
	return 0, ErrNoRateConfigured
}

// countRate resolves a count dimension's rate: the first numeric per_* key
// in declared order. The boolean result reports whether the key carries a
// per-1000 marker, in which case quantities are divided by 1000.
func (d DimensionConfig) countRate() (rate float64, perThousand bool, err error) {
	for _, p := range d.params {
		if !strings.HasPrefix(p.Key, "per_") {
			continue
		}
		rate, ok := asFloat(p.Value)
		if !ok {
			continue
		}
		return rate, strings.HasPrefix(p.Key, "per_1k"), nil
	}
	return 0, false, ErrNoRateConfigured
}

// monthlyRate resolves a flat-monthly dimension's per-unit cost: a flat
// monthly value or a tiers entry selected by active, amortized over the
// configured (or default) estimated units per month
func (d DimensionConfig) monthlyRate() (float64, error) {
	var monthly float64
	if tiers, ok := d.mapParam("tiers"); ok {
		active, ok := d.stringParam("active")
		if !ok {
			return 0, ErrMissingActiveSelection
		}
		rate, ok := tiers[active]
		if !ok {
			return 0, fmt.Errorf("tier %q: %w", active, ErrMissingActiveSelection)
		}
		monthly = rate
	} else if rate, ok := d.floatParam("monthly"); ok {
		monthly = rate
	} else {
		return 0, ErrNoRateConfigured
	}

	units, ok := d.floatParam("estimated_units_per_month")
	if !ok || units <= 0 {
		units = defaultUnitsPerMonth
	}
	return monthly / units, nil
}
