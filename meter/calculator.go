// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"fmt"
)

// Calculator turns elapsed time and requested dimension quantities into a
// dollar estimate using the configured cost model
type Calculator struct {
	model *CostModel
}

// NewCalculator creates a calculator over the given cost model
func NewCalculator(model *CostModel) *Calculator {
	return &Calculator{model: model}
}

// Calculate computes a per-dimension cost breakdown and a total for one
// tracked invocation.
//
// Every requested dimension must exist in the rate table; an unknown
// dimension aborts the whole calculation with ErrDimensionNotConfigured.
// Per-dimension costs in the result are unscaled; the multiplier is applied
// to the total only. The multiplier is not validated: zero legitimately
// scales free-tier entities to zero cost.
func (c *Calculator) Calculate(executionMs float64, dimensions map[string]DimensionParams, multiplier float64) (*CostResult, error) {
	result := &CostResult{
		PerDimension: make(map[string]DimensionCost, len(dimensions)),
	}

	var sum float64
	for name, params := range dimensions {
		cfg, ok := c.model.Dimension(name)
		if !ok {
			return nil, fmt.Errorf("dimension %q: %w", name, ErrDimensionNotConfigured)
		}

		breakdown, err := c.costDimension(cfg, executionMs, params)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", name, err)
		}

		result.PerDimension[name] = breakdown
		sum += breakdown.Cost
	}

	result.TotalCost = sum * multiplier
	return result, nil
}

func (c *Calculator) costDimension(cfg DimensionConfig, executionMs float64, params DimensionParams) (DimensionCost, error) {
	switch cfg.Kind() {
	case UnitTime:
		return c.costTime(cfg, executionMs)
	case UnitCount:
		return c.costCount(cfg, params.Quantity)
	case UnitFlatMonthly:
		return c.costFlatMonthly(cfg, executionMs, params.Quantity)
	default:
		return DimensionCost{}, fmt.Errorf("unit %q: %w", cfg.Unit, ErrUnknownUnit)
	}
}

// costTime charges elapsed wall-clock time at a per-second rate
func (c *Calculator) costTime(cfg DimensionConfig, executionMs float64) (DimensionCost, error) {
	rate, err := cfg.timeRate()
	if err != nil {
		return DimensionCost{}, err
	}
	return DimensionCost{
		Ms:   executionMs,
		Cost: executionMs / 1000.0 * rate,
	}, nil
}

// costCount charges a caller-measured quantity at a per-unit (or per-1000)
// rate. A missing quantity charges zero.
func (c *Calculator) costCount(cfg DimensionConfig, quantity float64) (DimensionCost, error) {
	rate, perThousand, err := cfg.countRate()
	if err != nil {
		return DimensionCost{}, err
	}
	units := quantity
	if perThousand {
		units = quantity / 1000.0
	}
	return DimensionCost{
		Quantity: quantity,
		Cost:     units * rate,
	}, nil
}

// costFlatMonthly charges a quantity against a monthly rate amortized over
// the estimated units consumed per month
func (c *Calculator) costFlatMonthly(cfg DimensionConfig, executionMs, quantity float64) (DimensionCost, error) {
	perUnit, err := cfg.monthlyRate()
	if err != nil {
		return DimensionCost{}, err
	}
	return DimensionCost{
		Ms:       executionMs,
		Quantity: quantity,
		Cost:     quantity * perUnit,
	}, nil
}
