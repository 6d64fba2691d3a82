// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import "errors"

var (
	// ErrMissingEntity is returned when a track request has no billable entity
	ErrMissingEntity = errors.New("missing billable entity")

	// ErrMissingFeature is returned when a track request has no feature name
	ErrMissingFeature = errors.New("missing feature name")

	// ErrDimensionNotConfigured is returned when a requested cost dimension
	// has no entry in the rate table
	ErrDimensionNotConfigured = errors.New("cost dimension not configured")

	// ErrUnknownUnit is returned when a dimension declares an unrecognized unit kind
	ErrUnknownUnit = errors.New("unknown cost unit")

	// ErrMissingActiveSelection is returned when a dimension uses an
	// instances/tiers map but no active key selects an entry
	ErrMissingActiveSelection = errors.New("missing active rate selection")

	// ErrNoRateConfigured is returned when a dimension has no usable rate parameter
	ErrNoRateConfigured = errors.New("no rate configured for dimension")

	// ErrPolicyNotFound is returned when no tracking policy exists for an entity
	ErrPolicyNotFound = errors.New("tracking policy not found")

	// ErrRollupNotFound is returned when no rollup row exists for the requested key
	ErrRollupNotFound = errors.New("usage rollup not found")

	// ErrInvalidSource is returned for an unrecognized query source
	ErrInvalidSource = errors.New("invalid query source: must be rollups or events")

	// ErrInvalidBucket is returned for an unrecognized series bucket
	ErrInvalidBucket = errors.New("invalid series bucket: must be day, week, or month")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)
