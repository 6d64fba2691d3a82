// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package meter provides per-entity usage metering with cost estimation.
//
// Callers wrap a unit of work with a billable entity and a feature name;
// the tracker measures execution time, estimates infrastructure cost across
// the configured cost dimensions, and durably records both a granular usage
// event and a monthly rollup. Whether a given (entity, feature) invocation
// is recorded is decided by a per-entity tracking policy, resolved through
// a flushable cache.
//
// The package is storage-agnostic at its core: persistence goes through the
// Repository interface, with PostgreSQL and MySQL implementations included.
// Rollups are mutated only via a single atomic increment-upsert, so any
// number of concurrent trackers can safely write the same monthly row.
package meter
