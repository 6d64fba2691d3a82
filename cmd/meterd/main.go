// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the meterd service.
//
// meterd exposes the metering admin and reporting APIs: tracking policy
// CRUD, usage totals, per-feature and per-dimension breakdowns, entity
// leaderboards, time series, and raw event listings.
//
// Usage:
//
//	./meterd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	ENVIRONMENT - deployment environment name (default: development)
//	DATABASE_DRIVER - postgres or mysql (default: postgres)
//	DATABASE_URL - database connection string
//	REDIS_URL - optional Redis URL for the shared policy cache
//	METERING_CONFIG - path to the metering YAML config (default: metering.yaml)
package main

import (
	"meterflow/metering/meter"
)

func main() {
	meter.Run()
}
