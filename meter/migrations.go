// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"database/sql"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tracking_policies (
		id BIGSERIAL PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		tracking_mode TEXT NOT NULL DEFAULT 'all',
		tracking_features JSONB NOT NULL DEFAULT '[]',
		usage_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		feature TEXT NOT NULL,
		execution_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		breakdown JSONB NOT NULL DEFAULT '{}',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_entity
		ON usage_events (entity_type, entity_id, feature)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_created_at
		ON usage_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_rollups (
		id BIGSERIAL PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		feature TEXT NOT NULL,
		period_start DATE NOT NULL,
		total_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		event_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (entity_type, entity_id, feature, period_start)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tracking_policies (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		entity_type VARCHAR(64) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		tracking_mode VARCHAR(16) NOT NULL DEFAULT 'all',
		tracking_features JSON NOT NULL,
		usage_multiplier DOUBLE NOT NULL DEFAULT 1.0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_policy_entity (entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id VARCHAR(36) PRIMARY KEY,
		entity_type VARCHAR(64) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		feature VARCHAR(128) NOT NULL,
		execution_ms DOUBLE NOT NULL DEFAULT 0,
		total_cost DOUBLE NOT NULL DEFAULT 0,
		breakdown JSON NOT NULL,
		metadata JSON,
		created_at DATETIME(6) NOT NULL,
		KEY idx_usage_events_entity (entity_type, entity_id, feature),
		KEY idx_usage_events_created_at (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_rollups (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		entity_type VARCHAR(64) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		feature VARCHAR(128) NOT NULL,
		period_start DATE NOT NULL,
		total_ms DOUBLE NOT NULL DEFAULT 0,
		total_cost DOUBLE NOT NULL DEFAULT 0,
		event_count BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_rollup_period (entity_type, entity_id, feature, period_start)
	)`,
}

// Migrate creates the metering tables for the given driver ("postgres" or
// "mysql"). Statements are idempotent, so it is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var statements []string
	switch driver {
	case "postgres":
		statements = postgresSchema
	case "mysql":
		statements = mysqlSchema
	default:
		return fmt.Errorf("unsupported database driver %q: %w", driver, ErrInvalidInput)
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
