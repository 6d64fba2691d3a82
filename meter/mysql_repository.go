// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MySQLRepository implements Repository using MySQL
type MySQLRepository struct {
	db *sql.DB
}

// NewMySQLRepository creates a new MySQL repository
func NewMySQLRepository(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// GetPolicy retrieves an entity's tracking policy; (nil, nil) when absent
func (r *MySQLRepository) GetPolicy(ctx context.Context, entity EntityRef) (*TrackingPolicy, error) {
	query := `
		SELECT id, entity_type, entity_id, tracking_mode, tracking_features,
		       usage_multiplier, created_at, updated_at
		FROM tracking_policies
		WHERE entity_type = ? AND entity_id = ?
	`

	var policy TrackingPolicy
	var features []byte

	err := r.db.QueryRowContext(ctx, query, entity.Type, entity.ID).Scan(
		&policy.ID, &policy.Entity.Type, &policy.Entity.ID, &policy.Mode,
		&features, &policy.Multiplier, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking policy: %w", err)
	}

	if err := json.Unmarshal(features, &policy.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tracking features: %w", err)
	}

	return &policy, nil
}

// SavePolicy upserts the entity's tracking policy (unique on entity identity)
func (r *MySQLRepository) SavePolicy(ctx context.Context, policy *TrackingPolicy) error {
	features, err := json.Marshal(policy.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal tracking features: %w", err)
	}
	if policy.Features == nil {
		features = []byte("[]")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO tracking_policies (
			entity_type, entity_id, tracking_mode, tracking_features,
			usage_multiplier, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			tracking_mode = VALUES(tracking_mode),
			tracking_features = VALUES(tracking_features),
			usage_multiplier = VALUES(usage_multiplier),
			updated_at = VALUES(updated_at)
	`

	result, err := r.db.ExecContext(ctx, query,
		policy.Entity.Type, policy.Entity.ID, policy.Mode, features,
		policy.Multiplier, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save tracking policy: %w", err)
	}

	// LastInsertId is 0 on the update path; keep the existing row id then
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		policy.ID = id
	}

	return nil
}

// DeletePolicy removes the entity's tracking policy
func (r *MySQLRepository) DeletePolicy(ctx context.Context, entity EntityRef) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tracking_policies WHERE entity_type = ? AND entity_id = ?`,
		entity.Type, entity.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete tracking policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

// SaveEvent appends a usage event
func (r *MySQLRepository) SaveEvent(ctx context.Context, event *UsageEvent) error {
	breakdown, err := json.Marshal(event.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal breakdown: %w", err)
	}

	var metadata interface{}
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = data
	}

	query := `
		INSERT INTO usage_events (
			id, entity_type, entity_id, feature, execution_ms,
			total_cost, breakdown, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.Entity.Type, event.Entity.ID, event.Feature,
		event.ExecutionMs, event.TotalCost, breakdown, metadata, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save usage event: %w", err)
	}

	return nil
}

// ListEvents lists usage events with filtering and pagination
func (r *MySQLRepository) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	whereClause, args := r.buildWhere(opts, "created_at")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_events %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage events: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, entity_type, entity_id, feature, execution_ms,
		       total_cost, breakdown, metadata, created_at
		FROM usage_events
		%s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var event UsageEvent
		var breakdown []byte
		var metadata []byte

		if err := rows.Scan(
			&event.ID, &event.Entity.Type, &event.Entity.ID, &event.Feature,
			&event.ExecutionMs, &event.TotalCost, &breakdown, &metadata,
			&event.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage event: %w", err)
		}

		if err := json.Unmarshal(breakdown, &event.Breakdown); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal breakdown: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	return events, total, rows.Err()
}

// UpsertRollup atomically folds one invocation into its monthly rollup row
func (r *MySQLRepository) UpsertRollup(ctx context.Context, rollup *UsageRollup) error {
	query := `
		INSERT INTO usage_rollups (
			entity_type, entity_id, feature, period_start,
			total_ms, total_cost, event_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			total_ms = total_ms + VALUES(total_ms),
			total_cost = total_cost + VALUES(total_cost),
			event_count = event_count + VALUES(event_count),
			updated_at = VALUES(updated_at)
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		rollup.Entity.Type, rollup.Entity.ID, rollup.Feature, rollup.PeriodStart,
		rollup.TotalMs, rollup.TotalCost, rollup.EventCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage rollup: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil && id > 0 {
		rollup.ID = id
	}

	return nil
}

// GetRollup fetches one monthly rollup row
func (r *MySQLRepository) GetRollup(ctx context.Context, entity EntityRef, feature string, periodStart time.Time) (*UsageRollup, error) {
	query := `
		SELECT id, entity_type, entity_id, feature, period_start,
		       total_ms, total_cost, event_count, created_at, updated_at
		FROM usage_rollups
		WHERE entity_type = ? AND entity_id = ? AND feature = ? AND period_start = ?
	`

	var rollup UsageRollup
	err := r.db.QueryRowContext(ctx, query, entity.Type, entity.ID, feature, periodStart).Scan(
		&rollup.ID, &rollup.Entity.Type, &rollup.Entity.ID, &rollup.Feature,
		&rollup.PeriodStart, &rollup.TotalMs, &rollup.TotalCost,
		&rollup.EventCount, &rollup.CreatedAt, &rollup.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRollupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage rollup: %w", err)
	}

	return &rollup, nil
}

// ListRollups lists rollup rows matching the filters, oldest period first
func (r *MySQLRepository) ListRollups(ctx context.Context, opts UsageQueryOptions) ([]UsageRollup, error) {
	whereClause, args := r.buildWhere(opts, "period_start")

	query := fmt.Sprintf(`
		SELECT id, entity_type, entity_id, feature, period_start,
		       total_ms, total_cost, event_count, created_at, updated_at
		FROM usage_rollups
		%s
		ORDER BY period_start ASC, feature ASC
	`, whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage rollups: %w", err)
	}
	defer rows.Close()

	var rollups []UsageRollup
	for rows.Next() {
		var rollup UsageRollup
		if err := rows.Scan(
			&rollup.ID, &rollup.Entity.Type, &rollup.Entity.ID, &rollup.Feature,
			&rollup.PeriodStart, &rollup.TotalMs, &rollup.TotalCost,
			&rollup.EventCount, &rollup.CreatedAt, &rollup.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage rollup: %w", err)
		}
		rollups = append(rollups, rollup)
	}

	return rollups, rows.Err()
}

// TotalCost returns the summed cost over the selected source
func (r *MySQLRepository) TotalCost(ctx context.Context, opts UsageQueryOptions) (float64, error) {
	table, timeColumn, err := sourceTable(opts.Source)
	if err != nil {
		return 0, err
	}
	whereClause, args := r.buildWhere(opts, timeColumn)

	query := fmt.Sprintf("SELECT COALESCE(SUM(total_cost), 0) FROM %s %s", table, whereClause)

	var total float64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

// CostByFeature returns per-feature totals over the selected source
func (r *MySQLRepository) CostByFeature(ctx context.Context, opts UsageQueryOptions) ([]FeatureTotal, error) {
	table, timeColumn, err := sourceTable(opts.Source)
	if err != nil {
		return nil, err
	}
	whereClause, args := r.buildWhere(opts, timeColumn)

	msColumn := "total_ms"
	countExpr := "COALESCE(SUM(event_count), 0)"
	if table == "usage_events" {
		msColumn = "execution_ms"
		countExpr = "COUNT(*)"
	}

	query := fmt.Sprintf(`
		SELECT feature, COALESCE(SUM(total_cost), 0), COALESCE(SUM(%s), 0), %s
		FROM %s
		%s
		GROUP BY feature
		ORDER BY SUM(total_cost) DESC
	`, msColumn, countExpr, table, whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cost by feature: %w", err)
	}
	defer rows.Close()

	var totals []FeatureTotal
	for rows.Next() {
		var t FeatureTotal
		if err := rows.Scan(&t.Feature, &t.TotalCost, &t.TotalMs, &t.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan feature total: %w", err)
		}
		totals = append(totals, t)
	}

	return totals, rows.Err()
}

// CostByDimension returns per-dimension totals. Only the events source
// retains per-dimension breakdowns, so the rollups source is rejected.
func (r *MySQLRepository) CostByDimension(ctx context.Context, opts UsageQueryOptions) ([]DimensionTotal, error) {
	if opts.Source == SourceRollups {
		return nil, fmt.Errorf("per-dimension totals require the events source: %w", ErrInvalidSource)
	}

	whereClause, args := r.buildWhere(opts, "created_at")

	query := fmt.Sprintf("SELECT breakdown FROM usage_events %s", whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cost by dimension: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]*DimensionTotal)
	for rows.Next() {
		var breakdown []byte
		if err := rows.Scan(&breakdown); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown: %w", err)
		}
		if err := accumulateBreakdown(totals, breakdown); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sortDimensionTotals(totals), nil
}

// TopEntities returns the top-N entities by cost over the selected source
func (r *MySQLRepository) TopEntities(ctx context.Context, limit int, opts UsageQueryOptions) ([]EntityTotal, error) {
	if limit <= 0 {
		limit = 10
	}

	table, timeColumn, err := sourceTable(opts.Source)
	if err != nil {
		return nil, err
	}
	whereClause, args := r.buildWhere(opts, timeColumn)

	msColumn := "total_ms"
	countExpr := "COALESCE(SUM(event_count), 0)"
	if table == "usage_events" {
		msColumn = "execution_ms"
		countExpr = "COUNT(*)"
	}

	query := fmt.Sprintf(`
		SELECT entity_type, entity_id, COALESCE(SUM(total_cost), 0), COALESCE(SUM(%s), 0), %s
		FROM %s
		%s
		GROUP BY entity_type, entity_id
		ORDER BY SUM(total_cost) DESC
		LIMIT ?
	`, msColumn, countExpr, table, whereClause)

	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get top entities: %w", err)
	}
	defer rows.Close()

	var totals []EntityTotal
	for rows.Next() {
		var t EntityTotal
		if err := rows.Scan(&t.Entity.Type, &t.Entity.ID, &t.TotalCost, &t.TotalMs, &t.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan entity total: %w", err)
		}
		totals = append(totals, t)
	}

	return totals, rows.Err()
}

// CostSeries returns a time-bucketed cost series. Day and week buckets
// require the events source; rollups only carry monthly granularity.
func (r *MySQLRepository) CostSeries(ctx context.Context, bucket SeriesBucket, opts UsageQueryOptions) ([]SeriesPoint, error) {
	var bucketExpr string
	switch bucket {
	case BucketDay:
		bucketExpr = "DATE(created_at)"
	case BucketWeek:
		// Monday-anchored weeks, matching ISO bucketing on the Postgres side
		bucketExpr = "DATE_SUB(DATE(created_at), INTERVAL WEEKDAY(created_at) DAY)"
	case BucketMonth:
		// DATE arithmetic keeps the bucket scannable as a time (parseTime DSN)
		bucketExpr = "DATE_SUB(DATE(created_at), INTERVAL DAYOFMONTH(created_at) - 1 DAY)"
	default:
		return nil, ErrInvalidBucket
	}

	table, timeColumn, err := sourceTable(opts.Source)
	if err != nil {
		return nil, err
	}
	if table == "usage_rollups" && bucket != BucketMonth {
		return nil, fmt.Errorf("%s buckets require the events source: %w", bucket, ErrInvalidBucket)
	}

	whereClause, args := r.buildWhere(opts, timeColumn)

	msColumn := "execution_ms"
	countExpr := "COUNT(*)"
	if table == "usage_rollups" {
		bucketExpr = "period_start"
		msColumn = "total_ms"
		countExpr = "COALESCE(SUM(event_count), 0)"
	}

	query := fmt.Sprintf(`
		SELECT %s AS bucket_start, COALESCE(SUM(total_cost), 0), COALESCE(SUM(%s), 0), %s
		FROM %s
		%s
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
	`, bucketExpr, msColumn, countExpr, table, whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cost series: %w", err)
	}
	defer rows.Close()

	var points []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.BucketStart, &p.TotalCost, &p.TotalMs, &p.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		points = append(points, p)
	}

	return points, rows.Err()
}

// Ping checks database connectivity
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// buildWhere assembles the shared filter clause. timeColumn is the column
// the start/end filters apply to (created_at for events, period_start for
// rollups).
func (r *MySQLRepository) buildWhere(opts UsageQueryOptions, timeColumn string) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if opts.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if len(opts.Features) > 0 {
		placeholders := make([]string, len(opts.Features))
		for i, f := range opts.Features {
			placeholders[i] = "?"
			args = append(args, f)
		}
		conditions = append(conditions, fmt.Sprintf("feature IN (%s)", strings.Join(placeholders, ", ")))
	}
	if !opts.StartTime.IsZero() {
		conditions = append(conditions, timeColumn+" >= ?")
		args = append(args, opts.StartTime)
	}
	if !opts.EndTime.IsZero() {
		conditions = append(conditions, timeColumn+" < ?")
		args = append(args, opts.EndTime)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	return whereClause, args
}
