package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

// HealthStore holds the one-row-per-source health records and the
// append-only pipeline metrics snapshots.
type HealthStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewHealthStore creates the health store and its schema
func NewHealthStore(logger *zap.Logger, db *sql.DB) (*HealthStore, error) {
	s := &HealthStore{
		logger: logger.Named("health-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HealthStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS service_health (
			source TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_success_at DATETIME,
			last_error TEXT,
			rate_headroom_pct REAL NOT NULL DEFAULT 100,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			uptime_percent REAL NOT NULL DEFAULT 100,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pipeline_snapshots (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			events_processed INTEGER NOT NULL,
			events_per_minute REAL NOT NULL,
			alerts_generated INTEGER NOT NULL,
			avg_processing_ms REAL NOT NULL,
			duplicates_filtered INTEGER NOT NULL,
			malformed_dropped INTEGER NOT NULL,
			sentiment_distribution TEXT,
			platform_distribution TEXT,
			process_cpu_percent REAL NOT NULL DEFAULT 0,
			process_memory_mb REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON pipeline_snapshots(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize health store: %w", err)
	}
	return nil
}

// UpsertHealth writes the current health record for one source
func (s *HealthStore) UpsertHealth(ctx context.Context, record *model.ServiceHealthRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_health (
			source, status, last_success_at, last_error,
			rate_headroom_pct, response_time_ms, uptime_percent, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			status = excluded.status,
			last_success_at = excluded.last_success_at,
			last_error = excluded.last_error,
			rate_headroom_pct = excluded.rate_headroom_pct,
			response_time_ms = excluded.response_time_ms,
			uptime_percent = excluded.uptime_percent,
			updated_at = excluded.updated_at`,
		record.Source,
		string(record.Status),
		sqlNullTime(record.LastSuccessAt),
		record.LastError,
		record.RateHeadroomPct,
		record.ResponseTimeMs,
		record.UptimePercent,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListHealth returns the health record for every known source
func (s *HealthStore) ListHealth(ctx context.Context) ([]*model.ServiceHealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, status, last_success_at, last_error,
			rate_headroom_pct, response_time_ms, uptime_percent, updated_at
		FROM service_health ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	defer rows.Close()

	var records []*model.ServiceHealthRecord
	for rows.Next() {
		record := &model.ServiceHealthRecord{}
		var lastSuccess sql.NullTime
		if err := rows.Scan(&record.Source, &record.Status, &lastSuccess,
			&record.LastError, &record.RateHeadroomPct, &record.ResponseTimeMs,
			&record.UptimePercent, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		if lastSuccess.Valid {
			record.LastSuccessAt = &lastSuccess.Time
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AppendSnapshot stores one periodic metrics rollup
func (s *HealthStore) AppendSnapshot(ctx context.Context, snap *model.PipelineMetricsSnapshot) error {
	sentiment, _ := json.Marshal(snap.SentimentDistribution)
	platform, _ := json.Marshal(snap.PlatformDistribution)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_snapshots (
			id, timestamp, events_processed, events_per_minute, alerts_generated,
			avg_processing_ms, duplicates_filtered, malformed_dropped,
			sentiment_distribution, platform_distribution,
			process_cpu_percent, process_memory_mb
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.Timestamp,
		snap.EventsProcessed,
		snap.EventsPerMinute,
		snap.AlertsGenerated,
		snap.AvgProcessingMs,
		snap.DuplicatesFiltered,
		snap.MalformedDropped,
		string(sentiment),
		string(platform),
		snap.ProcessCPUPercent,
		snap.ProcessMemoryMB,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LatestSnapshot returns the most recent rollup, or ErrNotFound
func (s *HealthStore) LatestSnapshot(ctx context.Context) (*model.PipelineMetricsSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, events_processed, events_per_minute, alerts_generated,
			avg_processing_ms, duplicates_filtered, malformed_dropped,
			sentiment_distribution, platform_distribution,
			process_cpu_percent, process_memory_mb
		FROM pipeline_snapshots ORDER BY timestamp DESC LIMIT 1`)

	snap := &model.PipelineMetricsSnapshot{}
	var sentiment, platform sql.NullString
	err := row.Scan(&snap.ID, &snap.Timestamp, &snap.EventsProcessed,
		&snap.EventsPerMinute, &snap.AlertsGenerated, &snap.AvgProcessingMs,
		&snap.DuplicatesFiltered, &snap.MalformedDropped,
		&sentiment, &platform, &snap.ProcessCPUPercent, &snap.ProcessMemoryMB)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if sentiment.Valid && sentiment.String != "" {
		json.Unmarshal([]byte(sentiment.String), &snap.SentimentDistribution)
	}
	if platform.Valid && platform.String != "" {
		json.Unmarshal([]byte(platform.String), &snap.PlatformDistribution)
	}
	return snap, nil
}

// DeleteSnapshotsBefore trims old rollups past the retention window
func (s *HealthStore) DeleteSnapshotsBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_snapshots WHERE timestamp < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	affected, _ := result.RowsAffected()
	s.logger.Info("Deleted old snapshots",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}
