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

// AlertStore persists crisis alerts and their audit trail
type AlertStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAlertStore creates the alert store and its schema
func NewAlertStore(logger *zap.Logger, db *sql.DB) (*AlertStore, error) {
	s := &AlertStore{
		logger: logger.Named("alert-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AlertStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS crisis_alerts (
			id TEXT PRIMARY KEY,
			severity INTEGER NOT NULL,
			threat_type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			affected_topics TEXT,
			timestamp DATETIME NOT NULL,
			status TEXT NOT NULL,
			mentions_count INTEGER NOT NULL DEFAULT 0,
			reach INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			urgency_level TEXT NOT NULL,
			recommended_actions TEXT,
			source TEXT,
			escalated INTEGER NOT NULL DEFAULT 0,
			assigned_to TEXT,
			resolved_at DATETIME,
			notes TEXT,
			trigger_event_ids TEXT,
			metadata TEXT,
			archived INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON crisis_alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_severity ON crisis_alerts(severity);
		CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON crisis_alerts(timestamp);
		CREATE TABLE IF NOT EXISTS alert_audit (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			notes TEXT,
			timestamp DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_audit_alert ON alert_audit(alert_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize alert store: %w", err)
	}
	return nil
}

// Insert stores a newly raised alert
func (s *AlertStore) Insert(ctx context.Context, alert *model.CrisisAlert) error {
	topics, _ := json.Marshal(alert.AffectedTopics)
	actions, _ := json.Marshal(alert.RecommendedActions)
	triggers, _ := json.Marshal(alert.TriggerEventIDs)
	metadata, _ := json.Marshal(alert.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crisis_alerts (
			id, severity, threat_type, title, description, affected_topics,
			timestamp, status, mentions_count, reach, confidence, urgency_level,
			recommended_actions, source, escalated, assigned_to, resolved_at,
			notes, trigger_event_ids, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.Severity,
		string(alert.ThreatType),
		alert.Title,
		alert.Description,
		string(topics),
		alert.Timestamp,
		string(alert.Status),
		alert.MentionsCount,
		alert.Reach,
		alert.Confidence,
		string(alert.Urgency),
		string(actions),
		alert.Source,
		alert.Escalated,
		alert.AssignedTo,
		sqlNullTime(alert.ResolvedAt),
		alert.Notes,
		string(triggers),
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func sqlNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Update writes back a mutated alert, guarded by the status the caller read.
// A zero-row update means another writer committed first.
func (s *AlertStore) Update(ctx context.Context, alert *model.CrisisAlert, expected model.AlertStatus) error {
	actions, _ := json.Marshal(alert.RecommendedActions)
	triggers, _ := json.Marshal(alert.TriggerEventIDs)
	metadata, _ := json.Marshal(alert.Metadata)

	result, err := s.db.ExecContext(ctx, `
		UPDATE crisis_alerts SET
			severity = ?, status = ?, mentions_count = ?, reach = ?,
			confidence = ?, urgency_level = ?, recommended_actions = ?,
			escalated = ?, assigned_to = ?, resolved_at = ?, notes = ?,
			trigger_event_ids = ?, metadata = ?
		WHERE id = ? AND status = ?`,
		alert.Severity,
		string(alert.Status),
		alert.MentionsCount,
		alert.Reach,
		alert.Confidence,
		string(alert.Urgency),
		string(actions),
		alert.Escalated,
		alert.AssignedTo,
		sqlNullTime(alert.ResolvedAt),
		alert.Notes,
		string(triggers),
		string(metadata),
		alert.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// Get retrieves one alert by id
func (s *AlertStore) Get(ctx context.Context, id string) (*model.CrisisAlert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return alert, err
}

const alertSelect = `SELECT id, severity, threat_type, title, description,
	affected_topics, timestamp, status, mentions_count, reach, confidence,
	urgency_level, recommended_actions, source, escalated, assigned_to,
	resolved_at, notes, trigger_event_ids, metadata FROM crisis_alerts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*model.CrisisAlert, error) {
	alert := &model.CrisisAlert{}
	var topics, actions, triggers, metadata sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.Severity,
		&alert.ThreatType,
		&alert.Title,
		&alert.Description,
		&topics,
		&alert.Timestamp,
		&alert.Status,
		&alert.MentionsCount,
		&alert.Reach,
		&alert.Confidence,
		&alert.Urgency,
		&actions,
		&alert.Source,
		&alert.Escalated,
		&alert.AssignedTo,
		&resolvedAt,
		&alert.Notes,
		&triggers,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if topics.Valid && topics.String != "" {
		json.Unmarshal([]byte(topics.String), &alert.AffectedTopics)
	}
	if actions.Valid && actions.String != "" {
		json.Unmarshal([]byte(actions.String), &alert.RecommendedActions)
	}
	if triggers.Valid && triggers.String != "" {
		json.Unmarshal([]byte(triggers.String), &alert.TriggerEventIDs)
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &alert.Metadata)
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	return alert, nil
}

// AlertFilter narrows List queries
type AlertFilter struct {
	Status      model.AlertStatus
	MinSeverity int
	Limit       int
}

// List returns alerts sorted by severity desc, then timestamp desc
func (s *AlertStore) List(ctx context.Context, filter AlertFilter) ([]*model.CrisisAlert, error) {
	query := alertSelect + ` WHERE archived = 0`
	args := make([]interface{}, 0)

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MinSeverity > 0 {
		query += ` AND severity >= ?`
		args = append(args, filter.MinSeverity)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY severity DESC, timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.CrisisAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// ListNonTerminal returns every alert still open, for rebuilding the
// lifecycle manager's in-memory index on startup.
func (s *AlertStore) ListNonTerminal(ctx context.Context) ([]*model.CrisisAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		alertSelect+` WHERE status IN (?, ?, ?) AND archived = 0`,
		string(model.AlertStatusActive),
		string(model.AlertStatusAcknowledged),
		string(model.AlertStatusInvestigating),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.CrisisAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// AppendAudit records one lifecycle transition
func (s *AlertStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_audit (id, alert_id, actor, from_state, to_state, notes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AlertID,
		entry.Actor,
		string(entry.FromState),
		string(entry.ToState),
		entry.Notes,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// AuditTrail returns the transitions for one alert in commit order
func (s *AlertStore) AuditTrail(ctx context.Context, alertID string) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, actor, from_state, to_state, notes, timestamp
		FROM alert_audit WHERE alert_id = ? ORDER BY timestamp ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.AlertID, &entry.Actor,
			&entry.FromState, &entry.ToState, &entry.Notes, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ArchiveTerminalBefore soft-archives resolved and dismissed alerts whose
// terminal timestamp predates the retention cutoff.
func (s *AlertStore) ArchiveTerminalBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crisis_alerts SET archived = 1
		WHERE archived = 0 AND status IN (?, ?) AND timestamp < ?`,
		string(model.AlertStatusResolved),
		string(model.AlertStatusDismissed),
		before,
	)
	if err != nil {
		return fmt.Errorf("failed to archive alerts: %w", err)
	}

	affected, _ := result.RowsAffected()
	s.logger.Info("Archived terminal alerts",
		zap.Time("before", before),
		zap.Int64("archived", affected))
	return nil
}
