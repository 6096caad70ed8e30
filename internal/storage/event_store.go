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

// EventStore is the append-only record of accepted monitoring events.
// Events are never updated in place; corrections arrive as new rows.
type EventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewEventStore creates the event store and its schema
func NewEventStore(logger *zap.Logger, db *sql.DB) (*EventStore, error) {
	s := &EventStore{
		logger: logger.Named("event-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS monitoring_events (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			title TEXT,
			content TEXT,
			url TEXT,
			author_id TEXT,
			author_name TEXT,
			platform TEXT,
			sentiment_score REAL,
			sentiment_label TEXT,
			reach INTEGER NOT NULL DEFAULT 0,
			engagement INTEGER NOT NULL DEFAULT 0,
			keywords TEXT,
			mentions TEXT,
			influence_score REAL,
			raw TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON monitoring_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_source ON monitoring_events(source);
		CREATE TABLE IF NOT EXISTS event_topics (
			event_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			PRIMARY KEY (event_id, topic)
		);
		CREATE INDEX IF NOT EXISTS idx_event_topics_topic ON event_topics(topic);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	return nil
}

// Insert appends one event. Failures are wrapped in ErrUnavailable so the
// pipeline retries rather than dropping a normalized, non-duplicate event.
func (s *EventStore) Insert(ctx context.Context, event *model.MonitoringEvent) error {
	var score sql.NullFloat64
	var label sql.NullString
	if event.Sentiment != nil {
		score = sql.NullFloat64{Float64: event.Sentiment.Score, Valid: true}
		label = sql.NullString{String: string(event.Sentiment.Label), Valid: true}
	}
	keywords, _ := json.Marshal(event.Keywords)
	mentions, _ := json.Marshal(event.Mentions)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monitoring_events (
			id, source, type, timestamp, title, content, url,
			author_id, author_name, platform,
			sentiment_score, sentiment_label, reach, engagement,
			keywords, mentions, influence_score, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Source,
		event.Type,
		event.Timestamp,
		event.Title,
		event.Content,
		event.URL,
		event.AuthorID,
		event.AuthorName,
		event.Platform,
		score,
		label,
		event.Metrics.Reach,
		event.Metrics.Engagement,
		string(keywords),
		string(mentions),
		event.InfluenceScore,
		string(event.Raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, topic := range event.Keywords {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_topics (event_id, topic) VALUES (?, ?)`,
			event.ID, topic); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// EventFilter narrows List queries
type EventFilter struct {
	Source string
	Topic  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// List retrieves events newest first
func (s *EventStore) List(ctx context.Context, filter EventFilter) ([]*model.MonitoringEvent, error) {
	query := `SELECT e.id, e.source, e.type, e.timestamp, e.title, e.content, e.url,
		e.author_id, e.author_name, e.platform,
		e.sentiment_score, e.sentiment_label, e.reach, e.engagement,
		e.keywords, e.mentions, e.influence_score
		FROM monitoring_events e`
	args := make([]interface{}, 0)

	if filter.Topic != "" {
		query += ` JOIN event_topics t ON t.event_id = e.id AND t.topic = ?`
		args = append(args, filter.Topic)
	}
	query += ` WHERE 1=1`
	if filter.Source != "" {
		query += ` AND e.source = ?`
		args = append(args, filter.Source)
	}
	if !filter.From.IsZero() {
		query += ` AND e.timestamp >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND e.timestamp < ?`
		args = append(args, filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY e.timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*model.MonitoringEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*model.MonitoringEvent, error) {
	event := &model.MonitoringEvent{}
	var score sql.NullFloat64
	var label, keywords, mentions sql.NullString
	var influence sql.NullFloat64

	err := rows.Scan(
		&event.ID,
		&event.Source,
		&event.Type,
		&event.Timestamp,
		&event.Title,
		&event.Content,
		&event.URL,
		&event.AuthorID,
		&event.AuthorName,
		&event.Platform,
		&score,
		&label,
		&event.Metrics.Reach,
		&event.Metrics.Engagement,
		&keywords,
		&mentions,
		&influence,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if score.Valid || label.Valid {
		event.Sentiment = &model.Sentiment{
			Score: score.Float64,
			Label: model.SentimentLabel(label.String),
		}
	}
	if keywords.Valid && keywords.String != "" {
		json.Unmarshal([]byte(keywords.String), &event.Keywords)
	}
	if mentions.Valid && mentions.String != "" {
		json.Unmarshal([]byte(mentions.String), &event.Mentions)
	}
	if influence.Valid {
		event.InfluenceScore = influence.Float64
	}
	return event, nil
}

// CountSince returns the number of events stored at or after the cutoff
func (s *EventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitoring_events WHERE timestamp >= ?`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// SentimentDistribution rolls up label counts since the cutoff
func (s *EventStore) SentimentDistribution(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(sentiment_label, 'unknown'), COUNT(*)
		FROM monitoring_events WHERE timestamp >= ?
		GROUP BY sentiment_label`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up sentiment: %w", err)
	}
	defer rows.Close()
	return scanDistribution(rows)
}

// PlatformDistribution rolls up platform counts since the cutoff
func (s *EventStore) PlatformDistribution(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(platform, 'unknown'), COUNT(*)
		FROM monitoring_events WHERE timestamp >= ?
		GROUP BY platform`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up platforms: %w", err)
	}
	defer rows.Close()
	return scanDistribution(rows)
}

func scanDistribution(rows *sql.Rows) (map[string]int64, error) {
	dist := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan distribution row: %w", err)
		}
		dist[key] = count
	}
	return dist, rows.Err()
}

// DeleteBefore removes events older than the retention cutoff
func (s *EventStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_topics WHERE event_id IN
			(SELECT id FROM monitoring_events WHERE timestamp < ?);
	`, before)
	if err != nil {
		return fmt.Errorf("failed to delete event topics: %w", err)
	}
	result, err = s.db.ExecContext(ctx,
		`DELETE FROM monitoring_events WHERE timestamp < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	affected, _ := result.RowsAffected()
	s.logger.Info("Deleted old events",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}
