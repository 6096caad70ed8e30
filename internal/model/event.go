package model

import (
	"encoding/json"
	"time"
)

// SentimentLabel classifies the tone of a mention
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Sentiment carries the upstream-supplied sentiment assessment of a mention.
// Score ranges from -1 (hostile) to 1 (supportive).
type Sentiment struct {
	Score float64        `json:"score"`
	Label SentimentLabel `json:"label"`
}

// EventMetrics holds audience figures reported by the source
type EventMetrics struct {
	Reach      int64 `json:"reach"`
	Engagement int64 `json:"engagement"`
}

// MonitoringEvent is one normalized mention ingested from an external source.
// Events are immutable once stored; a correction from upstream arrives as a
// new event with its own ID.
type MonitoringEvent struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	URL            string          `json:"url,omitempty"`
	AuthorID       string          `json:"author_id,omitempty"`
	AuthorName     string          `json:"author_name,omitempty"`
	Platform       string          `json:"platform"`
	Sentiment      *Sentiment      `json:"sentiment,omitempty"`
	Metrics        EventMetrics    `json:"metrics"`
	Keywords       []string        `json:"keywords,omitempty"`
	Mentions       []string        `json:"mentions,omitempty"`
	InfluenceScore float64         `json:"influence_score,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// HasSentiment reports whether the event carries a usable sentiment value.
// Events without one are stored but excluded from crisis aggregates.
func (e *MonitoringEvent) HasSentiment() bool {
	return e.Sentiment != nil && e.Sentiment.Label != ""
}
