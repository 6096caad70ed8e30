package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

var (
	// ErrMalformedPayload is returned when a raw payload cannot be parsed
	// into the canonical schema. The event is dropped; the pipeline continues.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownSource is returned when no parser is registered for a source
	ErrUnknownSource = errors.New("unknown source")
)

// fingerprintTextLen bounds how much normalized content feeds the hash,
// so trailing boilerplate differences don't defeat dedup.
const fingerprintTextLen = 120

// CanonicalFields is what a source parser extracts from one raw payload
type CanonicalFields struct {
	Type       string
	Timestamp  time.Time
	Title      string
	Content    string
	URL        string
	AuthorID   string
	AuthorName string
	Platform   string
	Sentiment  *model.Sentiment
	Reach      int64
	Engagement int64
	Keywords   []string
	Mentions   []string
	Influence  float64
}

// Parser converts one source-specific raw payload into canonical fields
type Parser interface {
	Parse(raw json.RawMessage) (*CanonicalFields, error)
}

// Normalizer maps heterogeneous source payloads into MonitoringEvents and
// filters near-duplicates through a bounded fingerprint cache.
type Normalizer struct {
	logger *zap.Logger

	mu      sync.RWMutex
	parsers map[string]Parser

	dedup *DedupCache

	onAccepted []func(*model.MonitoringEvent)

	duplicatesFiltered atomic.Int64
	malformedDropped   atomic.Int64
}

// New creates a normalizer with the stock source parsers registered
func New(logger *zap.Logger, dedup *DedupCache) *Normalizer {
	n := &Normalizer{
		logger:  logger.Named("normalizer"),
		parsers: make(map[string]Parser),
		dedup:   dedup,
	}
	n.RegisterParser("metaAds", &metaAdsParser{})
	n.RegisterParser("googleAds", &googleAdsParser{})
	n.RegisterParser("newsApi", &newsAPIParser{})
	n.RegisterParser("socialStream", &socialStreamParser{})
	return n
}

// RegisterParser installs or replaces the parser for a source
func (n *Normalizer) RegisterParser(source string, p Parser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parsers[source] = p
}

// OnAccepted registers a hook fired for every event that passes dedup.
// Hooks must be registered before ingestion starts.
func (n *Normalizer) OnAccepted(fn func(*model.MonitoringEvent)) {
	n.onAccepted = append(n.onAccepted, fn)
}

// DuplicatesFiltered returns the running duplicate counter
func (n *Normalizer) DuplicatesFiltered() int64 {
	return n.duplicatesFiltered.Load()
}

// MalformedDropped returns the running malformed-payload counter
func (n *Normalizer) MalformedDropped() int64 {
	return n.malformedDropped.Load()
}

// Normalize converts a raw payload into a canonical MonitoringEvent
func (n *Normalizer) Normalize(raw json.RawMessage, source string) (*model.MonitoringEvent, error) {
	n.mu.RLock()
	parser, ok := n.parsers[source]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	fields, err := parser.Parse(raw)
	if err != nil {
		n.malformedDropped.Add(1)
		n.logger.Warn("Dropping malformed payload",
			zap.String("source", source),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ts := fields.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := &model.MonitoringEvent{
		ID:             uuid.New().String(),
		Source:         source,
		Type:           fields.Type,
		Timestamp:      ts,
		Title:          fields.Title,
		Content:        fields.Content,
		URL:            fields.URL,
		AuthorID:       fields.AuthorID,
		AuthorName:     fields.AuthorName,
		Platform:       fields.Platform,
		Sentiment:      fields.Sentiment,
		Metrics:        model.EventMetrics{Reach: fields.Reach, Engagement: fields.Engagement},
		Keywords:       fields.Keywords,
		Mentions:       fields.Mentions,
		InfluenceScore: fields.Influence,
		Raw:            raw,
	}
	return event, nil
}

// Fingerprint derives the dedup key for an event: source, truncated
// normalized text, author and the timestamp rounded to the minute.
func Fingerprint(event *model.MonitoringEvent) string {
	text := strings.ToLower(strings.Join(strings.Fields(event.Content), " "))
	if len(text) > fingerprintTextLen {
		text = text[:fingerprintTextLen]
	}
	rounded := event.Timestamp.UTC().Truncate(time.Minute).Unix()

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", event.Source, text, event.AuthorID, rounded)
	return hex.EncodeToString(h.Sum(nil))
}

// IsDuplicate checks the fingerprint cache, recording the fingerprint when
// it is new. Returns true when the event was already seen in the window.
func (n *Normalizer) IsDuplicate(fingerprint string) bool {
	if n.dedup.CheckAndMark(fingerprint) {
		n.duplicatesFiltered.Add(1)
		return true
	}
	return false
}

// Accept fires the onAccepted hooks for an event that passed dedup
func (n *Normalizer) Accept(event *model.MonitoringEvent) {
	for _, fn := range n.onAccepted {
		fn(event)
	}
}
