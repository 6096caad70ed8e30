package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

// Weights controls how severity blends the three crisis signals. They must
// sum to 1 for the 1-10 scale to saturate properly.
type Weights struct {
	Negativity float64
	Velocity   float64
	Reach      float64
}

// Config holds the detection tuning knobs. All of them are exposed through
// configuration rather than baked in.
type Config struct {
	Window            time.Duration // rolling aggregate span per topic
	SeverityThreshold int           // minimum severity to raise
	MinConfidence     float64       // minimum confidence to raise
	Cooldown          time.Duration // overlap-suppression window
	EscalateDelta     int           // severity rise that forces escalation
	EscalateGrowth    float64       // mention-count multiplier that forces escalation
	NegativeBelow     float64       // sentiment score treated as negative
	ReachScale        float64       // summed reach that saturates reach_norm
	VelocityScale     float64       // rate-of-change ratio that saturates velocity_norm
	Weights           Weights
}

// DefaultConfig returns the stock detection tuning
func DefaultConfig() Config {
	return Config{
		Window:            2 * time.Hour,
		SeverityThreshold: 4,
		MinConfidence:     0.5,
		Cooldown:          30 * time.Minute,
		EscalateDelta:     2,
		EscalateGrowth:    2.0,
		NegativeBelow:     -0.1,
		ReachScale:        1_000_000,
		VelocityScale:     3.0,
		Weights:           Weights{Negativity: 0.45, Velocity: 0.30, Reach: 0.25},
	}
}

// AlertSink is how the engine hands raise/escalate decisions to the
// lifecycle manager.
type AlertSink interface {
	Raise(ctx context.Context, alert *model.CrisisAlert) error
	Escalate(ctx context.Context, id string, severity int, mentions int, reach int64, confidence float64, eventIDs []string) error
	FindActiveOverlap(topics []string, within time.Duration) *model.CrisisAlert
}

// sample is one event's contribution to a topic aggregate
type sample struct {
	at        time.Time
	sentiment float64
	reach     int64
	eventID   string
}

// topicAggregate is the rolling window for one topic. Mutation is
// single-writer: all access goes through the aggregate's own mutex.
type topicAggregate struct {
	mu      sync.Mutex
	topic   string
	samples []sample
}

// scores is the derived signal for one topic at one instant
type scores struct {
	count      int
	totalReach int64
	meanSent   float64
	negShare   float64
	velocity   float64
	confidence float64
	severity   int
	eventIDs   []string
}

// Engine maintains rolling per-topic aggregates and raises or escalates
// crisis alerts on threshold crossings.
type Engine struct {
	logger *zap.Logger
	cfg    Config
	sink   AlertSink

	mu     sync.RWMutex
	topics map[string]*topicAggregate

	alertsRaised    atomic.Int64
	alertsEscalated atomic.Int64

	now func() time.Time
}

// New creates a detection engine
func New(logger *zap.Logger, cfg Config, sink AlertSink) *Engine {
	return &Engine{
		logger: logger.Named("detector"),
		cfg:    cfg,
		sink:   sink,
		topics: make(map[string]*topicAggregate),
		now:    time.Now,
	}
}

// AlertsRaised returns the running raise counter
func (e *Engine) AlertsRaised() int64 { return e.alertsRaised.Load() }

// AlertsEscalated returns the running escalation counter
func (e *Engine) AlertsEscalated() int64 { return e.alertsEscalated.Load() }

func (e *Engine) aggregate(topic string) *topicAggregate {
	e.mu.RLock()
	agg, ok := e.topics[topic]
	e.mu.RUnlock()
	if ok {
		return agg
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if agg, ok = e.topics[topic]; ok {
		return agg
	}
	agg = &topicAggregate{topic: topic}
	e.topics[topic] = agg
	return agg
}

// HandleEvent feeds one accepted event into every topic aggregate it
// touches. Events without a usable sentiment are skipped here; the caller
// has already stored them.
func (e *Engine) HandleEvent(ctx context.Context, event *model.MonitoringEvent) {
	if !event.HasSentiment() {
		return
	}

	for _, topic := range event.Keywords {
		if topic == "" {
			continue
		}
		agg := e.aggregate(topic)

		// Update and evaluate under the topic lock: single writer per topic,
		// and no chance of two concurrent events both raising for it.
		agg.mu.Lock()
		s := e.update(agg, event)
		e.evaluate(ctx, topic, s, event.Source)
		agg.mu.Unlock()
	}
}

// update appends the event's sample and recomputes the topic's scores.
// Caller holds the aggregate lock.
func (e *Engine) update(agg *topicAggregate, event *model.MonitoringEvent) scores {
	now := e.now()
	cutoff := now.Add(-e.cfg.Window)

	agg.samples = append(agg.samples, sample{
		at:        event.Timestamp,
		sentiment: event.Sentiment.Score,
		reach:     event.Metrics.Reach,
		eventID:   event.ID,
	})

	// Prune everything that slid out of the window.
	kept := agg.samples[:0]
	for _, s := range agg.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	agg.samples = kept

	return e.score(agg.samples, now)
}

// score derives negativity share, velocity, confidence and severity from
// the current window contents.
func (e *Engine) score(samples []sample, now time.Time) scores {
	s := scores{count: len(samples)}
	if s.count == 0 {
		return s
	}

	var sum, sumSq float64
	var negatives int
	half := now.Add(-e.cfg.Window / 2)
	var current, previous int
	for _, sm := range samples {
		sum += sm.sentiment
		sumSq += sm.sentiment * sm.sentiment
		s.totalReach += sm.reach
		if sm.sentiment < e.cfg.NegativeBelow {
			negatives++
		}
		if sm.at.After(half) {
			current++
		} else {
			previous++
		}
		s.eventIDs = append(s.eventIDs, sm.eventID)
	}

	n := float64(s.count)
	s.meanSent = sum / n
	s.negShare = float64(negatives) / n

	// Velocity compares the current half-window rate against the preceding
	// half-window of equal length.
	prev := float64(previous)
	if prev < 1 {
		prev = 1
	}
	s.velocity = (float64(current) - float64(previous)) / prev

	variance := sumSq/n - s.meanSent*s.meanSent
	if variance < 0 {
		variance = 0
	}
	// Confidence grows with sample size and shrinks with sentiment spread.
	s.confidence = clamp((1-1/math.Sqrt(n))*(1-clamp(variance, 0, 1)*0.5), 0, 1)

	velNorm := clamp(s.velocity/e.cfg.VelocityScale, 0, 1)
	reachNorm := clamp(float64(s.totalReach)/e.cfg.ReachScale, 0, 1)
	w := e.cfg.Weights
	raw := 10 * (w.Negativity*s.negShare + w.Velocity*velNorm + w.Reach*reachNorm)
	s.severity = int(math.Round(raw))
	if s.severity < 1 {
		s.severity = 1
	}
	if s.severity > 10 {
		s.severity = 10
	}
	return s
}

// evaluate decides whether the topic's current scores warrant raising a new
// alert or escalating an overlapping one.
func (e *Engine) evaluate(ctx context.Context, topic string, s scores, source string) {
	if s.severity < e.cfg.SeverityThreshold || s.confidence < e.cfg.MinConfidence {
		return
	}

	topics := []string{topic}
	existing := e.sink.FindActiveOverlap(topics, e.cfg.Cooldown)
	if existing != nil {
		if !e.shouldEscalate(existing, s) {
			return
		}
		if err := e.sink.Escalate(ctx, existing.ID, s.severity, s.count, s.totalReach, s.confidence, s.eventIDs); err != nil {
			e.logger.Error("Failed to escalate alert",
				zap.String("alert_id", existing.ID),
				zap.Error(err))
			return
		}
		e.alertsEscalated.Add(1)
		return
	}

	threat := classifyThreat(s)
	urgency := model.UrgencyForSeverity(s.severity)
	alert := &model.CrisisAlert{
		Severity:           s.severity,
		ThreatType:         threat,
		Title:              alertTitle(threat, topic),
		Description:        describe(topic, s),
		AffectedTopics:     topics,
		Status:             model.AlertStatusActive,
		MentionsCount:      s.count,
		Reach:              s.totalReach,
		Confidence:         s.confidence,
		Urgency:            urgency,
		RecommendedActions: recommendedActions(threat, urgency),
		Source:             source,
		TriggerEventIDs:    s.eventIDs,
	}
	if err := e.sink.Raise(ctx, alert); err != nil {
		e.logger.Error("Failed to raise alert",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}
	e.alertsRaised.Add(1)
}

// shouldEscalate applies the material-rise rules: a severity jump, an
// urgency bucket crossing, or sustained mention growth past the multiplier.
func (e *Engine) shouldEscalate(existing *model.CrisisAlert, s scores) bool {
	if s.severity >= existing.Severity+e.cfg.EscalateDelta {
		return true
	}
	if model.UrgencyForSeverity(s.severity) != existing.Urgency && s.severity > existing.Severity {
		return true
	}
	if e.cfg.EscalateGrowth > 0 && existing.MentionsCount > 0 &&
		float64(s.count) >= float64(existing.MentionsCount)*e.cfg.EscalateGrowth {
		return true
	}
	return false
}

func classifyThreat(s scores) model.ThreatType {
	switch {
	case s.negShare >= 0.6 && s.velocity > 1:
		return model.ThreatCoordinatedPush
	case s.negShare >= 0.6:
		return model.ThreatNegativeSurge
	case s.velocity > 1:
		return model.ThreatViralSpread
	default:
		return model.ThreatReputationAttack
	}
}

func alertTitle(threat model.ThreatType, topic string) string {
	return fmt.Sprintf("%s detected on %q", strings.ReplaceAll(string(threat), "_", " "), topic)
}

func describe(topic string, s scores) string {
	return fmt.Sprintf(
		"%d mentions of %q in the current window, %.0f%% negative, mean sentiment %.2f, combined reach %d",
		s.count, topic, s.negShare*100, s.meanSent, s.totalReach)
}

// Topics returns the topics with live aggregates, sorted for stable output
func (e *Engine) Topics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.topics))
	for topic := range e.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
