package detector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

// fakeSink mimics the lifecycle manager's raise/escalate surface
type fakeSink struct {
	mu     sync.Mutex
	alerts []*model.CrisisAlert
}

func (f *fakeSink) Raise(_ context.Context, alert *model.CrisisAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert.ID = uuid.New().String()
	alert.Timestamp = time.Now().UTC()
	alert.Status = model.AlertStatusActive
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeSink) Escalate(_ context.Context, id string, severity, mentions int, reach int64, confidence float64, eventIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.Escalated = true
			if severity > a.Severity {
				a.Severity = severity
				a.Urgency = model.UrgencyForSeverity(severity)
			}
			if mentions > a.MentionsCount {
				a.MentionsCount = mentions
			}
			return nil
		}
	}
	return fmt.Errorf("alert not found: %s", id)
}

func (f *fakeSink) FindActiveOverlap(topics []string, _ time.Duration) *model.CrisisAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.Status.Terminal() {
			continue
		}
		for _, at := range a.AffectedTopics {
			for _, t := range topics {
				if at == t {
					return a
				}
			}
		}
	}
	return nil
}

func (f *fakeSink) raised() []*model.CrisisAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.CrisisAlert(nil), f.alerts...)
}

func newTestEngine(sink AlertSink) *Engine {
	logger, _ := zap.NewDevelopment()
	return New(logger, DefaultConfig(), sink)
}

func burstEvent(topic string, sentiment float64, reach int64, at time.Time) *model.MonitoringEvent {
	return &model.MonitoringEvent{
		ID:        uuid.New().String(),
		Source:    "socialStream",
		Type:      "social_post",
		Timestamp: at,
		Content:   "mention of " + topic,
		Platform:  "twitter",
		Sentiment: &model.Sentiment{Score: sentiment, Label: labelFor(sentiment)},
		Metrics:   model.EventMetrics{Reach: reach},
		Keywords:  []string{topic},
	}
}

func labelFor(score float64) model.SentimentLabel {
	if score < -0.1 {
		return model.SentimentNegative
	}
	if score > 0.1 {
		return model.SentimentPositive
	}
	return model.SentimentNeutral
}

func TestEngine_NegativeBurstRaisesExactlyOneAlert(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	// 50 events on one topic, 80% negative, spread over 10 minutes.
	now := time.Now().UTC()
	for i := 0; i < 50; i++ {
		sentiment := -0.8
		if i%5 == 4 {
			sentiment = 0.4
		}
		at := now.Add(-10*time.Minute + time.Duration(i)*12*time.Second)
		engine.HandleEvent(ctx, burstEvent("tax-plan", sentiment, 5000, at))
	}

	alerts := sink.raised()
	require.Len(t, alerts, 1, "a sustained burst must raise exactly one alert")

	alert := alerts[0]
	require.Contains(t, []model.UrgencyLevel{model.UrgencyHigh, model.UrgencyCritical}, alert.Urgency)
	require.GreaterOrEqual(t, alert.Confidence, 0.5)
	require.Equal(t, []string{"tax-plan"}, alert.AffectedTopics)
	require.NotEmpty(t, alert.RecommendedActions)
	require.NotEmpty(t, alert.TriggerEventIDs)
	require.Equal(t, int64(1), engine.AlertsRaised())
}

func TestEngine_WaterCrisisScenarioEscalates(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		at := now.Add(-5*time.Minute + time.Duration(i)*10*time.Second)
		engine.HandleEvent(ctx, burstEvent("water-crisis", -0.9, 50000, at))
	}

	alerts := sink.raised()
	require.Len(t, alerts, 1)
	require.GreaterOrEqual(t, alerts[0].Severity, 7)
	require.Equal(t, model.AlertStatusActive, alerts[0].Status)

	// 30 more similar events inside the cooldown escalate the same alert
	// instead of creating a second one.
	for i := 0; i < 30; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		engine.HandleEvent(ctx, burstEvent("water-crisis", -0.9, 50000, at))
	}

	alerts = sink.raised()
	require.Len(t, alerts, 1, "cooldown must suppress a second alert")
	require.True(t, alerts[0].Escalated)
	require.GreaterOrEqual(t, engine.AlertsEscalated(), int64(1))
}

func TestEngine_EventsWithoutSentimentAreExcluded(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		event := burstEvent("quiet-topic", 0, 100000, now)
		event.Sentiment = nil
		engine.HandleEvent(ctx, event)
	}

	require.Empty(t, sink.raised())
	require.Empty(t, engine.Topics(), "sentiment-less events must not create aggregates")
}

func TestEngine_PositiveChatterDoesNotAlert(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		engine.HandleEvent(ctx, burstEvent("rally-recap", 0.7, 2000, now.Add(time.Duration(i)*time.Second)))
	}

	require.Empty(t, sink.raised())
}

func TestEngine_ResolvedTopicSpikingAgainGetsFreshAlert(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		engine.HandleEvent(ctx, burstEvent("water-crisis", -0.9, 50000, now.Add(time.Duration(i)*time.Second)))
	}
	require.Len(t, sink.raised(), 1)

	// Operators resolve it; the overlap check no longer sees it.
	sink.mu.Lock()
	sink.alerts[0].Status = model.AlertStatusResolved
	sink.mu.Unlock()

	for i := 0; i < 30; i++ {
		engine.HandleEvent(ctx, burstEvent("water-crisis", -0.9, 50000, now.Add(time.Duration(30+i)*time.Second)))
	}

	require.Len(t, sink.raised(), 2, "a resolved topic spiking again creates a new alert")
}

func TestEngine_WindowPrunesOldSamples(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	engine.now = func() time.Time { return clock }

	// A handful of stale negative mentions, below the raise threshold.
	for i := 0; i < 3; i++ {
		engine.HandleEvent(ctx, burstEvent("old-story", -0.9, 1000, base))
	}
	require.Empty(t, sink.raised())

	// Three hours later the window is empty again: one lone mention must
	// not inherit the stale history.
	clock = base.Add(3 * time.Hour)
	engine.HandleEvent(ctx, burstEvent("old-story", -0.9, 1000, clock))
	require.Empty(t, sink.raised())
}

func TestRecommendedActions_RuleTable(t *testing.T) {
	critical := recommendedActions(model.ThreatNegativeSurge, model.UrgencyCritical)
	require.NotEmpty(t, critical)
	require.Contains(t, critical[0], "rapid-response")

	low := recommendedActions(model.ThreatViralSpread, model.UrgencyLow)
	require.Len(t, low, 1)

	// Unknown threat falls back to the negative-surge table.
	fallback := recommendedActions(model.ThreatType("novel"), model.UrgencyHigh)
	require.NotEmpty(t, fallback)
}

func TestEngine_ConcurrentEventsOneTopicSingleAlert(t *testing.T) {
	sink := &fakeSink{}
	engine := newTestEngine(sink)
	ctx := context.Background()

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine.HandleEvent(ctx, burstEvent("border-story", -0.85, 20000, now))
		}(i)
	}
	wg.Wait()

	require.Len(t, sink.raised(), 1, "per-topic serialization must prevent duplicate raises")
}
