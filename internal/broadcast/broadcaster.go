package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

const (
	alertStreamName = "ALERTS"
	streamMaxAge    = 24 * time.Hour
)

// Envelope is the wire format pushed to subscribed dashboard sessions
type Envelope struct {
	Type      string             `json:"type"`
	Alert     *model.CrisisAlert `json:"alert"`
	Timestamp time.Time          `json:"timestamp"`
}

// Broadcaster publishes alert state transitions to live subscribers over
// JetStream. Delivery is at-least-once with no per-client queue; a client
// that was offline reconciles through a full alert pull on reconnect.
// Events for one alert share a subject prefix (alert.<id>.<kind>) and the
// stream preserves publish order, so one alert's envelopes arrive in
// commit order and a dashboard can watch a single alert via alert.<id>.>.
type Broadcaster struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// New creates a broadcaster and ensures the ALERTS stream exists
func New(logger *zap.Logger, js nats.JetStreamContext) (*Broadcaster, error) {
	b := &Broadcaster{
		logger: logger.Named("broadcast"),
		js:     js,
	}

	_, err := js.StreamInfo(alertStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{"alert.>"},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		})
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("Created alert stream", zap.String("stream", alertStreamName))
	}
	return b, nil
}

// Publish implements lifecycle.Publisher. kind is one of the lifecycle
// event kinds (alert_created, alert_updated, alert_escalated).
func (b *Broadcaster) Publish(ctx context.Context, kind string, alert *model.CrisisAlert) error {
	envelope := Envelope{
		Type:      kind,
		Alert:     alert,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal alert envelope: %w", err)
	}

	subject := fmt.Sprintf("alert.%s.%s", alert.ID, kind)
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}

	b.logger.Debug("Alert event published",
		zap.String("subject", subject),
		zap.String("alert_id", alert.ID))
	return nil
}

// Subscribe delivers every alert envelope to handler until ctx is done.
// Used by dashboard gateways and tests.
func (b *Broadcaster) Subscribe(ctx context.Context, handler func(Envelope)) error {
	sub, err := b.js.Subscribe("alert.>", func(msg *nats.Msg) {
		var envelope Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			b.logger.Error("Failed to unmarshal alert envelope", zap.Error(err))
			return
		}
		handler(envelope)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
