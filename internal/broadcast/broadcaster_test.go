package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/testutil"
)

func testAlert(id string, severity int) *model.CrisisAlert {
	return &model.CrisisAlert{
		ID:             id,
		Severity:       severity,
		ThreatType:     model.ThreatNegativeSurge,
		Title:          "Negative surge",
		AffectedTopics: []string{"water-crisis"},
		Timestamp:      time.Now().UTC(),
		Status:         model.AlertStatusActive,
		Urgency:        model.UrgencyForSeverity(severity),
	}
}

func TestBroadcaster_PublishSubscribe(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	broadcaster, err := New(logger, js)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan Envelope, 10)
	err = broadcaster.Subscribe(ctx, func(e Envelope) { received <- e })
	require.NoError(t, err)

	require.NoError(t, broadcaster.Publish(ctx, "alert_created", testAlert("a-1", 7)))

	select {
	case envelope := <-received:
		require.Equal(t, "alert_created", envelope.Type)
		require.Equal(t, "a-1", envelope.Alert.ID)
		require.Equal(t, model.AlertStatusActive, envelope.Alert.Status)
	case <-ctx.Done():
		t.Fatal("timeout waiting for alert envelope")
	}
}

func TestBroadcaster_PerAlertOrdering(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	broadcaster, err := New(logger, js)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	perAlert := make(map[string][]string)
	done := make(chan struct{})
	err = broadcaster.Subscribe(ctx, func(e Envelope) {
		mu.Lock()
		perAlert[e.Alert.ID] = append(perAlert[e.Alert.ID], e.Type)
		total := 0
		for _, kinds := range perAlert {
			total += len(kinds)
		}
		if total == 6 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	// Interleave two alerts; each alert's own sequence must survive intact.
	sequence := []string{"alert_created", "alert_updated", "alert_escalated"}
	for _, kind := range sequence {
		require.NoError(t, broadcaster.Publish(ctx, kind, testAlert("a-1", 6)))
		require.NoError(t, broadcaster.Publish(ctx, kind, testAlert("a-2", 8)))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timeout waiting for envelopes")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, sequence, perAlert["a-1"])
	require.Equal(t, sequence, perAlert["a-2"])
}

func TestBroadcaster_NewIsIdempotent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	_, err := New(logger, js)
	require.NoError(t, err)
	_, err = New(logger, js)
	require.NoError(t, err, "existing stream must be reused")
}

func TestBroadcaster_PerAlertSubjectFilter(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	broadcaster, err := New(logger, js)
	require.NoError(t, err)

	// A dashboard watching one alert subscribes to its subject prefix.
	received := make(chan Envelope, 10)
	sub, err := js.Subscribe("alert.a-1.>", func(msg *nats.Msg) {
		var envelope Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &envelope))
		received <- envelope
		msg.Ack()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, broadcaster.Publish(ctx, "alert_created", testAlert("a-1", 6)))
	require.NoError(t, broadcaster.Publish(ctx, "alert_created", testAlert("a-2", 8)))
	require.NoError(t, broadcaster.Publish(ctx, "alert_updated", testAlert("a-1", 6)))

	var kinds []string
	for len(kinds) < 2 {
		select {
		case envelope := <-received:
			require.Equal(t, "a-1", envelope.Alert.ID)
			kinds = append(kinds, envelope.Type)
		case <-ctx.Done():
			t.Fatal("timeout waiting for filtered envelopes")
		}
	}
	require.Equal(t, []string{"alert_created", "alert_updated"}, kinds)

	select {
	case envelope := <-received:
		t.Fatalf("unexpected envelope for alert %s", envelope.Alert.ID)
	case <-time.After(200 * time.Millisecond):
	}
}
