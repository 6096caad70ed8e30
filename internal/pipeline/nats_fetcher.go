package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	ingestStreamName  = "INGEST"
	ingestStreamAge   = 48 * time.Hour
	defaultFetchBatch = 50
)

// NATSFetcher drains raw payloads that source connectors publish to
// ingest.<source>. Payloads wait in the INGEST stream until a permit
// allows the pipeline to pull them.
type NATSFetcher struct {
	sub     *nats.Subscription
	batch   int
	pending []*nats.Msg
}

// EnsureIngestStream creates the INGEST stream when it does not exist yet
func EnsureIngestStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(ingestStreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     ingestStreamName,
		Subjects: []string{"ingest.>"},
		Storage:  nats.FileStorage,
		MaxAge:   ingestStreamAge,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// NewNATSFetcher binds a durable pull consumer for one source
func NewNATSFetcher(js nats.JetStreamContext, source string, batch int) (*NATSFetcher, error) {
	if batch <= 0 {
		batch = defaultFetchBatch
	}
	if err := EnsureIngestStream(js); err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe(
		fmt.Sprintf("ingest.%s", source),
		fmt.Sprintf("pipeline-%s", source),
		nats.BindStream(ingestStreamName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer for %s: %w", source, err)
	}
	return &NATSFetcher{sub: sub, batch: batch}, nil
}

// Fetch pulls up to one batch of pending payloads. An empty batch is not
// an error; the worker idles and tries again. Messages stay unacked until
// Commit so a crash before the store is reached redelivers them.
func (f *NATSFetcher) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	f.pending = nil
	msgs, err := f.sub.Fetch(f.batch, nats.MaxWait(2*time.Second))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, err
	}

	batch := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		batch = append(batch, json.RawMessage(msg.Data))
	}
	f.pending = msgs
	return batch, nil
}

// Commit acks the messages of the last Fetch once they are persisted
func (f *NATSFetcher) Commit() {
	for _, msg := range f.pending {
		msg.Ack()
	}
	f.pending = nil
}
