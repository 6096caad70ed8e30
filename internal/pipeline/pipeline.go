package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/detector"
	"github.com/campaignpulse/crisis-pipeline/internal/gateway"
	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/normalizer"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

// Result classifies the outcome of ingesting one raw payload
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultMalformed Result = "malformed"
)

// Fetcher pulls one batch of raw payloads from an external source
type Fetcher interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
}

// BatchCommitter is implemented by fetchers whose upstream holds the batch
// until it is persisted. Commit is called once every payload of the last
// Fetch has gone through the store; an uncommitted batch is redelivered.
type BatchCommitter interface {
	Commit()
}

// FetchRecorder receives the outcome of every fetch attempt
type FetchRecorder interface {
	RecordFetch(source string, duration time.Duration, err error)
}

const (
	insertRetryBase = 100 * time.Millisecond
	insertRetryMax  = 5 * time.Second
	idleInterval    = 10 * time.Second
)

// Pipeline runs the ingest path: permit, fetch, normalize, dedup, persist,
// detect. One worker lane per registered source.
type Pipeline struct {
	logger     *zap.Logger
	gateway    *gateway.Gateway
	normalizer *normalizer.Normalizer
	events     *storage.EventStore
	engine     *detector.Engine
	recorder   FetchRecorder

	mu       sync.Mutex
	fetchers map[string]Fetcher

	processed atomic.Int64
	latencyNs atomic.Int64
	wg        sync.WaitGroup
}

func New(logger *zap.Logger, gw *gateway.Gateway, norm *normalizer.Normalizer,
	events *storage.EventStore, engine *detector.Engine, recorder FetchRecorder) *Pipeline {
	return &Pipeline{
		logger:     logger.Named("pipeline"),
		gateway:    gw,
		normalizer: norm,
		events:     events,
		engine:     engine,
		recorder:   recorder,
		fetchers:   make(map[string]Fetcher),
	}
}

// RegisterFetcher binds a source name to its fetcher. Must be called
// before Start.
func (p *Pipeline) RegisterFetcher(source string, f Fetcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchers[source] = f
}

// Start launches one worker per registered source. Workers stop when
// ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for source, fetcher := range p.fetchers {
		p.wg.Add(1)
		go p.runSource(ctx, source, fetcher)
	}
	p.logger.Info("Pipeline started", zap.Int("sources", len(p.fetchers)))
}

// Wait blocks until all source workers have exited
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) runSource(ctx context.Context, source string, fetcher Fetcher) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("source", source))
	logger.Info("Source worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("Source worker stopped")
			return
		}

		permit, err := p.gateway.Acquire(source)
		if err != nil {
			var throttled *gateway.ThrottleError
			if errors.As(err, &throttled) {
				logger.Debug("Throttled, backing off",
					zap.Duration("retry_after", throttled.RetryAfter))
				if !sleepCtx(ctx, throttled.RetryAfter) {
					return
				}
				continue
			}
			logger.Error("Failed to acquire permit", zap.Error(err))
			if !sleepCtx(ctx, idleInterval) {
				return
			}
			continue
		}

		started := time.Now()
		batch, err := fetcher.Fetch(ctx)
		elapsed := time.Since(started)
		if p.recorder != nil {
			p.recorder.RecordFetch(source, elapsed, err)
		}
		if err != nil {
			permit.Release(false)
			logger.Warn("Fetch failed", zap.Error(err))
			if !sleepCtx(ctx, idleInterval) {
				return
			}
			continue
		}

		// The permit is committed only once the whole batch has gone
		// through the store; a lane cancelled mid-retry refunds it and
		// the uncommitted batch is redelivered.
		stored := true
		for _, raw := range batch {
			if _, err := p.Ingest(ctx, source, raw); err != nil {
				if ctx.Err() != nil {
					stored = false
					break
				}
				logger.Warn("Ingest failed", zap.Error(err))
			}
		}
		permit.Release(stored)
		if !stored {
			logger.Info("Source worker stopped")
			return
		}
		if committer, ok := fetcher.(BatchCommitter); ok {
			committer.Commit()
		}

		if len(batch) == 0 {
			if !sleepCtx(ctx, idleInterval) {
				return
			}
		}
	}
}

// Ingest runs one raw payload through normalize, dedup, persist, and
// detection. A normalized non-duplicate event is never dropped: storage
// failures are retried with backoff until the context is cancelled.
func (p *Pipeline) Ingest(ctx context.Context, source string, raw json.RawMessage) (Result, error) {
	started := time.Now()

	event, err := p.normalizer.Normalize(raw, source)
	if err != nil {
		return ResultMalformed, err
	}

	if p.normalizer.IsDuplicate(normalizer.Fingerprint(event)) {
		return ResultDuplicate, nil
	}

	if err := p.insertWithRetry(ctx, event); err != nil {
		return "", err
	}

	p.normalizer.Accept(event)
	p.engine.HandleEvent(ctx, event)

	p.processed.Add(1)
	p.latencyNs.Add(time.Since(started).Nanoseconds())
	return ResultAccepted, nil
}

func (p *Pipeline) insertWithRetry(ctx context.Context, event *model.MonitoringEvent) error {
	delay := insertRetryBase
	for {
		err := p.events.Insert(ctx, event)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		p.logger.Warn("Event store unavailable, retrying",
			zap.String("event_id", event.ID),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > insertRetryMax {
			delay = insertRetryMax
		}
	}
}

// EventsProcessed is the count of events accepted end to end
func (p *Pipeline) EventsProcessed() int64 { return p.processed.Load() }

// DuplicatesFiltered is the count of events rejected by the dedup cache
func (p *Pipeline) DuplicatesFiltered() int64 { return p.normalizer.DuplicatesFiltered() }

// MalformedDropped is the count of payloads rejected during parsing
func (p *Pipeline) MalformedDropped() int64 { return p.normalizer.MalformedDropped() }

// AlertsGenerated is the count of crisis alerts raised by detection
func (p *Pipeline) AlertsGenerated() int64 { return p.engine.AlertsRaised() }

// AvgProcessingMs is the mean end-to-end latency of accepted events
func (p *Pipeline) AvgProcessingMs() float64 {
	n := p.processed.Load()
	if n == 0 {
		return 0
	}
	return float64(p.latencyNs.Load()) / float64(n) / 1e6
}

// sleepCtx sleeps for d or until ctx is cancelled; false means cancelled
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
