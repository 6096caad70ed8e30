package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

const metricsSubject = "metrics.pipeline"

// GatewayUsage is the slice of the fetch gateway the monitor reads
type GatewayUsage interface {
	Usage(source string) model.RateLimitUsage
}

// PipelineStats is the slice of the ingest pipeline the monitor reads
type PipelineStats interface {
	EventsProcessed() int64
	DuplicatesFiltered() int64
	MalformedDropped() int64
	AlertsGenerated() int64
	AvgProcessingMs() float64
}

// HealthReport is the response shape for ops tooling
type HealthReport struct {
	Overall  model.ServiceStatus            `json:"overall"`
	Sources  []*model.ServiceHealthRecord   `json:"per_source"`
	Snapshot *model.PipelineMetricsSnapshot `json:"snapshot,omitempty"`
}

// fetchOutcome tracks the most recent fetch result for one source
type fetchOutcome struct {
	lastSuccess  *time.Time
	lastError    string
	responseTime time.Duration
	successes    int64
	attempts     int64
}

// Monitor aggregates gateway usage and pipeline throughput into periodic
// snapshots and per-source health records. It observes and reports; it
// never raises crisis alerts itself.
type Monitor struct {
	logger   *zap.Logger
	interval time.Duration
	sources  []string

	gateway GatewayUsage
	stats   PipelineStats
	events  *storage.EventStore
	health  *storage.HealthStore
	js      nats.JetStreamContext

	cron *cron.Cron

	mu       sync.Mutex
	outcomes map[string]*fetchOutcome

	lastEvents int64
	lastRun    time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// New creates a health monitor. js may be nil when no live metrics feed is
// wanted (tests, one-shot tools).
func New(logger *zap.Logger, interval time.Duration, sources []string,
	gateway GatewayUsage, stats PipelineStats,
	events *storage.EventStore, health *storage.HealthStore,
	js nats.JetStreamContext) *Monitor {

	named := logger.Named("health-monitor")
	c := cron.New(cron.WithChain(cron.Recover(&cronLogger{logger: named.Named("cron")})))

	return &Monitor{
		logger:   named,
		interval: interval,
		sources:  sources,
		gateway:  gateway,
		stats:    stats,
		events:   events,
		health:   health,
		js:       js,
		cron:     c,
		outcomes: make(map[string]*fetchOutcome),
		lastRun:  time.Now().UTC(),
	}
}

// SetStats binds the pipeline counters. The pipeline is constructed after
// the monitor because it reports fetch outcomes to it.
func (m *Monitor) SetStats(stats PipelineStats) {
	m.stats = stats
}

// Start schedules the periodic collection job
func (m *Monitor) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", m.interval)
	_, err := m.cron.AddFunc(spec, func() { m.Collect(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule health collection: %w", err)
	}
	m.cron.Start()
	m.logger.Info("Health monitor started", zap.Duration("interval", m.interval))

	go func() {
		<-ctx.Done()
		m.cron.Stop()
	}()
	return nil
}

// RecordFetch reports one fetch attempt's outcome for a source
func (m *Monitor) RecordFetch(source string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome, ok := m.outcomes[source]
	if !ok {
		outcome = &fetchOutcome{}
		m.outcomes[source] = outcome
	}
	outcome.attempts++
	outcome.responseTime = duration
	if err != nil {
		outcome.lastError = err.Error()
		return
	}
	now := time.Now().UTC()
	outcome.lastSuccess = &now
	outcome.lastError = ""
	outcome.successes++
}

// Collect builds one metrics snapshot, persists it, publishes it, and
// upserts the per-source health records.
func (m *Monitor) Collect(ctx context.Context) {
	snap := m.buildSnapshot(ctx)

	if err := m.health.AppendSnapshot(ctx, snap); err != nil {
		m.logger.Error("Failed to persist snapshot", zap.Error(err))
	}

	for _, record := range m.sourceRecords() {
		if err := m.health.UpsertHealth(ctx, record); err != nil {
			m.logger.Error("Failed to upsert health record",
				zap.String("source", record.Source),
				zap.Error(err))
		}
	}

	if m.js != nil {
		data, err := json.Marshal(snap)
		if err == nil {
			if _, err := m.js.Publish(metricsSubject, data); err != nil {
				m.logger.Error("Failed to publish snapshot", zap.Error(err))
			}
		}
	}

	m.logger.Debug("Snapshot collected",
		zap.Int64("events_processed", snap.EventsProcessed),
		zap.Float64("events_per_minute", snap.EventsPerMinute),
		zap.Int64("alerts_generated", snap.AlertsGenerated))
}

func (m *Monitor) buildSnapshot(ctx context.Context) *model.PipelineMetricsSnapshot {
	now := time.Now().UTC()
	var processed int64
	if m.stats != nil {
		processed = m.stats.EventsProcessed()
	}

	m.mu.Lock()
	elapsed := now.Sub(m.lastRun).Minutes()
	delta := processed - m.lastEvents
	m.lastEvents = processed
	m.lastRun = now
	m.mu.Unlock()

	perMinute := 0.0
	if elapsed > 0 {
		perMinute = float64(delta) / elapsed
	}

	snap := &model.PipelineMetricsSnapshot{
		ID:              uuid.New().String(),
		Timestamp:       now,
		EventsProcessed: processed,
		EventsPerMinute: perMinute,
	}
	if m.stats != nil {
		snap.AlertsGenerated = m.stats.AlertsGenerated()
		snap.AvgProcessingMs = m.stats.AvgProcessingMs()
		snap.DuplicatesFiltered = m.stats.DuplicatesFiltered()
		snap.MalformedDropped = m.stats.MalformedDropped()
	}

	since := now.Add(-24 * time.Hour)
	if dist, err := m.events.SentimentDistribution(ctx, since); err == nil {
		snap.SentimentDistribution = dist
	}
	if dist, err := m.events.PlatformDistribution(ctx, since); err == nil {
		snap.PlatformDistribution = dist
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.ProcessCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.ProcessMemoryMB = float64(vm.Used) / (1 << 20)
	}
	return snap
}

// sourceRecords derives the current ServiceHealthRecord per source
func (m *Monitor) sourceRecords() []*model.ServiceHealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	records := make([]*model.ServiceHealthRecord, 0, len(m.sources))
	for _, source := range m.sources {
		usage := m.gateway.Usage(source)
		record := &model.ServiceHealthRecord{
			Source:          source,
			Status:          model.ServiceStatusHealthy,
			RateHeadroomPct: usage.HeadroomPercent(),
			UptimePercent:   100,
			UpdatedAt:       now,
		}

		if outcome, ok := m.outcomes[source]; ok {
			record.LastSuccessAt = outcome.lastSuccess
			record.LastError = outcome.lastError
			record.ResponseTimeMs = outcome.responseTime.Milliseconds()
			if outcome.attempts > 0 {
				record.UptimePercent = float64(outcome.successes) / float64(outcome.attempts) * 100
			}
			switch {
			case outcome.lastSuccess == nil && outcome.attempts > 0:
				record.Status = model.ServiceStatusDown
			case outcome.lastError != "":
				record.Status = model.ServiceStatusDegraded
			}
		}
		if record.Status == model.ServiceStatusHealthy && record.RateHeadroomPct < 10 {
			record.Status = model.ServiceStatusDegraded
		}
		records = append(records, record)
	}
	return records
}

// Health returns the overall report for ops tooling
func (m *Monitor) Health(ctx context.Context) (*HealthReport, error) {
	records := m.sourceRecords()

	overall := model.ServiceStatusHealthy
	down := 0
	for _, record := range records {
		switch record.Status {
		case model.ServiceStatusDown:
			down++
			overall = model.ServiceStatusDegraded
		case model.ServiceStatusDegraded:
			overall = model.ServiceStatusDegraded
		}
	}
	if len(records) > 0 && down == len(records) {
		overall = model.ServiceStatusDown
	}

	report := &HealthReport{
		Overall: overall,
		Sources: records,
	}
	if snap, err := m.health.LatestSnapshot(ctx); err == nil {
		report.Snapshot = snap
	} else if err != storage.ErrNotFound {
		return nil, err
	}
	return report, nil
}
