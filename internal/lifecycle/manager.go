package lifecycle

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

// Event kinds published after a committed mutation
const (
	EventAlertCreated   = "alert_created"
	EventAlertUpdated   = "alert_updated"
	EventAlertEscalated = "alert_escalated"
)

// Publisher receives domain events after the owning mutation has committed.
// State mutation and transport stay decoupled: a failed publish never rolls
// back a transition.
type Publisher interface {
	Publish(ctx context.Context, kind string, alert *model.CrisisAlert) error
}

const lockStripes = 64

// openAlert is the in-memory view of one non-terminal alert
type openAlert struct {
	alert       *model.CrisisAlert
	lastTouched time.Time
}

// Manager owns the alert state machine. Every transition is serialized per
// alert id, appended to the audit trail, and broadcast after commit.
type Manager struct {
	logger    *zap.Logger
	store     *storage.AlertStore
	publisher Publisher

	locks [lockStripes]sync.Mutex

	mu   sync.RWMutex
	open map[string]*openAlert
}

// NewManager creates a manager and rebuilds the open-alert index from the
// store so escalation works across restarts.
func NewManager(ctx context.Context, logger *zap.Logger, store *storage.AlertStore, publisher Publisher) (*Manager, error) {
	m := &Manager{
		logger:    logger.Named("lifecycle"),
		store:     store,
		publisher: publisher,
		open:      make(map[string]*openAlert),
	}

	alerts, err := store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		m.open[alert.ID] = &openAlert{alert: alert, lastTouched: alert.Timestamp}
	}
	if len(alerts) > 0 {
		m.logger.Info("Rebuilt open-alert index", zap.Int("count", len(alerts)))
	}
	return m, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// Raise creates a new alert in status active and publishes alert_created
func (m *Manager) Raise(ctx context.Context, alert *model.CrisisAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	alert.Status = model.AlertStatusActive
	alert.Urgency = model.UrgencyForSeverity(alert.Severity)

	if err := m.store.Insert(ctx, alert); err != nil {
		return err
	}

	m.mu.Lock()
	m.open[alert.ID] = &openAlert{alert: cloneAlert(alert), lastTouched: alert.Timestamp}
	m.mu.Unlock()

	m.audit(ctx, alert.ID, alert.Source, "", model.AlertStatusActive, "")
	m.publish(ctx, EventAlertCreated, alert)

	m.logger.Info("Alert raised",
		zap.String("id", alert.ID),
		zap.Int("severity", alert.Severity),
		zap.String("urgency", string(alert.Urgency)),
		zap.Strings("topics", alert.AffectedTopics))
	return nil
}

// Acknowledge moves an active alert to acknowledged
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*model.CrisisAlert, error) {
	return m.transition(ctx, id, actor, "", model.AlertStatusAcknowledged, model.AlertStatusActive)
}

// Investigate moves an acknowledged alert to investigating. Calling it on an
// active alert acknowledges first, recording both audit steps.
func (m *Manager) Investigate(ctx context.Context, id, actor string) (*model.CrisisAlert, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == model.AlertStatusActive {
		if err := m.commit(ctx, alert, actor, "", model.AlertStatusAcknowledged); err != nil {
			return nil, err
		}
	}
	if alert.Status != model.AlertStatusAcknowledged {
		return nil, &ConflictError{AlertID: id, Current: alert.Status, Attempted: model.AlertStatusInvestigating}
	}
	if err := m.commit(ctx, alert, actor, "", model.AlertStatusInvestigating); err != nil {
		return nil, err
	}
	return cloneAlert(alert), nil
}

// Resolve closes an alert from any non-terminal state and sets resolved_at
func (m *Manager) Resolve(ctx context.Context, id, actor, notes string) (*model.CrisisAlert, error) {
	return m.transition(ctx, id, actor, notes, model.AlertStatusResolved,
		model.AlertStatusActive, model.AlertStatusAcknowledged, model.AlertStatusInvestigating)
}

// Dismiss closes a false positive from any non-terminal state
func (m *Manager) Dismiss(ctx context.Context, id, actor, notes string) (*model.CrisisAlert, error) {
	return m.transition(ctx, id, actor, notes, model.AlertStatusDismissed,
		model.AlertStatusActive, model.AlertStatusAcknowledged, model.AlertStatusInvestigating)
}

// transition applies one state change under the per-alert lock. The first
// committer wins; a loser observes the new state and gets a ConflictError.
func (m *Manager) transition(ctx context.Context, id, actor, notes string, to model.AlertStatus, allowedFrom ...model.AlertStatus) (*model.CrisisAlert, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, from := range allowedFrom {
		if alert.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &ConflictError{AlertID: id, Current: alert.Status, Attempted: to}
	}

	if err := m.commit(ctx, alert, actor, notes, to); err != nil {
		return nil, err
	}
	return cloneAlert(alert), nil
}

// commit persists one transition, appends its audit entry, updates the open
// index and publishes. Caller holds the per-alert lock.
func (m *Manager) commit(ctx context.Context, alert *model.CrisisAlert, actor, notes string, to model.AlertStatus) error {
	from := alert.Status
	alert.Status = to
	if notes != "" {
		alert.Notes = notes
	}
	if actor != "" {
		alert.AssignedTo = actor
	}
	if to == model.AlertStatusResolved {
		now := time.Now().UTC()
		alert.ResolvedAt = &now
	}

	if err := m.store.Update(ctx, alert, from); err != nil {
		alert.Status = from
		return err
	}

	m.mu.Lock()
	if to.Terminal() {
		delete(m.open, alert.ID)
	} else if entry, ok := m.open[alert.ID]; ok {
		entry.alert = cloneAlert(alert)
		entry.lastTouched = time.Now().UTC()
	} else {
		m.open[alert.ID] = &openAlert{alert: cloneAlert(alert), lastTouched: time.Now().UTC()}
	}
	m.mu.Unlock()

	m.audit(ctx, alert.ID, actor, from, to, notes)
	m.publish(ctx, EventAlertUpdated, alert)

	m.logger.Info("Alert transitioned",
		zap.String("id", alert.ID),
		zap.String("actor", actor),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Escalate raises the recorded intensity of an already-open alert without
// changing its status, then re-broadcasts. Detection-engine internal.
func (m *Manager) Escalate(ctx context.Context, id string, severity int, mentions int, reach int64, confidence float64, eventIDs []string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if alert.Status.Terminal() {
		return &ConflictError{AlertID: id, Current: alert.Status, Attempted: alert.Status}
	}

	alert.Escalated = true
	if severity > alert.Severity {
		alert.Severity = severity
		alert.Urgency = model.UrgencyForSeverity(severity)
	}
	if mentions > alert.MentionsCount {
		alert.MentionsCount = mentions
	}
	if reach > alert.Reach {
		alert.Reach = reach
	}
	if confidence > alert.Confidence {
		alert.Confidence = confidence
	}
	alert.TriggerEventIDs = mergeIDs(alert.TriggerEventIDs, eventIDs)

	if err := m.store.Update(ctx, alert, alert.Status); err != nil {
		return err
	}

	m.mu.Lock()
	if entry, ok := m.open[alert.ID]; ok {
		entry.alert = cloneAlert(alert)
		entry.lastTouched = time.Now().UTC()
	}
	m.mu.Unlock()

	m.publish(ctx, EventAlertEscalated, alert)

	m.logger.Warn("Alert escalated",
		zap.String("id", alert.ID),
		zap.Int("severity", alert.Severity),
		zap.Int("mentions", alert.MentionsCount))
	return nil
}

// FindActiveOverlap returns the most severely scored non-terminal alert
// whose topics intersect the given set and which was touched within the
// cooldown window. Terminal alerts are invisible here, so a topic that
// spikes again after resolution gets a fresh alert.
func (m *Manager) FindActiveOverlap(topics []string, within time.Duration) *model.CrisisAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-within)
	var best *model.CrisisAlert
	for _, entry := range m.open {
		if entry.lastTouched.Before(cutoff) {
			continue
		}
		if !topicsOverlap(entry.alert.AffectedTopics, topics) {
			continue
		}
		if best == nil || entry.alert.Severity > best.Severity {
			best = entry.alert
		}
	}
	if best == nil {
		return nil
	}
	return cloneAlert(best)
}

// Get returns the current state of one alert
func (m *Manager) Get(ctx context.Context, id string) (*model.CrisisAlert, error) {
	return m.load(ctx, id)
}

// load prefers the open index and falls back to the store for terminal alerts
func (m *Manager) load(ctx context.Context, id string) (*model.CrisisAlert, error) {
	m.mu.RLock()
	entry, ok := m.open[id]
	m.mu.RUnlock()
	if ok {
		return cloneAlert(entry.alert), nil
	}

	alert, err := m.store.Get(ctx, id)
	if err == storage.ErrNotFound {
		return nil, ErrAlertNotFound
	}
	return alert, err
}

func (m *Manager) audit(ctx context.Context, alertID, actor string, from, to model.AlertStatus, notes string) {
	entry := &model.AuditEntry{
		ID:        uuid.New().String(),
		AlertID:   alertID,
		Actor:     actor,
		FromState: from,
		ToState:   to,
		Notes:     notes,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.logger.Error("Failed to append audit entry",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, kind string, alert *model.CrisisAlert) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, kind, cloneAlert(alert)); err != nil {
		m.logger.Error("Failed to publish alert event",
			zap.String("kind", kind),
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

func cloneAlert(alert *model.CrisisAlert) *model.CrisisAlert {
	clone := *alert
	clone.AffectedTopics = append([]string(nil), alert.AffectedTopics...)
	clone.RecommendedActions = append([]string(nil), alert.RecommendedActions...)
	clone.TriggerEventIDs = append([]string(nil), alert.TriggerEventIDs...)
	if alert.ResolvedAt != nil {
		t := *alert.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}

func topicsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}
