package model

import "time"

// AlertStatus represents the lifecycle state of a crisis alert
type AlertStatus string

const (
	AlertStatusActive        AlertStatus = "active"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusDismissed     AlertStatus = "dismissed"
)

// Terminal reports whether the status permits no further transitions
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusDismissed
}

// UrgencyLevel is the coarse triage bucket derived from severity
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// UrgencyForSeverity maps a 1-10 severity onto its urgency bucket
func UrgencyForSeverity(severity int) UrgencyLevel {
	switch {
	case severity >= 8:
		return UrgencyCritical
	case severity >= 6:
		return UrgencyHigh
	case severity >= 4:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// ThreatType categorizes what kind of crisis an alert describes
type ThreatType string

const (
	ThreatNegativeSurge    ThreatType = "negative_surge"
	ThreatViralSpread      ThreatType = "viral_spread"
	ThreatCoordinatedPush  ThreatType = "coordinated_push"
	ThreatReputationAttack ThreatType = "reputation_attack"
)

// CrisisAlert is a detected anomalous mention pattern requiring attention.
// Created by the detection engine in status active; mutated only through the
// lifecycle manager. TriggerEventIDs is a weak reference list, never an
// ownership edge back into the event store.
type CrisisAlert struct {
	ID                 string            `json:"id"`
	Severity           int               `json:"severity"`
	ThreatType         ThreatType        `json:"threat_type"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	AffectedTopics     []string          `json:"affected_topics"`
	Timestamp          time.Time         `json:"timestamp"`
	Status             AlertStatus       `json:"status"`
	MentionsCount      int               `json:"mentions_count"`
	Reach              int64             `json:"reach"`
	Confidence         float64           `json:"confidence"`
	Urgency            UrgencyLevel      `json:"urgency_level"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	Source             string            `json:"source"`
	Escalated          bool              `json:"escalated"`
	AssignedTo         string            `json:"assigned_to,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	TriggerEventIDs    []string          `json:"trigger_event_ids,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// AuditEntry records one lifecycle transition on an alert
type AuditEntry struct {
	ID        string      `json:"id"`
	AlertID   string      `json:"alert_id"`
	Actor     string      `json:"actor"`
	FromState AlertStatus `json:"from_state"`
	ToState   AlertStatus `json:"to_state"`
	Notes     string      `json:"notes,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
