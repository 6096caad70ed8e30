package model

import "time"

// ServiceStatus summarizes the operational state of one external source
type ServiceStatus string

const (
	ServiceStatusHealthy  ServiceStatus = "healthy"
	ServiceStatusDegraded ServiceStatus = "degraded"
	ServiceStatusDown     ServiceStatus = "down"
)

// RateLimitUsage reports the gateway's current counts for one source
type RateLimitUsage struct {
	Source               string    `json:"source"`
	SecondUsed           int       `json:"second_used"`
	SecondLimit          int       `json:"second_limit"`
	HourUsed             int       `json:"hour_used"`
	HourLimit            int       `json:"hour_limit"`
	ConsecutiveThrottles int       `json:"consecutive_throttles"`
	LastRefill           time.Time `json:"last_refill"`
}

// HeadroomPercent is the remaining share of the tighter of the two windows
func (u RateLimitUsage) HeadroomPercent() float64 {
	sec := 1.0
	if u.SecondLimit > 0 {
		sec = float64(u.SecondLimit-u.SecondUsed) / float64(u.SecondLimit)
	}
	hour := 1.0
	if u.HourLimit > 0 {
		hour = float64(u.HourLimit-u.HourUsed) / float64(u.HourLimit)
	}
	if hour < sec {
		return hour * 100
	}
	return sec * 100
}

// ServiceHealthRecord is the per-source health row upserted by the monitor
type ServiceHealthRecord struct {
	Source          string        `json:"source"`
	Status          ServiceStatus `json:"status"`
	LastSuccessAt   *time.Time    `json:"last_success_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	RateHeadroomPct float64       `json:"rate_headroom_pct"`
	ResponseTimeMs  int64         `json:"response_time_ms"`
	UptimePercent   float64       `json:"uptime_percent"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// PipelineMetricsSnapshot is a periodic append-only rollup of pipeline activity
type PipelineMetricsSnapshot struct {
	ID                    string           `json:"id"`
	Timestamp             time.Time        `json:"timestamp"`
	EventsProcessed       int64            `json:"events_processed"`
	EventsPerMinute       float64          `json:"events_per_minute"`
	AlertsGenerated       int64            `json:"alerts_generated"`
	AvgProcessingMs       float64          `json:"avg_processing_ms"`
	DuplicatesFiltered    int64            `json:"duplicates_filtered"`
	MalformedDropped      int64            `json:"malformed_dropped"`
	SentimentDistribution map[string]int64 `json:"sentiment_distribution,omitempty"`
	PlatformDistribution  map[string]int64 `json:"platform_distribution,omitempty"`
	ProcessCPUPercent     float64          `json:"process_cpu_percent"`
	ProcessMemoryMB       float64          `json:"process_memory_mb"`
}
