package broadcast

import (
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

// Message type discriminators carried in every payload's Type field.
const (
	TypeScanProgressUpdate       = "scan.progress"
	TypeScanCompleted            = "scan.completed"
	TypeScanError                = "scan.error"
	TypeSystemMetricsUpdate      = "system.metrics"
	TypeThreatIntelligenceStatus = "threat_intel.status"
	TypeSecurityEventUpdate      = "security_event.update"
	TypeCorrelationAlert         = "correlation.alert"
	TypeMalwareMatchDetected     = "malware.match"
	TypeDashboardDataRequested   = "dashboard.data"
	TypeDashboardUpdate          = "dashboard.update"
)

// Stable scan error codes.
const (
	ScanErrorSourceUnavailable = "source_unavailable"
	ScanErrorPersistFailed     = "persist_failed"
	ScanErrorDeadlineExceeded  = "deadline_exceeded"
	ScanErrorInternal          = "internal"
)

// ScanProgressUpdate reports ingest progress for one scan.
type ScanProgressUpdate struct {
	Type            string  `json:"type"` // always TypeScanProgressUpdate
	ScanID          string  `json:"scan_id"`
	EventsProcessed int64   `json:"events_processed"`
	EventsDropped   int64   `json:"events_dropped"`
	EventsPersisted int64   `json:"events_persisted"`
	Progress        float64 `json:"progress,omitempty"` // 0..1 when the source size is known
	Timestamp       string  `json:"timestamp"`          // RFC3339Nano
}

// ScanCompleted marks the end of a scan.
type ScanCompleted struct {
	Type            string `json:"type"` // always TypeScanCompleted
	ScanID          string `json:"scan_id"`
	EventsProcessed int64  `json:"events_processed"`
	EventsPersisted int64  `json:"events_persisted"`
	Duration        string `json:"duration"`
	Timestamp       string `json:"timestamp"`
}

// ScanError reports a scan failure with a stable machine-readable code.
type ScanError struct {
	Type      string `json:"type"` // always TypeScanError
	ScanID    string `json:"scan_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// SystemMetricsUpdate is the periodic pipeline health snapshot.
type SystemMetricsUpdate struct {
	Type             string         `json:"type"` // always TypeSystemMetricsUpdate
	EventsPerSecond  float64        `json:"events_per_second"`
	InFlight         int            `json:"in_flight"`
	PoolHealth       map[string]int `json:"pool_health"` // pool → healthy instance count
	EmbeddingHitRate float64        `json:"embedding_hit_rate"`
	Timestamp        string         `json:"timestamp"`
}

// ThreatIntelligenceStatus reports the freshness of external intel
// feeds consumed by the rules engine.
type ThreatIntelligenceStatus struct {
	Type        string `json:"type"` // always TypeThreatIntelligenceStatus
	FeedName    string `json:"feed_name"`
	Healthy     bool   `json:"healthy"`
	LastUpdated string `json:"last_updated"`
	Timestamp   string `json:"timestamp"`
}

// SecurityEventUpdate carries a newly persisted security event. The
// verdict is always the best obtainable, possibly the fallback.
type SecurityEventUpdate struct {
	Type      string                `json:"type"` // always TypeSecurityEventUpdate
	Event     *models.SecurityEvent `json:"event"`
	Timestamp string                `json:"timestamp"`
}

// CorrelationAlert carries a newly detected correlation. Attack-chain
// correlations include the staged chain view; AttackChain is nil for
// every other correlation type.
type CorrelationAlert struct {
	Type        string              `json:"type"` // always TypeCorrelationAlert
	Correlation *models.Correlation `json:"correlation"`
	AttackChain *models.AttackChain `json:"attack_chain,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

// MalwareMatchDetected reports an offensive-tooling rule hit.
type MalwareMatchDetected struct {
	Type      string `json:"type"` // always TypeMalwareMatchDetected
	EventID   string `json:"event_id"`
	Host      string `json:"host"`
	Indicator string `json:"indicator"`
	Timestamp string `json:"timestamp"`
}

// DashboardData is the aggregate snapshot answering a dashboard
// request.
type DashboardData struct {
	TimeRange        string                       `json:"time_range"`
	TotalEvents      int                          `json:"total_events"`
	CountByRiskLevel map[models.RiskLevel]int     `json:"count_by_risk_level"`
	CountByStatus    map[models.EventStatus]int   `json:"count_by_status"`
}

// DashboardDataRequested answers a RequestDashboardData client call on
// the requesting connection only.
type DashboardDataRequested struct {
	Type      string        `json:"type"` // always TypeDashboardDataRequested
	Data      DashboardData `json:"data"`
	Timestamp string        `json:"timestamp"`
}

// DashboardUpdate is the periodic refresh pushed to DashboardUpdates
// subscribers, covering the default 24h window.
type DashboardUpdate struct {
	Type      string        `json:"type"` // always TypeDashboardUpdate
	Data      DashboardData `json:"data"`
	Timestamp string        `json:"timestamp"`
}

// Stamp returns the canonical payload timestamp.
func Stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
