// Package models defines the core domain types shared across the pipeline:
// raw log events, security events, LLM verdicts, and correlations.
package models

import "time"

// RiskLevel is the severity ladder for security events.
type RiskLevel string

// Risk levels, ordered low → critical.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskOrder maps risk levels to their position on the ladder.
// Unknown values rank below low so a malformed LLM verdict never
// outranks a deterministic rule.
var riskOrder = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the ordinal position of the risk level (0 for unknown).
func (r RiskLevel) Rank() int {
	return riskOrder[r]
}

// Valid reports whether the value is one of the four known levels.
func (r RiskLevel) Valid() bool {
	return riskOrder[r] != 0
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskLevel normalizes a free-form risk string (e.g. from an LLM
// verdict) to a RiskLevel, defaulting to low for unrecognized input.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(normalizeToken(s)) {
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	case RiskCritical:
		return RiskCritical
	default:
		return RiskLow
	}
}

// EventType classifies a security event by the behavior it represents.
type EventType string

// Event type values emitted by the detector and built-in rules.
const (
	EventTypeUnknown             EventType = "unknown"
	EventTypeLogonSuccess        EventType = "logon_success"
	EventTypeLogonFailure        EventType = "logon_failure"
	EventTypePrivilegedLogon     EventType = "privileged_logon"
	EventTypeProcessCreation     EventType = "process_creation"
	EventTypeScriptExecution     EventType = "script_execution"
	EventTypeAccountManagement   EventType = "account_management"
	EventTypeServiceInstall      EventType = "service_install"
	EventTypeAuditLogCleared     EventType = "audit_log_cleared"
	EventTypeScheduledTask       EventType = "scheduled_task"
	EventTypeCredentialAccess    EventType = "credential_access"
	EventTypeLateralMovement     EventType = "lateral_movement"
	EventTypePolicyChange        EventType = "policy_change"
	EventTypeDefenseEvasion      EventType = "defense_evasion"
	EventTypeSuspiciousBehaviour EventType = "suspicious_behaviour"
)

// EventStatus is the triage lifecycle state of a security event.
type EventStatus string

// Triage states.
const (
	StatusOpen          EventStatus = "open"
	StatusInvestigating EventStatus = "investigating"
	StatusResolved      EventStatus = "resolved"
	StatusFalsePositive EventStatus = "false_positive"
)

// LogEvent is an immutable raw operating-system log event as yielded by
// an event source. UniqueID is a content hash used for deduplication;
// the pipeline derives the vector point ID from it.
type LogEvent struct {
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	Channel  string    `json:"channel"`
	EventID  int       `json:"event_id"`
	Level    string    `json:"level"`
	User     string    `json:"user"`
	Message  string    `json:"message"`
	UniqueID string    `json:"unique_id"`
}

// SecurityEvent is the analyzed, persisted form of a log event.
// RiskLevel is always the maximum of the deterministic rule verdict and
// the LLM verdict (see rules.Merge).
type SecurityEvent struct {
	ID                 string      `json:"id" db:"id"`
	OriginalEvent      LogEvent    `json:"original_event" db:"-"`
	EventType          EventType   `json:"event_type" db:"event_type"`
	RiskLevel          RiskLevel   `json:"risk_level" db:"risk_level"`
	Confidence         int         `json:"confidence" db:"confidence"`
	Summary            string      `json:"summary" db:"summary"`
	MitreTechniques    []string    `json:"mitre_techniques" db:"-"`
	RecommendedActions []string    `json:"recommended_actions" db:"-"`
	IsDeterministic    bool        `json:"is_deterministic" db:"is_deterministic"`
	CorrelationID      string      `json:"correlation_id,omitempty" db:"correlation_id"`
	CorrelationScore   float64     `json:"correlation_score" db:"correlation_score"`
	BurstScore         float64     `json:"burst_score" db:"burst_score"`
	AnomalyScore       float64     `json:"anomaly_score" db:"anomaly_score"`
	Status             EventStatus `json:"status" db:"status"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// Neighbor is a similarity-search hit: a prior log event and its score.
type Neighbor struct {
	Event LogEvent `json:"event"`
	Score float64  `json:"score"`
}

// normalizeToken strips whitespace and lowercases ASCII, so "High" and
// " HIGH " parse to the same risk level.
func normalizeToken(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b = append(b, c)
	}
	return string(b)
}
