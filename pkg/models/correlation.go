package models

import (
	"sort"
	"strings"
	"time"
)

// CorrelationType identifies the multi-event pattern a correlation asserts.
type CorrelationType string

// Correlation pattern types emitted by the correlation engine.
const (
	CorrelationTemporalBurst       CorrelationType = "temporal_burst"
	CorrelationAttackChain         CorrelationType = "attack_chain"
	CorrelationLateralMovement     CorrelationType = "lateral_movement"
	CorrelationPrivilegeEscalation CorrelationType = "privilege_escalation"
)

// Correlation asserts that a set of security events jointly match a
// pattern. Created by the correlation engine after ingestion and never
// mutated. EventIDs hold SecurityEvent.ID values only; no back-pointers
// are persisted.
type Correlation struct {
	ID                 string          `json:"id" db:"id"`
	DetectedAt         time.Time       `json:"detected_at" db:"detected_at"`
	CorrelationType    CorrelationType `json:"correlation_type" db:"correlation_type"`
	ConfidenceScore    float64         `json:"confidence_score" db:"confidence_score"`
	Pattern            string          `json:"pattern" db:"pattern"`
	EventIDs           []string        `json:"event_ids" db:"-"`
	TimeWindow         time.Duration   `json:"time_window" db:"time_window"`
	MitreTechniques    []string        `json:"mitre_techniques" db:"-"`
	RiskLevel          RiskLevel       `json:"risk_level" db:"risk_level"`
	Summary            string          `json:"summary" db:"summary"`
	RecommendedActions []string        `json:"recommended_actions" db:"-"`
}

// DedupKey returns the identity key of a correlation: its type plus the
// sorted set of event IDs. Two detector passes over the same window must
// produce the same keys.
func (c *Correlation) DedupKey() string {
	ids := make([]string, len(c.EventIDs))
	copy(ids, c.EventIDs)
	sort.Strings(ids)
	return string(c.CorrelationType) + "|" + strings.Join(ids, ",")
}

// AttackStage is one step of an attack chain, typed by MITRE tactic.
type AttackStage struct {
	Sequence       int       `json:"sequence"`
	Name           string    `json:"name"`
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	MitreTechnique string    `json:"mitre_technique,omitempty"`
}

// AttackChain is an ordered sequence of stages across related events,
// with aggregate window and confidence.
type AttackChain struct {
	ID              string        `json:"id"`
	CorrelationID   string        `json:"correlation_id"`
	Stages          []AttackStage `json:"stages"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	AffectedAssets  []string      `json:"affected_assets"`
	ConfidenceScore float64       `json:"confidence_score"`
}
