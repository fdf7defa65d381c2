package rules

import (
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

// Detector turns a raw event into at most one deterministic security
// event.
type Detector struct{}

// NewDetector creates the rule-based detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect applies the rule table. Events with no matching rule return
// nil and flow on for model analysis only. The returned event carries
// no ID; the pipeline assigns it at persist time.
func (d *Detector) Detect(event models.LogEvent) *models.SecurityEvent {
	rule, ok := ruleTable[ruleKey{Channel: event.Channel, EventID: event.EventID}]
	if !ok {
		return nil
	}

	risk := rule.RiskLevel
	confidence := rule.Confidence
	mitre := append([]string(nil), rule.MitreTechniques...)
	actions := append([]string(nil), rule.RecommendedActions...)

	for _, elevator := range rule.Elevators {
		if !elevator.matches(event.Message) {
			continue
		}
		risk = models.MaxRisk(risk, elevator.RaiseTo)
		if elevator.Confidence > confidence {
			confidence = elevator.Confidence
		}
		mitre = unionStrings(mitre, elevator.MitreTechniques)
		actions = unionStrings(actions, elevator.Actions)
	}

	return &models.SecurityEvent{
		OriginalEvent:      event,
		EventType:          rule.EventType,
		RiskLevel:          risk,
		Confidence:         confidence,
		Summary:            rule.Summary,
		MitreTechniques:    mitre,
		RecommendedActions: actions,
		IsDeterministic:    true,
		Status:             models.StatusOpen,
		CreatedAt:          time.Now().UTC(),
	}
}

// unionStrings appends the extras not already present, preserving
// order.
func unionStrings(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range extra {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			base = append(base, s)
		}
	}
	return base
}
