package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentrill/sentrill/pkg/models"
)

// group collects events under a shared key (event type, host, or user).
type group struct {
	key    string
	events []*models.SecurityEvent
}

// groupBy partitions events by a key function, dropping empty keys.
// Input order (time ascending) is preserved inside each group.
func groupBy(events []*models.SecurityEvent, key func(*models.SecurityEvent) string) []group {
	index := make(map[string]int)
	var groups []group
	for _, e := range events {
		k := key(e)
		if k == "" {
			continue
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{key: k})
		}
		groups[i].events = append(groups[i].events, e)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

func normalizeUser(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// detectTemporalBursts finds runs of threshold or more events sharing
// an event type, host, or user inside the burst window. Windows are
// consumed greedily so one burst emits one correlation.
func (e *Engine) detectTemporalBursts(events []*models.SecurityEvent, now time.Time) []*models.Correlation {
	window := e.cfg.BurstWindow()
	threshold := e.cfg.BurstThreshold

	keyFns := []func(*models.SecurityEvent) string{
		func(s *models.SecurityEvent) string { return "type=" + string(s.EventType) },
		func(s *models.SecurityEvent) string {
			if s.OriginalEvent.Host == "" {
				return ""
			}
			return "host=" + s.OriginalEvent.Host
		},
		func(s *models.SecurityEvent) string {
			if normalizeUser(s.OriginalEvent.User) == "" {
				return ""
			}
			return "user=" + normalizeUser(s.OriginalEvent.User)
		},
	}

	var out []*models.Correlation
	for _, keyFn := range keyFns {
		for _, g := range groupBy(events, keyFn) {
			i := 0
			for i < len(g.events) {
				j := i
				deadline := g.events[i].OriginalEvent.Time.Add(window)
				for j+1 < len(g.events) && !g.events[j+1].OriginalEvent.Time.After(deadline) {
					j++
				}
				count := j - i + 1
				if count < threshold {
					i++
					continue
				}

				burst := g.events[i : j+1]
				ids := eventIDs(burst)
				confidence := minFloat(1, float64(count)/float64(threshold))
				out = append(out, &models.Correlation{
					ID:              uuid.NewString(),
					DetectedAt:      now,
					CorrelationType: models.CorrelationTemporalBurst,
					ConfidenceScore: confidence,
					Pattern:         fmt.Sprintf("%d events with %s within %s", count, g.key, window),
					EventIDs:        ids,
					TimeWindow:      window,
					MitreTechniques: burstTechniques(burst),
					RiskLevel:       burstRisk(confidence),
					Summary:         fmt.Sprintf("Temporal burst: %d events sharing %s", count, g.key),
					RecommendedActions: []string{
						"Review the burst events together rather than individually",
						"Check whether the activity is automated or scripted",
					},
				})
				i = j + 1
			}
		}
	}
	return out
}

func burstRisk(confidence float64) models.RiskLevel {
	if confidence >= 1 {
		return models.RiskHigh
	}
	return models.RiskMedium
}

func burstTechniques(events []*models.SecurityEvent) []string {
	for _, e := range events {
		if e.EventType == models.EventTypeLogonFailure {
			return []string{"T1110"}
		}
	}
	return nil
}

// detectLateralMovement finds a user succeeding on several distinct
// hosts inside the window after at least one failed logon. User
// comparison is case-insensitive.
func (e *Engine) detectLateralMovement(events []*models.SecurityEvent, now time.Time) []*models.Correlation {
	window := e.cfg.LateralWindow()
	threshold := e.cfg.LateralThreshold

	var out []*models.Correlation
	for _, g := range groupBy(events, func(s *models.SecurityEvent) string {
		return normalizeUser(s.OriginalEvent.User)
	}) {
		var firstFailure *models.SecurityEvent
		for _, ev := range g.events {
			if ev.EventType == models.EventTypeLogonFailure {
				firstFailure = ev
				break
			}
		}
		if firstFailure == nil {
			continue
		}

		deadline := firstFailure.OriginalEvent.Time.Add(window)
		hosts := make(map[string]bool)
		chain := []*models.SecurityEvent{firstFailure}
		for _, ev := range g.events {
			if ev.OriginalEvent.Time.Before(firstFailure.OriginalEvent.Time) ||
				ev.OriginalEvent.Time.After(deadline) {
				continue
			}
			if ev.EventType != models.EventTypeLogonSuccess && ev.EventType != models.EventTypePrivilegedLogon {
				continue
			}
			if ev.OriginalEvent.Host == "" || hosts[ev.OriginalEvent.Host] {
				continue
			}
			hosts[ev.OriginalEvent.Host] = true
			chain = append(chain, ev)
		}
		if len(hosts) < threshold {
			continue
		}

		confidence := minFloat(1, float64(len(hosts))/float64(threshold))
		out = append(out, &models.Correlation{
			ID:              uuid.NewString(),
			DetectedAt:      now,
			CorrelationType: models.CorrelationLateralMovement,
			ConfidenceScore: confidence,
			Pattern:         fmt.Sprintf("user %s succeeded on %d hosts after a failed logon", g.key, len(hosts)),
			EventIDs:        eventIDs(chain),
			TimeWindow:      window,
			MitreTechniques: []string{"T1021", "T1078"},
			RiskLevel:       models.RiskHigh,
			Summary:         fmt.Sprintf("Lateral movement: %s reached %d distinct hosts", g.key, len(hosts)),
			RecommendedActions: []string{
				"Disable the account pending investigation",
				"Audit activity on every reached host",
			},
		})
	}
	return out
}

// privilegeEscalationConfidence is fixed: the pattern is binary, either
// the sequence occurred inside the window or it did not.
const privilegeEscalationConfidence = 0.8

// detectPrivilegeEscalation finds a privileged logon following a
// non-privileged session by the same user inside the window.
func (e *Engine) detectPrivilegeEscalation(events []*models.SecurityEvent, now time.Time) []*models.Correlation {
	window := e.cfg.PrivilegeWindow()

	var out []*models.Correlation
	for _, g := range groupBy(events, func(s *models.SecurityEvent) string {
		return normalizeUser(s.OriginalEvent.User)
	}) {
		var base *models.SecurityEvent
		for _, ev := range g.events {
			switch ev.EventType {
			case models.EventTypeLogonSuccess:
				if base == nil {
					base = ev
				}
			case models.EventTypePrivilegedLogon:
				if base == nil {
					continue
				}
				if ev.OriginalEvent.Time.Sub(base.OriginalEvent.Time) > window {
					continue
				}
				out = append(out, &models.Correlation{
					ID:              uuid.NewString(),
					DetectedAt:      now,
					CorrelationType: models.CorrelationPrivilegeEscalation,
					ConfidenceScore: privilegeEscalationConfidence,
					Pattern:         fmt.Sprintf("privileged logon by %s %s after a standard session", g.key, ev.OriginalEvent.Time.Sub(base.OriginalEvent.Time).Round(time.Second)),
					EventIDs:        eventIDs([]*models.SecurityEvent{base, ev}),
					TimeWindow:      window,
					MitreTechniques: []string{"T1078", "T1548"},
					RiskLevel:       models.RiskHigh,
					Summary:         fmt.Sprintf("Privilege escalation: %s obtained special privileges", g.key),
					RecommendedActions: []string{
						"Verify the privilege assignment was expected",
						"Review what the privileged session accessed",
					},
				})
				base = nil
			}
		}
	}
	return out
}

// chainStage binds a tactic to the event types that express it.
type chainStage struct {
	name      string
	technique string
	types     map[models.EventType]bool
}

var chainStages = []chainStage{
	{"Initial Access", "TA0001", typeSet(models.EventTypeLogonSuccess, models.EventTypeLogonFailure)},
	{"Execution", "TA0002", typeSet(models.EventTypeProcessCreation, models.EventTypeScriptExecution)},
	{"Persistence", "TA0003", typeSet(models.EventTypeServiceInstall, models.EventTypeScheduledTask, models.EventTypeAccountManagement)},
	{"Privilege Escalation", "TA0004", typeSet(models.EventTypePrivilegedLogon)},
	{"Defense Evasion", "TA0005", typeSet(models.EventTypeAuditLogCleared, models.EventTypeDefenseEvasion)},
	{"Credential Access", "TA0006", typeSet(models.EventTypeCredentialAccess)},
	{"Lateral Movement", "TA0008", typeSet(models.EventTypeLateralMovement)},
}

func typeSet(types ...models.EventType) map[models.EventType]bool {
	m := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// minChainStages is the fewest distinct tactics that count as a chain.
const minChainStages = 3

// detectAttackChains finds ordered tactic sequences on the same host or
// user inside the chain window. Confidence is the fraction of expected
// stages present scaled by how monotonic their timestamps are.
func (e *Engine) detectAttackChains(events []*models.SecurityEvent, now time.Time) []*models.Correlation {
	window := e.cfg.ChainWindow()

	keyFns := []func(*models.SecurityEvent) string{
		func(s *models.SecurityEvent) string {
			if s.OriginalEvent.Host == "" {
				return ""
			}
			return "host=" + s.OriginalEvent.Host
		},
		func(s *models.SecurityEvent) string {
			if normalizeUser(s.OriginalEvent.User) == "" {
				return ""
			}
			return "user=" + normalizeUser(s.OriginalEvent.User)
		},
	}

	seen := make(map[string]bool)
	var out []*models.Correlation
	for _, keyFn := range keyFns {
		for _, g := range groupBy(events, keyFn) {
			corr := e.chainForGroup(g, window, now)
			if corr == nil || seen[corr.DedupKey()] {
				continue
			}
			seen[corr.DedupKey()] = true
			out = append(out, corr)
		}
	}
	return out
}

func (e *Engine) chainForGroup(g group, window time.Duration, now time.Time) *models.Correlation {
	// First event per present stage.
	staged := make([]*models.SecurityEvent, len(chainStages))
	for _, ev := range g.events {
		for i, stage := range chainStages {
			if staged[i] == nil && stage.types[ev.EventType] {
				staged[i] = ev
			}
		}
	}

	var present []*models.SecurityEvent
	var techniques []string
	for i, ev := range staged {
		if ev != nil {
			present = append(present, ev)
			techniques = append(techniques, chainStages[i].technique)
		}
	}
	if len(present) < minChainStages {
		return nil
	}

	first, last := present[0], present[0]
	for _, ev := range present {
		if ev.OriginalEvent.Time.Before(first.OriginalEvent.Time) {
			first = ev
		}
		if ev.OriginalEvent.Time.After(last.OriginalEvent.Time) {
			last = ev
		}
	}
	if last.OriginalEvent.Time.Sub(first.OriginalEvent.Time) > window {
		return nil
	}

	ordered := 0
	for i := 1; i < len(present); i++ {
		if !present[i].OriginalEvent.Time.Before(present[i-1].OriginalEvent.Time) {
			ordered++
		}
	}
	monotonicity := float64(ordered) / float64(len(present)-1)
	confidence := (float64(len(present)) / float64(len(chainStages))) * monotonicity
	if confidence <= 0 {
		return nil
	}

	return &models.Correlation{
		ID:              uuid.NewString(),
		DetectedAt:      now,
		CorrelationType: models.CorrelationAttackChain,
		ConfidenceScore: confidence,
		Pattern:         fmt.Sprintf("%d of %d attack stages on %s", len(present), len(chainStages), g.key),
		EventIDs:        eventIDs(present),
		TimeWindow:      window,
		MitreTechniques: techniques,
		RiskLevel:       models.RiskCritical,
		Summary:         fmt.Sprintf("Attack chain: %d tactic stages observed on %s", len(present), g.key),
		RecommendedActions: []string{
			"Treat the asset as compromised and begin incident response",
			"Reconstruct the full timeline across the staged events",
		},
	}
}

func eventIDs(events []*models.SecurityEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
