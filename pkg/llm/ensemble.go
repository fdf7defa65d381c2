package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
)

// EnsembleMember pairs a client with its merge weight.
type EnsembleMember struct {
	Client Client
	Weight float64
}

// Ensemble fans Analyze out to several models in parallel and merges
// the verdicts. Members that error or miss the deadline are ignored;
// below quorum the default client's verdict is used instead. Generate
// goes straight to the default client.
type Ensemble struct {
	members  []EnsembleMember
	fallback Client
	cfg      config.EnsembleConfig
}

// NewEnsemble creates the ensemble decorator. fallback answers when
// fewer than MinQuorum members respond in time.
func NewEnsemble(members []EnsembleMember, fallback Client, cfg config.EnsembleConfig) *Ensemble {
	return &Ensemble{members: members, fallback: fallback, cfg: cfg}
}

// Name identifies the client.
func (e *Ensemble) Name() string { return "ensemble" }

// Generate passes through to the default client.
func (e *Ensemble) Generate(ctx context.Context, system, user string) (string, error) {
	return e.fallback.Generate(ctx, system, user)
}

type memberResult struct {
	verdict models.LLMVerdict
	weight  float64
}

// Analyze queries all members under the configured deadline and merges
// whatever verdicts arrive.
func (e *Ensemble) Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	deadline, cancel := context.WithTimeout(ctx, e.cfg.Deadline())
	defer cancel()

	results := make(chan memberResult, len(e.members))
	var wg sync.WaitGroup
	for _, m := range e.members {
		wg.Add(1)
		go func(m EnsembleMember) {
			defer wg.Done()
			raw, err := m.Client.Analyze(deadline, event, neighbors)
			if err != nil {
				slog.Debug("Ensemble member failed", "member", m.Client.Name(), "error", err)
				return
			}
			candidate, ok := extractVerdict(raw)
			if !ok {
				slog.Debug("Ensemble member returned unparseable verdict", "member", m.Client.Name())
				return
			}
			var verdict models.LLMVerdict
			if err := json.Unmarshal([]byte(candidate), &verdict); err != nil {
				return
			}
			results <- memberResult{verdict: verdict, weight: m.Weight}
		}(m)
	}
	wg.Wait()
	close(results)

	collected := make([]memberResult, 0, len(e.members))
	for r := range results {
		collected = append(collected, r)
	}

	if len(collected) < e.cfg.MinQuorum {
		slog.Warn("Ensemble below quorum, falling back to default client",
			"responses", len(collected), "quorum", e.cfg.MinQuorum)
		return e.fallback.Analyze(ctx, event, neighbors)
	}

	merged := mergeVerdicts(collected)
	out, err := json.Marshal(merged)
	if err != nil {
		return e.fallback.Analyze(ctx, event, neighbors)
	}
	return string(out), nil
}

// mergeVerdicts combines member verdicts: majority vote on risk with
// mean-confidence tie-break, weighted mean confidence, union of mitre
// techniques, order-preserving deduplicated actions, longest summary.
func mergeVerdicts(results []memberResult) models.LLMVerdict {
	type riskGroup struct {
		count   int
		confSum float64
	}
	groups := make(map[string]*riskGroup)

	var weightSum, confWeighted float64
	var summary string
	mitreSeen := make(map[string]struct{})
	mitre := []string{}
	actionSeen := make(map[string]struct{})
	actions := []string{}

	for _, r := range results {
		v := r.verdict

		g, ok := groups[v.Risk]
		if !ok {
			g = &riskGroup{}
			groups[v.Risk] = g
		}
		g.count++
		g.confSum += float64(v.Confidence)

		weightSum += r.weight
		confWeighted += r.weight * float64(v.Confidence)

		for _, m := range v.Mitre {
			if _, dup := mitreSeen[m]; !dup {
				mitreSeen[m] = struct{}{}
				mitre = append(mitre, m)
			}
		}
		for _, a := range v.RecommendedActions {
			if _, dup := actionSeen[a]; !dup {
				actionSeen[a] = struct{}{}
				actions = append(actions, a)
			}
		}
		if len(v.Summary) > len(summary) {
			summary = v.Summary
		}
	}

	var risk string
	bestCount := -1
	bestMeanConf := -1.0
	for r, g := range groups {
		meanConf := g.confSum / float64(g.count)
		if g.count > bestCount || (g.count == bestCount && meanConf > bestMeanConf) {
			risk = r
			bestCount = g.count
			bestMeanConf = meanConf
		}
	}

	confidence := 0
	if weightSum > 0 {
		confidence = int(confWeighted/weightSum + 0.5)
	}

	return models.LLMVerdict{
		Risk:               risk,
		Confidence:         confidence,
		Summary:            summary,
		Mitre:              mitre,
		RecommendedActions: actions,
	}
}
