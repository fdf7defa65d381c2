package correlation

import (
	"github.com/google/uuid"

	"github.com/sentrill/sentrill/pkg/models"
)

// BuildChain expands an attack_chain correlation into the full staged
// record, resolving event IDs against the supplied events. Returns nil
// for other correlation types or when no staged event resolves.
func BuildChain(corr *models.Correlation, events []*models.SecurityEvent) *models.AttackChain {
	if corr == nil || corr.CorrelationType != models.CorrelationAttackChain {
		return nil
	}

	byID := make(map[string]*models.SecurityEvent, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	chain := &models.AttackChain{
		ID:              uuid.NewString(),
		CorrelationID:   corr.ID,
		ConfidenceScore: corr.ConfidenceScore,
	}

	assets := make(map[string]bool)
	seq := 0
	for _, id := range corr.EventIDs {
		ev, ok := byID[id]
		if !ok {
			continue
		}
		stage := stageFor(ev.EventType)
		if stage == nil {
			continue
		}
		seq++
		chain.Stages = append(chain.Stages, models.AttackStage{
			Sequence:       seq,
			Name:           stage.name,
			EventID:        ev.ID,
			Timestamp:      ev.OriginalEvent.Time,
			Description:    ev.Summary,
			MitreTechnique: stage.technique,
		})
		if ev.OriginalEvent.Host != "" && !assets[ev.OriginalEvent.Host] {
			assets[ev.OriginalEvent.Host] = true
			chain.AffectedAssets = append(chain.AffectedAssets, ev.OriginalEvent.Host)
		}
		if chain.StartTime.IsZero() || ev.OriginalEvent.Time.Before(chain.StartTime) {
			chain.StartTime = ev.OriginalEvent.Time
		}
		if ev.OriginalEvent.Time.After(chain.EndTime) {
			chain.EndTime = ev.OriginalEvent.Time
		}
	}
	if len(chain.Stages) == 0 {
		return nil
	}
	return chain
}

func stageFor(t models.EventType) *chainStage {
	for i := range chainStages {
		if chainStages[i].types[t] {
			return &chainStages[i]
		}
	}
	return nil
}
