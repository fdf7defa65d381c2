package rules

import (
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

// Merge reconciles a deterministic detection with a model verdict into
// the final security event. Risk is the maximum of the two sides,
// technique sets and actions are unioned, the deterministic summary
// wins when present, and the deterministic flag survives any merge.
// Either side may be nil; both nil yields nil.
func Merge(event models.LogEvent, det *models.SecurityEvent, verdict *models.LLMVerdict) *models.SecurityEvent {
	if det == nil && verdict == nil {
		return nil
	}

	if verdict == nil {
		return det
	}

	llmRisk := models.ParseRiskLevel(verdict.Risk)

	if det == nil {
		return &models.SecurityEvent{
			OriginalEvent:      event,
			EventType:          Classify(event),
			RiskLevel:          llmRisk,
			Confidence:         clampConfidence(verdict.Confidence),
			Summary:            verdict.Summary,
			MitreTechniques:    append([]string(nil), verdict.Mitre...),
			RecommendedActions: append([]string(nil), verdict.RecommendedActions...),
			IsDeterministic:    false,
			Status:             models.StatusOpen,
			CreatedAt:          time.Now().UTC(),
		}
	}

	merged := *det
	merged.RiskLevel = models.MaxRisk(det.RiskLevel, llmRisk)
	merged.MitreTechniques = unionStrings(append([]string(nil), det.MitreTechniques...), verdict.Mitre)
	merged.RecommendedActions = unionStrings(append([]string(nil), det.RecommendedActions...), verdict.RecommendedActions)
	if merged.Summary == "" {
		merged.Summary = verdict.Summary
	}
	merged.Confidence = mergedConfidence(det, llmRisk, clampConfidence(verdict.Confidence))
	return &merged
}

// mergedConfidence keeps the confidence of whichever side supplied the
// final risk; on equal risks the higher confidence wins.
func mergedConfidence(det *models.SecurityEvent, llmRisk models.RiskLevel, llmConfidence int) int {
	switch {
	case det.RiskLevel.Rank() > llmRisk.Rank():
		return det.Confidence
	case llmRisk.Rank() > det.RiskLevel.Rank():
		return llmConfidence
	case llmConfidence > det.Confidence:
		return llmConfidence
	default:
		return det.Confidence
	}
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
