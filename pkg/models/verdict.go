package models

// LLMVerdict is the strict-JSON analysis result the LLM access layer
// guarantees to produce. Risk and Summary are always present; on
// unrecoverable parse failure the layer synthesizes a fallback verdict
// with Risk "low" and Confidence 25.
type LLMVerdict struct {
	Risk               string   `json:"risk"`
	Confidence         int      `json:"confidence"`
	Summary            string   `json:"summary"`
	Mitre              []string `json:"mitre"`
	RecommendedActions []string `json:"recommended_actions"`
}

// FallbackConfidence is the confidence assigned to synthesized verdicts.
const FallbackConfidence = 25
