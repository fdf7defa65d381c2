package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
)

func strictConfig() config.StrictJSONConfig {
	return config.StrictJSONConfig{Enabled: true, EnableRetryOnFailure: true}
}

func sampleEvent() models.LogEvent {
	return models.LogEvent{
		Time:     time.Now().UTC(),
		Host:     "ws-042",
		Channel:  "Security",
		EventID:  4625,
		User:     "alice",
		Message:  "An account failed to log on",
		UniqueID: "security-4625-001",
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "fenced json block",
			raw:      "Here is my analysis:\n```json\n{\"risk\": \"high\"}\n```\nDone.",
			expected: `{"risk": "high"}`,
		},
		{
			name:     "fenced block without language tag",
			raw:      "```\n{\"risk\": \"low\"}\n```",
			expected: `{"risk": "low"}`,
		},
		{
			name:     "balanced object in prose",
			raw:      `The verdict is {"risk": "medium", "summary": "odd {braces} inside"} as shown.`,
			expected: `{"risk": "medium", "summary": "odd {braces} inside"}`,
		},
		{
			name:     "nested objects",
			raw:      `{"risk": "low", "detail": {"inner": 1}} trailing`,
			expected: `{"risk": "low", "detail": {"inner": 1}}`,
		},
		{
			name:     "no json falls back to trimmed whole",
			raw:      "  plain text response  ",
			expected: "plain text response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractJSON(tt.raw))
		})
	}
}

// Every Analyze result from the strict layer must parse and carry risk
// and summary, whatever the inner client produced.
func TestStrictJSON_OutputAlwaysParses(t *testing.T) {
	rawResponses := []string{
		`{"risk": "high", "confidence": 90, "summary": "Credential stuffing attempt"}`,
		"```json\n{\"risk\": \"medium\", \"summary\": \"Suspicious logon\"}\n```",
		`I think {"risk": "low", "summary": "Routine activity"} overall.`,
		`not json at all`,
		``,
		`{"risk": "high"}`,
		`{"summary": "missing risk"}`,
		`{"risk": "low", "summary": "bad confidence", "confidence": "ninety"}`,
		`{"broken": `,
	}

	for _, raw := range rawResponses {
		s := NewStrictJSON(&MockClient{Responses: []string{raw}}, strictConfig())
		out, err := s.Analyze(context.Background(), sampleEvent(), nil)
		require.NoError(t, err, "raw=%q", raw)

		var verdict models.LLMVerdict
		require.NoError(t, json.Unmarshal([]byte(out), &verdict), "raw=%q out=%q", raw, out)
		assert.NotEmpty(t, verdict.Risk, "raw=%q", raw)
		assert.NotEmpty(t, verdict.Summary, "raw=%q", raw)
	}
}

func TestStrictJSON_RetriesOnceThenFallsBack(t *testing.T) {
	inner := &MockClient{Responses: []string{"garbage", "still garbage"}}
	s := NewStrictJSON(inner, strictConfig())

	out, err := s.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.Equal(t, "low", verdict.Risk)
	assert.Equal(t, models.FallbackConfidence, verdict.Confidence)
	assert.Len(t, verdict.RecommendedActions, 2)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.RetriedCalls)
	assert.Equal(t, int64(1), stats.FallbackUsed)
	assert.Equal(t, float64(0), stats.ParseSuccessRate)
}

func TestStrictJSON_RetrySucceeds(t *testing.T) {
	inner := &MockClient{Responses: []string{
		"garbage",
		`{"risk": "high", "summary": "Second attempt parsed"}`,
	}}
	s := NewStrictJSON(inner, strictConfig())

	out, err := s.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.Equal(t, "high", verdict.Risk)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.SuccessfulParses)
	assert.Equal(t, int64(1), stats.RetriedCalls)
	assert.Equal(t, int64(0), stats.FallbackUsed)
}

func TestStrictJSON_FallbackSalvagesSummary(t *testing.T) {
	t.Run("summary field in broken json", func(t *testing.T) {
		inner := &MockClient{Responses: []string{`{"risk": bad, "summary": "Salvaged from wreckage"`}}
		cfg := strictConfig()
		cfg.EnableRetryOnFailure = false
		s := NewStrictJSON(inner, cfg)

		out, err := s.Analyze(context.Background(), sampleEvent(), nil)
		require.NoError(t, err)

		var verdict models.LLMVerdict
		require.NoError(t, json.Unmarshal([]byte(out), &verdict))
		assert.Equal(t, "Salvaged from wreckage", verdict.Summary)
	})

	t.Run("first sentence of prose", func(t *testing.T) {
		inner := &MockClient{Responses: []string{"This looks like lateral movement. More detail follows here."}}
		cfg := strictConfig()
		cfg.EnableRetryOnFailure = false
		s := NewStrictJSON(inner, cfg)

		out, err := s.Analyze(context.Background(), sampleEvent(), nil)
		require.NoError(t, err)

		var verdict models.LLMVerdict
		require.NoError(t, json.Unmarshal([]byte(out), &verdict))
		assert.Equal(t, "This looks like lateral movement.", verdict.Summary)
	})

	t.Run("templated summary when nothing salvageable", func(t *testing.T) {
		inner := &MockClient{Err: errors.New("model unavailable")}
		cfg := strictConfig()
		cfg.EnableRetryOnFailure = false
		s := NewStrictJSON(inner, cfg)

		out, err := s.Analyze(context.Background(), sampleEvent(), nil)
		require.NoError(t, err)

		var verdict models.LLMVerdict
		require.NoError(t, json.Unmarshal([]byte(out), &verdict))
		assert.Equal(t, "Security event detected in Security (EventId: 4625)", verdict.Summary)
	})
}

func TestStrictJSON_SummaryCapAt200(t *testing.T) {
	long := strings.Repeat("a", 300)
	inner := &MockClient{Responses: []string{long}}
	cfg := strictConfig()
	cfg.EnableRetryOnFailure = false
	s := NewStrictJSON(inner, cfg)

	out, err := s.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.Len(t, verdict.Summary, 200)
}

func ensembleConfig(quorum int) config.EnsembleConfig {
	return config.EnsembleConfig{
		Enabled:    true,
		MinQuorum:  quorum,
		DeadlineMs: 2000,
	}
}

func TestEnsemble_MergesVerdicts(t *testing.T) {
	members := []EnsembleMember{
		{Weight: 2, Client: &MockClient{Responses: []string{
			`{"risk": "high", "confidence": 90, "summary": "Brute force attack against admin account", "mitre": ["T1110"], "recommended_actions": ["Lock the account"]}`,
		}}},
		{Weight: 1, Client: &MockClient{Responses: []string{
			`{"risk": "high", "confidence": 60, "summary": "Failed logons", "mitre": ["T1110", "T1078"], "recommended_actions": ["Lock the account", "Review source IPs"]}`,
		}}},
		{Weight: 1, Client: &MockClient{Responses: []string{
			`{"risk": "medium", "confidence": 40, "summary": "Possible noise", "mitre": [], "recommended_actions": []}`,
		}}},
	}
	e := NewEnsemble(members, &MockClient{}, ensembleConfig(2))

	out, err := e.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))

	assert.Equal(t, "high", verdict.Risk, "majority risk wins")
	// Weighted mean: (2*90 + 1*60 + 1*40) / 4 = 70.
	assert.Equal(t, 70, verdict.Confidence)
	assert.Equal(t, []string{"T1110", "T1078"}, verdict.Mitre)
	assert.Equal(t, []string{"Lock the account", "Review source IPs"}, verdict.RecommendedActions)
	assert.Equal(t, "Brute force attack against admin account", verdict.Summary, "longest summary wins")
}

func TestEnsemble_RiskTieBrokenByMeanConfidence(t *testing.T) {
	members := []EnsembleMember{
		{Weight: 1, Client: &MockClient{Responses: []string{
			`{"risk": "high", "confidence": 95, "summary": "High confidence high"}`,
		}}},
		{Weight: 1, Client: &MockClient{Responses: []string{
			`{"risk": "medium", "confidence": 50, "summary": "Medium take"}`,
		}}},
	}
	e := NewEnsemble(members, &MockClient{}, ensembleConfig(2))

	out, err := e.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.Equal(t, "high", verdict.Risk)
}

func TestEnsemble_BelowQuorumUsesFallbackClient(t *testing.T) {
	members := []EnsembleMember{
		{Weight: 1, Client: &MockClient{Err: errors.New("down")}},
		{Weight: 1, Client: &MockClient{Responses: []string{"unparseable"}}},
		{Weight: 1, Client: &MockClient{Responses: []string{
			`{"risk": "high", "confidence": 80, "summary": "Only working member"}`,
		}}},
	}
	fallback := &MockClient{Responses: []string{
		`{"risk": "medium", "confidence": 55, "summary": "Default client verdict"}`,
	}}
	e := NewEnsemble(members, fallback, ensembleConfig(2))

	out, err := e.Analyze(context.Background(), sampleEvent(), nil)
	require.NoError(t, err)

	var verdict models.LLMVerdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.Equal(t, "Default client verdict", verdict.Summary)
}

func TestRenderAnalysisPrompt_IncludesNeighbors(t *testing.T) {
	event := sampleEvent()
	neighbors := []models.Neighbor{
		{Event: models.LogEvent{Channel: "Security", EventID: 4625, Host: "ws-042"}, Score: 0.91},
	}

	prompt := renderAnalysisPrompt(event, neighbors)
	assert.Contains(t, prompt, "Event under analysis")
	assert.Contains(t, prompt, "Recent similar events (1)")
	assert.Contains(t, prompt, "0.910")

	bare := renderAnalysisPrompt(event, nil)
	assert.NotContains(t, bare, "Recent similar events")
}
