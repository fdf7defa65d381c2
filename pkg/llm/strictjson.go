package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
)

// StrictJSONStats is a snapshot of the enforcement layer's counters.
type StrictJSONStats struct {
	TotalCalls       int64   `json:"total_calls"`
	SuccessfulParses int64   `json:"successful_parses"`
	FailedParses     int64   `json:"failed_parses"`
	RetriedCalls     int64   `json:"retried_calls"`
	FallbackUsed     int64   `json:"fallback_used"`
	ParseSuccessRate float64 `json:"parse_success_rate"`
}

// StrictJSON guarantees Analyze output always parses as a verdict with
// risk and summary present. Malformed model output gets one retry when
// configured, then a synthetic fallback verdict. Generate passes
// through untouched.
type StrictJSON struct {
	inner Client
	cfg   config.StrictJSONConfig

	totalCalls atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	retries    atomic.Int64
	fallbacks  atomic.Int64
}

// NewStrictJSON wraps inner with verdict enforcement.
func NewStrictJSON(inner Client, cfg config.StrictJSONConfig) *StrictJSON {
	return &StrictJSON{inner: inner, cfg: cfg}
}

// Name identifies the decorated client.
func (s *StrictJSON) Name() string { return s.inner.Name() }

// Generate passes through to the inner client.
func (s *StrictJSON) Generate(ctx context.Context, system, user string) (string, error) {
	return s.inner.Generate(ctx, system, user)
}

// Analyze returns a verdict JSON string that always parses and always
// carries risk and summary. The error is nil even when the fallback is
// used; only context cancellation surfaces.
func (s *StrictJSON) Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	s.totalCalls.Add(1)

	if !s.cfg.Enabled {
		return s.inner.Analyze(ctx, event, neighbors)
	}

	raw, err := s.inner.Analyze(ctx, event, neighbors)
	if err == nil {
		if verdict, ok := extractVerdict(raw); ok {
			s.successes.Add(1)
			return verdict, nil
		}
	}

	if s.cfg.EnableRetryOnFailure && ctx.Err() == nil {
		s.retries.Add(1)
		retryRaw, retryErr := s.inner.Analyze(ctx, event, neighbors)
		if retryErr == nil {
			if verdict, ok := extractVerdict(retryRaw); ok {
				s.successes.Add(1)
				return verdict, nil
			}
			raw = retryRaw
		}
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s.failures.Add(1)
	s.fallbacks.Add(1)
	slog.Warn("Analysis response failed strict JSON validation, using fallback verdict",
		"client", s.inner.Name(), "channel", event.Channel, "event_id", event.EventID)
	return fallbackVerdict(raw, event), nil
}

// Stats returns a snapshot of the enforcement counters.
func (s *StrictJSON) Stats() StrictJSONStats {
	total := s.totalCalls.Load()
	successes := s.successes.Load()
	var rate float64
	if total > 0 {
		rate = float64(successes) / float64(total)
	}
	return StrictJSONStats{
		TotalCalls:       total,
		SuccessfulParses: successes,
		FailedParses:     s.failures.Load(),
		RetriedCalls:     s.retries.Load(),
		FallbackUsed:     s.fallbacks.Load(),
		ParseSuccessRate: rate,
	}
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a candidate JSON object out of a raw model
// response: a fenced code block first, then the first balanced brace
// run, then the trimmed response itself.
func ExtractJSON(raw string) string {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if obj := firstBalancedObject(raw); obj != "" {
		return obj
	}
	return strings.TrimSpace(raw)
}

// firstBalancedObject scans for the first top-level {...} run, tracking
// string literals so braces inside values do not break the balance.
func firstBalancedObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// extractVerdict returns the canonical verdict JSON when raw contains a
// valid one. Validity means it parses, risk and summary are present,
// and confidence (when present) is numeric.
func extractVerdict(raw string) (string, bool) {
	candidate := ExtractJSON(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return "", false
	}

	var risk, summary string
	if err := json.Unmarshal(fields["risk"], &risk); err != nil || risk == "" {
		return "", false
	}
	if err := json.Unmarshal(fields["summary"], &summary); err != nil || summary == "" {
		return "", false
	}
	if rawConf, ok := fields["confidence"]; ok {
		var conf float64
		if err := json.Unmarshal(rawConf, &conf); err != nil {
			return "", false
		}
	}
	return candidate, true
}

var summaryField = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// fallbackVerdict synthesizes a low-risk verdict from whatever the
// model produced. The summary is salvaged from the raw text when
// possible.
func fallbackVerdict(raw string, event models.LogEvent) string {
	summary := salvageSummary(raw)
	if summary == "" {
		summary = fmt.Sprintf("Security event detected in %s (EventId: %d)", event.Channel, event.EventID)
	}

	verdict := models.LLMVerdict{
		Risk:       string(models.RiskLow),
		Confidence: models.FallbackConfidence,
		Summary:    summary,
		Mitre:      []string{},
		RecommendedActions: []string{
			"Review the event details and surrounding activity on the host",
			"Escalate to a security analyst if the activity is unexpected",
		},
	}
	out, _ := json.Marshal(verdict)
	return string(out)
}

// salvageSummary tries a summary field match first, then the first
// sentence of the raw text capped at 200 characters.
func salvageSummary(raw string) string {
	if m := summaryField.FindStringSubmatch(raw); m != nil {
		var s string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err == nil && s != "" {
			return s
		}
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if idx := strings.IndexAny(text, ".\n"); idx > 0 {
		text = text[:idx+1]
	}
	text = strings.TrimSpace(strings.TrimSuffix(text, "\n"))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
