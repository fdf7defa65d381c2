// Package llm provides the analysis language-model access layer. Base
// providers (Ollama, OpenAI-compatible, mock) speak chat-completion
// REST through the shared connection pool; the StrictJSON decorator
// guarantees every analysis result parses as a verdict, and the
// optional Ensemble decorator fans out across several models.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentrill/sentrill/pkg/models"
)

// Client analyzes security events and generates free-form text.
type Client interface {
	// Analyze returns a JSON verdict string for the event and its
	// retrieved neighbors.
	Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error)
	// Generate returns free-form text for a system/user prompt pair.
	Generate(ctx context.Context, system, user string) (string, error)
	// Name identifies the client for logs and stats.
	Name() string
}

const analysisSystemPrompt = `You are a security analyst reviewing Windows event logs.
Classify the given event and respond with ONLY a JSON object, no prose:
{"risk": "low|medium|high|critical", "confidence": <0-100>, "summary": "<one sentence>", "mitre": ["<technique id>", ...], "recommended_actions": ["<action>", ...]}`

// renderAnalysisPrompt formats the event and its nearest neighbors as
// the user message. Neighbors give the model recent similar activity
// for context; an empty slice renders a standalone event.
func renderAnalysisPrompt(event models.LogEvent, neighbors []models.Neighbor) string {
	var b strings.Builder
	b.WriteString("Event under analysis:\n")
	writeEvent(&b, event)

	if len(neighbors) > 0 {
		fmt.Fprintf(&b, "\nRecent similar events (%d):\n", len(neighbors))
		for i, n := range neighbors {
			fmt.Fprintf(&b, "%d. (similarity %.3f) ", i+1, n.Score)
			writeEvent(&b, n.Event)
		}
	}
	return b.String()
}

func writeEvent(b *strings.Builder, e models.LogEvent) {
	raw, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(b, "channel=%s eventId=%d host=%s user=%s message=%s\n",
			e.Channel, e.EventID, e.Host, e.User, e.Message)
		return
	}
	b.Write(raw)
	b.WriteByte('\n')
}

// runAnalyze expresses Analyze in terms of Generate; all base providers
// share it so the prompt contract stays in one place.
func runAnalyze(ctx context.Context, c Client, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	return c.Generate(ctx, analysisSystemPrompt, renderAnalysisPrompt(event, neighbors))
}
