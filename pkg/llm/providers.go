package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/errkind"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/pool"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaClient talks to an Ollama chat endpoint through the shared
// HTTP connection pool.
type OllamaClient struct {
	pool *pool.Pool[pool.HTTPClient]
	cfg  config.LLMConfig
}

// NewOllamaClient creates an Ollama-backed client.
func NewOllamaClient(p *pool.Pool[pool.HTTPClient], cfg config.LLMConfig) *OllamaClient {
	return &OllamaClient{pool: p, cfg: cfg}
}

// Name identifies the client.
func (o *OllamaClient) Name() string { return "ollama/" + o.cfg.Model }

// Analyze produces a raw verdict string for the event.
func (o *OllamaClient) Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	return runAnalyze(ctx, o, event, neighbors)
}

// Generate calls POST /api/chat on a pooled instance.
func (o *OllamaClient) Generate(ctx context.Context, system, user string) (string, error) {
	var text string
	err := o.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body, err := json.Marshal(map[string]any{
			"model": o.cfg.Model,
			"messages": []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			"stream": false,
			"options": map[string]any{
				"temperature": o.cfg.Temperature,
				"num_predict": o.cfg.MaxTokens,
			},
		})
		if err != nil {
			return err
		}
		var resp struct {
			Message chatMessage `json:"message"`
		}
		if err := postChat(ctx, c, "/api/chat", body, &resp); err != nil {
			return err
		}
		text = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	pool   *pool.Pool[pool.HTTPClient]
	cfg    config.LLMConfig
	apiKey string
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(p *pool.Pool[pool.HTTPClient], cfg config.LLMConfig, apiKey string) *OpenAIClient {
	return &OpenAIClient{pool: p, cfg: cfg, apiKey: apiKey}
}

// Name identifies the client.
func (o *OpenAIClient) Name() string { return "openai/" + o.cfg.Model }

// Analyze produces a raw verdict string for the event.
func (o *OpenAIClient) Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	return runAnalyze(ctx, o, event, neighbors)
}

// Generate calls POST /v1/chat/completions on a pooled instance.
func (o *OpenAIClient) Generate(ctx context.Context, system, user string) (string, error) {
	var text string
	err := o.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body, err := json.Marshal(map[string]any{
			"model": o.cfg.Model,
			"messages": []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			"temperature": o.cfg.Temperature,
			"max_tokens":  o.cfg.MaxTokens,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.KindRetriable, err)
		}
		defer resp.Body.Close()
		if err := checkChatStatus(resp); err != nil {
			return err
		}
		var parsed struct {
			Choices []struct {
				Message chatMessage `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decoding chat response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("chat response contained no choices")
		}
		text = parsed.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// MockClient replays scripted responses. With no script it emits a
// minimal valid verdict, which keeps offline runs and tests flowing.
type MockClient struct {
	// Responses are consumed in order; when exhausted the last one
	// repeats. Empty means the default verdict.
	Responses []string
	// Err, when set, is returned from every call.
	Err error

	next int
}

// Name identifies the client.
func (m *MockClient) Name() string { return "mock" }

// Analyze replays the next scripted response.
func (m *MockClient) Analyze(ctx context.Context, event models.LogEvent, neighbors []models.Neighbor) (string, error) {
	_ = neighbors
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return fmt.Sprintf(`{"risk": "low", "confidence": 50, "summary": "Mock analysis of event %d in %s", "mitre": [], "recommended_actions": []}`,
			event.EventID, event.Channel), nil
	}
	return m.take(), nil
}

// Generate replays the next scripted response.
func (m *MockClient) Generate(context.Context, string, string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "mock response", nil
	}
	return m.take(), nil
}

func (m *MockClient) take() string {
	r := m.Responses[m.next]
	if m.next < len(m.Responses)-1 {
		m.next++
	}
	return r
}

func postChat(ctx context.Context, c pool.HTTPClient, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindRetriable, err)
	}
	defer resp.Body.Close()
	if err := checkChatStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func checkChatStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("remote returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errkind.Wrap(errkind.KindRetriable, err)
	}
	return errkind.Wrap(errkind.KindFatal, err)
}
