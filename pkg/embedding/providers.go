package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"

	"github.com/sentrill/sentrill/pkg/errkind"
	"github.com/sentrill/sentrill/pkg/pool"
)

// OllamaProvider embeds text through an Ollama-compatible REST endpoint,
// routed through the shared HTTP connection pool.
type OllamaProvider struct {
	pool  *pool.Pool[pool.HTTPClient]
	model string
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(p *pool.Pool[pool.HTTPClient], model string) *OllamaProvider {
	return &OllamaProvider{pool: p, model: model}
}

// Name identifies the provider.
func (o *OllamaProvider) Name() string { return "ollama" }

// Embed calls POST /api/embeddings on a pooled instance.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := o.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body, err := json.Marshal(map[string]string{
			"model":  o.model,
			"prompt": text,
		})
		if err != nil {
			return err
		}
		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := postJSON(ctx, c, "/api/embeddings", body, &resp); err != nil {
			return err
		}
		vector = resp.Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// OpenAIProvider embeds text through an OpenAI-compatible REST endpoint.
type OpenAIProvider struct {
	pool   *pool.Pool[pool.HTTPClient]
	model  string
	apiKey string
}

// NewOpenAIProvider creates an OpenAI-compatible embedding provider.
func NewOpenAIProvider(p *pool.Pool[pool.HTTPClient], model, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{pool: p, model: model, apiKey: apiKey}
}

// Name identifies the provider.
func (o *OpenAIProvider) Name() string { return "openai" }

// Embed calls POST /v1/embeddings on a pooled instance.
func (o *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := o.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body, err := json.Marshal(map[string]any{
			"model": o.model,
			"input": text,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/embeddings", bytes.NewReader(body))
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
		if err := checkStatus(resp); err != nil {
			return err
		}
		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decoding embeddings response: %w", err)
		}
		if len(parsed.Data) == 0 {
			return fmt.Errorf("embeddings response contained no data")
		}
		vector = parsed.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// MockProvider produces deterministic pseudo-embeddings for tests and
// offline runs. The same text always yields the same unit-norm vector.
type MockProvider struct {
	dim int
}

// NewMockProvider creates a mock provider emitting vectors of length dim.
func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{dim: dim}
}

// Name identifies the provider.
func (m *MockProvider) Name() string { return "mock" }

// Embed hashes the text into a deterministic vector. The empty string is
// a valid input and yields a full-length vector.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dim)
	seed := fnv.New64a()
	_, _ = seed.Write([]byte(text))
	state := seed.Sum64()

	var norm float64
	for i := range vec {
		// xorshift64 over the seeded state gives stable per-index values.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], state)
		v := float32(int16(binary.LittleEndian.Uint16(b[:2]))) / math.MaxInt16
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// postJSON sends a JSON POST through a pooled HTTP client and decodes
// the response into out.
func postJSON(ctx context.Context, c pool.HTTPClient, path string, body []byte, out any) error {
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
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

// checkStatus classifies HTTP error responses: 5xx and 429 are
// retriable, other 4xx are fatal.
func checkStatus(resp *http.Response) error {
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
