// Package embedding turns text into fixed-length vectors. Base providers
// (Ollama, OpenAI-compatible, mock) are composed with decorators in a
// fixed order, outermost first: Telemetry → Caching → Resilient → base.
//
// The zero-length vector is the graceful-degradation value: callers must
// treat it as "skip similarity retrieval, continue the pipeline".
package embedding

import "context"

// Embedder produces a fixed-length vector for a piece of text.
type Embedder interface {
	// Embed returns the embedding for text. A nil error with an empty
	// vector signals graceful degradation, not success.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Name identifies the provider (or decorator chain tail) for logs
	// and telemetry.
	Name() string
}

// Build composes the decorator chain around base according to
// configuration. Pass nil for cache or resilience to skip that layer
// (the layer order is fixed regardless).
func Build(base Embedder, resilient *Resilient, cache *Caching, telemetry *Telemetry) Embedder {
	var e Embedder = base
	if resilient != nil {
		resilient.inner = e
		e = resilient
	}
	if cache != nil {
		cache.inner = e
		e = cache
	}
	if telemetry != nil {
		telemetry.inner = e
		e = telemetry
	}
	return e
}
