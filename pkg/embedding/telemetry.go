package embedding

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records a span per embedding call with provider identity,
// duration, and outcome. It sits outermost so cache hits are visible.
type Telemetry struct {
	inner  Embedder
	tracer trace.Tracer
}

// NewTelemetry creates the telemetry decorator. The inner embedder is
// bound by Build.
func NewTelemetry() *Telemetry {
	return &Telemetry{tracer: otel.Tracer("sentrill/embedding")}
}

// Name identifies the decorated provider.
func (t *Telemetry) Name() string { return t.inner.Name() }

// Embed delegates to the inner embedder inside a span.
func (t *Telemetry) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := t.tracer.Start(ctx, "embedder.embed",
		trace.WithAttributes(
			attribute.String("embedding.provider", t.inner.Name()),
			attribute.Int("embedding.text_length", len(text)),
		))
	defer span.End()

	start := time.Now()
	vec, err := t.inner.Embed(ctx, text)
	span.SetAttributes(
		attribute.Int64("embedding.duration_ms", time.Since(start).Milliseconds()),
		attribute.Int("embedding.vector_size", len(vec)),
		attribute.Bool("embedding.degraded", err == nil && len(vec) == 0),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return vec, err
}
