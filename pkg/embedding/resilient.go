package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/errkind"
)

// errEmptyVector marks an empty result from the base provider. Treated
// as a provider failure for retry and breaker accounting.
var errEmptyVector = errors.New("provider returned empty vector")

// ResilientStats is a snapshot of the resilience layer's counters.
type ResilientStats struct {
	TotalCalls          int64   `json:"total_calls"`
	SuccessfulCalls     int64   `json:"successful_calls"`
	FailedCalls         int64   `json:"failed_calls"`
	RetriedCalls        int64   `json:"retried_calls"`
	CircuitBreakerOpens int64   `json:"circuit_breaker_opens"`
	Timeouts            int64   `json:"timeouts"`
	SuccessRate         float64 `json:"success_rate"`
}

// Resilient wraps a base provider with retries, a per-call timeout, and
// a circuit breaker. On terminal failure it degrades gracefully: the
// empty vector is returned with a nil error and FailedCalls increments.
type Resilient struct {
	inner   Embedder
	cfg     config.EmbeddingResilience
	breaker *gobreaker.CircuitBreaker

	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
	opens    atomic.Int64
	timeouts atomic.Int64
}

// NewResilient creates the resilience decorator. The inner embedder is
// bound by Build.
func NewResilient(cfg config.EmbeddingResilience) *Resilient {
	r := &Resilient{cfg: cfg}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     cfg.CircuitBreakerDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerThreshold)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.opens.Add(1)
				slog.Warn("Embedding circuit breaker opened",
					"duration", cfg.CircuitBreakerDuration())
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errkind.IsCancelled(err)
		},
	})
	return r
}

// Name identifies the decorated provider.
func (r *Resilient) Name() string { return r.inner.Name() }

// Embed runs the inner provider under retry, timeout, and breaker
// control. Retriable conditions include transport errors and empty
// vectors from the base. Cancellation is propagated without retry.
func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	r.total.Add(1)

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.cfg.RetryBaseDelay()),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.25),
	)
	policy.Reset()

	attempts := r.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.retried.Add(1)
			select {
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.KindCancelled, ctx.Err())
			case <-time.After(policy.NextBackOff()):
			}
		}

		vec, err := r.attempt(ctx, text)
		if err == nil {
			r.success.Add(1)
			return vec, nil
		}
		lastErr = err

		if errkind.IsCancelled(err) {
			return nil, err
		}
		if errkind.Of(err) == errkind.KindFatal {
			break
		}
		// Circuit-open rejections back off but do not consume an attempt.
		if errkind.Of(err) == errkind.KindCircuitOpen {
			attempt--
		}
	}

	// Terminal failure: degrade to the empty vector so the pipeline can
	// continue without similarity retrieval.
	r.failed.Add(1)
	slog.Warn("Embedding failed after retries, degrading to empty vector",
		"provider", r.inner.Name(), "error", lastErr)
	return []float32{}, nil
}

func (r *Resilient) attempt(ctx context.Context, text string) ([]float32, error) {
	result, err := r.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
		defer cancel()

		vec, err := r.inner.Embed(callCtx, text)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				r.timeouts.Add(1)
				return nil, errkind.Wrap(errkind.KindRetriable, err)
			}
			return nil, err
		}
		if len(vec) == 0 {
			return nil, errkind.Wrap(errkind.KindRetriable, errEmptyVector)
		}
		return vec, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errkind.Wrap(errkind.KindCircuitOpen, fmt.Errorf("embedding breaker open: %w", err))
	}
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// Stats returns a snapshot of the layer's counters.
func (r *Resilient) Stats() ResilientStats {
	total := r.total.Load()
	success := r.success.Load()
	var rate float64
	if total > 0 {
		rate = float64(success) / float64(total)
	}
	return ResilientStats{
		TotalCalls:          total,
		SuccessfulCalls:     success,
		FailedCalls:         r.failed.Load(),
		RetriedCalls:        r.retried.Load(),
		CircuitBreakerOpens: r.opens.Load(),
		Timeouts:            r.timeouts.Load(),
		SuccessRate:         rate,
	}
}
