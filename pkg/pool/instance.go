// Package pool provides bounded, health-checked, load-balanced access to
// remote service instances. A Pool holds one entry per configured
// instance; each entry carries a shared client, a slot semaphore, a
// circuit breaker, and rolling metrics. Specializations for HTTP clients
// and vector-store clients live in http.go and the vectorstore package.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// Instance describes one remote instance managed by a pool. The client
// is a shared immutable configuration; per-call state lives in the pool.
type Instance[C any] struct {
	// ID uniquely identifies the instance within its pool.
	ID string
	// Weight is the static base weight for weighted strategies.
	Weight float64
	// Client is the shared client handed out by Acquire.
	Client C
	// MaxPoolSize bounds concurrent leases against this instance.
	MaxPoolSize int64
	// Probe is the cheap health check (list collections for vector
	// clients, a configured URL for HTTP pools).
	Probe func(ctx context.Context, client C) error
}

// ConnectionHealth is a point-in-time health snapshot of an instance.
// Readers always see copies.
type ConnectionHealth struct {
	InstanceID   string        `json:"instance_id"`
	IsHealthy    bool          `json:"is_healthy"`
	LastChecked  time.Time     `json:"last_checked"`
	ResponseTime time.Duration `json:"response_time"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
}

// InstanceMetrics is a point-in-time metrics snapshot of an instance.
type InstanceMetrics struct {
	ActiveConnections    int64         `json:"active_connections"`
	TotalConnections     int64         `json:"total_connections"`
	ConnectionsFromPool  int64         `json:"connections_from_pool"`
	NewConnections       int64         `json:"new_connections"`
	MaxPoolSize          int64         `json:"max_pool_size"`
	AvailableConnections int64         `json:"available_connections"`
	AvgResponseTime      time.Duration `json:"avg_response_time"`
	ErrorRate            float64       `json:"error_rate"`
	LastError            string        `json:"last_error,omitempty"`
}

// entry is the mutable per-instance state owned by the pool.
type entry[C any] struct {
	inst    Instance[C]
	slots   *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker

	// Hot counters are atomic; the mutex guards the composite snapshot
	// fields (health, rolling averages, lastError).
	active    atomic.Int64
	total     atomic.Int64
	fromPool  atomic.Int64
	fresh     atomic.Int64
	rejected  atomic.Int64
	callCount atomic.Int64
	errCount  atomic.Int64

	mu           sync.Mutex
	health       ConnectionHealth
	manualDown   bool
	avgResponse  time.Duration
	weightFactor float64
	window       []sample
}

// sample is one call observation inside the performance window.
type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// recordCall folds a completed call into the rolling metrics and prunes
// samples that fell out of the performance window.
func (e *entry[C]) recordCall(duration time.Duration, err error, window time.Duration) {
	e.callCount.Add(1)
	if err != nil {
		e.errCount.Add(1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.window = append(e.window, sample{at: now, duration: duration, failed: err != nil})
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(e.window) && e.window[idx].at.Before(cutoff) {
		idx++
	}
	e.window = e.window[idx:]

	var sum time.Duration
	for _, s := range e.window {
		sum += s.duration
	}
	if len(e.window) > 0 {
		e.avgResponse = sum / time.Duration(len(e.window))
	}
	if err != nil {
		e.health.Error = err.Error()
	}
}

// windowStats returns the rolling error rate and average response time.
func (e *entry[C]) windowStats() (errRate float64, avg time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.window) == 0 {
		return 0, 0
	}
	failed := 0
	for _, s := range e.window {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(e.window)), e.avgResponse
}

// healthy reports whether the instance is usable: probe-healthy, not
// manually downed, and breaker not open.
func (e *entry[C]) healthy() bool {
	e.mu.Lock()
	ok := e.health.IsHealthy && !e.manualDown
	e.mu.Unlock()
	return ok && e.breaker.State() != gobreaker.StateOpen
}

// setHealth stores a fresh health snapshot.
func (e *entry[C]) setHealth(h ConnectionHealth) {
	e.mu.Lock()
	e.health = h
	e.mu.Unlock()
}

// healthSnapshot returns a copy of the current health state.
func (e *entry[C]) healthSnapshot() ConnectionHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.health
	if e.manualDown {
		h.IsHealthy = false
		h.Status = "manually_disabled"
	}
	return h
}

// metricsSnapshot returns a copy of the current metrics.
func (e *entry[C]) metricsSnapshot() InstanceMetrics {
	errRate, avg := e.windowStats()
	active := e.active.Load()
	e.mu.Lock()
	lastErr := e.health.Error
	e.mu.Unlock()
	return InstanceMetrics{
		ActiveConnections:    active,
		TotalConnections:     e.total.Load(),
		ConnectionsFromPool:  e.fromPool.Load(),
		NewConnections:       e.fresh.Load(),
		MaxPoolSize:          e.inst.MaxPoolSize,
		AvailableConnections: e.inst.MaxPoolSize - active,
		AvgResponseTime:      avg,
		ErrorRate:            errRate,
		LastError:            lastErr,
	}
}
