package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/errkind"
)

var (
	// ErrNoHealthyInstances means every configured instance failed its
	// health checks or was manually disabled.
	ErrNoHealthyInstances = errors.New("no healthy instances available")

	// ErrCircuitOpen means the selected instance's breaker is open and no
	// failover instance was available.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrUnknownInstance is returned by SetInstanceHealth for an
	// unrecognized instance ID.
	ErrUnknownInstance = errors.New("unknown instance")
)

// retryCap bounds a single backoff delay regardless of attempt count.
const retryCap = 30 * time.Second

// Pool manages bounded, health-checked access to a set of instances.
type Pool[C any] struct {
	name    string
	cfg     *config.ConnectionPoolsConfig
	entries []*entry[C]
	byID    map[string]*entry[C]
	bal     *balancer[C]

	// perfWindow bounds the rolling metrics window used for weight
	// adjustment and error rates.
	perfWindow time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Lease is a held pool slot. Callers must Release exactly once.
type Lease[C any] struct {
	// Client is the shared client for the selected instance.
	Client C
	// InstanceID identifies the instance backing this lease.
	InstanceID string

	pool  *Pool[C]
	entry *entry[C]
	once  sync.Once
}

// Release returns the slot to the pool.
func (l *Lease[C]) Release() {
	l.once.Do(func() {
		l.entry.active.Add(-1)
		l.entry.slots.Release(1)
		poolActiveConnections.WithLabelValues(l.pool.name, l.InstanceID).Dec()
	})
}

// New creates a pool over the given instances. At least one instance is
// required; pool-level settings come from the connection_pools config.
func New[C any](name string, cfg *config.ConnectionPoolsConfig, instances []Instance[C]) (*Pool[C], error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("pool %s: no instances configured", name)
	}

	perfWindow := time.Duration(cfg.Metrics.MetricsRetentionMinutes) * time.Minute
	if perfWindow <= 0 {
		perfWindow = time.Hour
	}

	p := &Pool[C]{
		name:       name,
		cfg:        cfg,
		byID:       make(map[string]*entry[C], len(instances)),
		perfWindow: perfWindow,
		bal: &balancer[C]{
			strategy: cfg.LoadBalancing.Strategy,
			factor:   cfg.LoadBalancing.WeightAdjustmentFactor,
		},
	}

	for _, inst := range instances {
		if inst.MaxPoolSize <= 0 {
			inst.MaxPoolSize = int64(cfg.DefaultMaxPoolSize)
		}
		e := &entry[C]{
			inst:         inst,
			slots:        semaphore.NewWeighted(inst.MaxPoolSize),
			weightFactor: 1,
			health: ConnectionHealth{
				InstanceID: inst.ID,
				// Optimistic until the first probe: a cold pool should not
				// reject callers before health checking has run once.
				IsHealthy: true,
				Status:    "unchecked",
			},
		}
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name + "/" + inst.ID,
			MaxRequests: 1, // single half-open probe
			Interval:    perfWindow,
			Timeout:     cfg.CircuitBreakerTimeout(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= uint32(cfg.CircuitBreakerFailureThreshold)
			},
			OnStateChange: func(cbName string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state change",
					"breaker", cbName, "from", from.String(), "to", to.String())
				if to == gobreaker.StateOpen {
					poolBreakerOpens.WithLabelValues(name, inst.ID).Inc()
				}
			},
			// Cancellation must not trip the breaker: the remote did
			// nothing wrong.
			IsSuccessful: func(err error) bool {
				return err == nil || errkind.IsCancelled(err)
			},
		})
		p.entries = append(p.entries, e)
		p.byID[inst.ID] = e
	}

	return p, nil
}

// Start launches the background health-check loop when enabled.
func (p *Pool[C]) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.runHealthLoop(ctx)

	slog.Info("Connection pool started",
		"pool", p.name,
		"instances", len(p.entries),
		"strategy", p.bal.strategy,
		"health_checks", p.cfg.HealthCheck.EnableHealthChecks)
}

// Stop terminates the health loop and waits for it to finish.
func (p *Pool[C]) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
		slog.Info("Connection pool stopped", "pool", p.name)
	})
}

// Acquire selects a healthy instance (preferring preferredID when it is
// healthy), waits for a slot, and returns a lease. The semaphore wait
// honours cancellation; a cancelled acquisition holds no slot.
func (p *Pool[C]) Acquire(ctx context.Context, preferredID string) (*Lease[C], error) {
	e, err := p.selectEntry(preferredID)
	if err != nil {
		return nil, err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, errkind.Wrap(errkind.KindCancelled, err)
	}

	e.active.Add(1)
	// The first lease dials the instance fresh; every later lease reuses
	// the pooled transport.
	if e.total.Add(1) == 1 {
		e.fresh.Add(1)
	} else {
		e.fromPool.Add(1)
	}
	poolActiveConnections.WithLabelValues(p.name, e.inst.ID).Inc()

	return &Lease[C]{
		Client:     e.inst.Client,
		InstanceID: e.inst.ID,
		pool:       p,
		entry:      e,
	}, nil
}

// Do runs fn against a pooled client with the pool's retry policy and
// per-instance circuit breaker. Retries cover retriable failures only;
// cancellation is propagated verbatim without retry. On a breaker-open
// selection Do fails over to another healthy instance when one exists.
func (p *Pool[C]) Do(ctx context.Context, preferredID string, fn func(ctx context.Context, client C) error) error {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.RetryDelay()),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.25),
		backoff.WithMaxInterval(retryCap),
	)
	policy.Reset()

	maxAttempts := p.cfg.MaxRetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.attempt(ctx, preferredID, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		switch errkind.Of(err) {
		case errkind.KindCancelled:
			return err
		case errkind.KindRetriable, errkind.KindCircuitOpen:
			// Circuit-open backs off like a transient failure but does not
			// consume a retry attempt.
			if errkind.Of(err) == errkind.KindCircuitOpen {
				attempt--
				// A fully open pool cannot recover within one call's budget;
				// bail if every instance is rejecting.
				if !p.anyBreakerClosed() {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return errkind.Wrap(errkind.KindCancelled, ctx.Err())
			case <-time.After(policy.NextBackOff()):
			}
		default:
			return err
		}
	}
	return lastErr
}

// attempt performs a single pooled call.
func (p *Pool[C]) attempt(ctx context.Context, preferredID string, fn func(ctx context.Context, client C) error) error {
	lease, err := p.Acquire(ctx, preferredID)
	if err != nil {
		return err
	}
	defer lease.Release()

	e := lease.entry
	start := time.Now()

	_, err = e.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
		defer cancel()
		return nil, fn(callCtx, lease.Client)
	})

	duration := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.rejected.Add(1)
		return errkind.Wrap(errkind.KindCircuitOpen, fmt.Errorf("%w: instance %s", ErrCircuitOpen, e.inst.ID))
	}

	e.recordCall(duration, err, p.perfWindow)
	if err == nil {
		return nil
	}

	// Map deadline from the per-call timeout to a retriable failure
	// unless the parent context itself was cancelled.
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.KindRetriable, err)
	}
	if errkind.Of(err) == errkind.KindUnknown {
		return errkind.Wrap(errkind.KindFatal, err)
	}
	return err
}

// selectEntry applies the instance selection algorithm.
func (p *Pool[C]) selectEntry(preferredID string) (*entry[C], error) {
	if preferredID != "" {
		if e, ok := p.byID[preferredID]; ok && e.healthy() {
			return e, nil
		}
	}

	healthy := make([]*entry[C], 0, len(p.entries))
	open := 0
	for _, e := range p.entries {
		if e.healthy() {
			healthy = append(healthy, e)
		} else if e.breaker.State() == gobreaker.StateOpen {
			open++
		}
	}
	if len(healthy) == 0 {
		if open > 0 {
			return nil, errkind.Wrap(errkind.KindCircuitOpen, ErrCircuitOpen)
		}
		return nil, errkind.Wrap(errkind.KindRetriable, ErrNoHealthyInstances)
	}
	return p.bal.pick(healthy), nil
}

// anyBreakerClosed reports whether at least one instance can admit calls.
func (p *Pool[C]) anyBreakerClosed() bool {
	for _, e := range p.entries {
		if e.breaker.State() != gobreaker.StateOpen {
			return true
		}
	}
	return false
}

// HealthStatus returns a health snapshot per instance. Entries staler
// than twice the check interval are re-probed synchronously first.
func (p *Pool[C]) HealthStatus(ctx context.Context) map[string]ConnectionHealth {
	staleAfter := 2 * p.cfg.HealthCheck.Interval()
	out := make(map[string]ConnectionHealth, len(p.entries))
	for _, e := range p.entries {
		h := e.healthSnapshot()
		if p.cfg.HealthCheck.EnableHealthChecks && time.Since(h.LastChecked) > staleAfter {
			p.probe(ctx, e)
			h = e.healthSnapshot()
		}
		out[e.inst.ID] = h
	}
	return out
}

// Metrics returns a metrics snapshot per instance.
func (p *Pool[C]) Metrics() map[string]InstanceMetrics {
	out := make(map[string]InstanceMetrics, len(p.entries))
	for _, e := range p.entries {
		out[e.inst.ID] = e.metricsSnapshot()
	}
	return out
}

// HealthyCount returns how many instances currently pass health checks.
func (p *Pool[C]) HealthyCount() int {
	n := 0
	for _, e := range p.entries {
		if e.healthy() {
			n++
		}
	}
	return n
}

// Size returns the number of configured instances.
func (p *Pool[C]) Size() int { return len(p.entries) }

// Name returns the pool name.
func (p *Pool[C]) Name() string { return p.name }

// SetInstanceHealth manually overrides an instance's availability.
// Used by admin tooling; the override survives until the next call.
func (p *Pool[C]) SetInstanceHealth(id string, healthy bool) error {
	e, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	e.mu.Lock()
	e.manualDown = !healthy
	e.mu.Unlock()
	slog.Info("Instance health manually set", "pool", p.name, "instance", id, "healthy", healthy)
	return nil
}

// runHealthLoop probes every instance on the configured interval.
func (p *Pool[C]) runHealthLoop(ctx context.Context) {
	defer close(p.done)

	if !p.cfg.HealthCheck.EnableHealthChecks {
		<-ctx.Done()
		return
	}

	// Probe immediately so the optimistic initial state is short-lived.
	p.probeAll(ctx)

	ticker := time.NewTicker(p.cfg.HealthCheck.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Pool[C]) probeAll(ctx context.Context) {
	for _, e := range p.entries {
		p.probe(ctx, e)
	}
	poolHealthyInstances.WithLabelValues(p.name).Set(float64(p.HealthyCount()))
}

// probe runs one health check. Probe failures flip health but never
// surface to Acquire callers; they just see fewer instances.
func (p *Pool[C]) probe(ctx context.Context, e *entry[C]) {
	if e.inst.Probe == nil {
		e.setHealth(ConnectionHealth{
			InstanceID:  e.inst.ID,
			IsHealthy:   true,
			LastChecked: time.Now(),
			Status:      "no_probe",
		})
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheck.Timeout())
	defer cancel()

	start := time.Now()
	err := e.inst.Probe(probeCtx, e.inst.Client)
	elapsed := time.Since(start)

	h := ConnectionHealth{
		InstanceID:   e.inst.ID,
		IsHealthy:    err == nil,
		LastChecked:  time.Now(),
		ResponseTime: elapsed,
		Status:       "healthy",
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		slog.Warn("Instance health probe failed",
			"pool", p.name, "instance", e.inst.ID, "error", err)
	}
	e.setHealth(h)
}
