package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/errkind"
)

func testPoolConfig() *config.ConnectionPoolsConfig {
	return &config.ConnectionPoolsConfig{
		DefaultMaxPoolSize:             4,
		RequestTimeoutMs:               1000,
		MaxRetryAttempts:               1,
		RetryDelayMs:                   1,
		CircuitBreakerFailureThreshold: 2,
		CircuitBreakerTimeoutMs:        50,
		CircuitBreakerRetryTimeoutMs:   50,
		HealthCheck: config.HealthCheckConfig{
			EnableHealthChecks:    false,
			HealthCheckIntervalMs: 1000,
			HealthCheckTimeoutMs:  500,
		},
		LoadBalancing: config.LoadBalancingConfig{
			Strategy:               StrategyRoundRobin,
			WeightAdjustmentFactor: 1.0,
		},
		Metrics: config.PoolMetricsConfig{MetricsRetentionMinutes: 1},
	}
}

func newTestPool(t *testing.T, cfg *config.ConnectionPoolsConfig, ids ...string) *Pool[string] {
	t.Helper()
	instances := make([]Instance[string], 0, len(ids))
	for _, id := range ids {
		instances = append(instances, Instance[string]{ID: id, Client: id, MaxPoolSize: 2})
	}
	p, err := New("test", cfg, instances)
	require.NoError(t, err)
	return p
}

func failingCall(err error) func(context.Context, string) error {
	return func(context.Context, string) error { return err }
}

func TestNewRequiresInstances(t *testing.T) {
	_, err := New[string]("empty", testPoolConfig(), nil)
	assert.Error(t, err)
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), "a")
	boom := errkind.Wrap(errkind.KindFatal, errors.New("remote rejected"))

	for i := 0; i < 2; i++ {
		require.Error(t, p.Do(context.Background(), "", failingCall(boom)))
	}

	// The threshold is reached; the breaker now rejects without calling.
	var calls atomic.Int32
	err := p.Do(context.Background(), "", func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, errkind.KindCircuitOpen, errkind.Of(err))
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0, p.HealthyCount())
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	cfg := testPoolConfig()
	p := newTestPool(t, cfg, "a")
	boom := errkind.Wrap(errkind.KindFatal, errors.New("remote rejected"))
	for i := 0; i < cfg.CircuitBreakerFailureThreshold; i++ {
		require.Error(t, p.Do(context.Background(), "", failingCall(boom)))
	}

	// Wait out the open state so the next call is the half-open probe.
	time.Sleep(cfg.CircuitBreakerTimeout() + 30*time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- p.attempt(context.Background(), "", func(context.Context, string) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// Only one probe is admitted while half-open.
	err := p.attempt(context.Background(), "", func(context.Context, string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, errkind.KindCircuitOpen, errkind.Of(err))

	close(release)
	require.NoError(t, <-probeErr)

	// The successful probe closed the breaker again.
	assert.Equal(t, 1, p.HealthyCount())
	require.NoError(t, p.Do(context.Background(), "", func(context.Context, string) error { return nil }))
}

func TestRetriableFailuresConsumeRetryBudget(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxRetryAttempts = 3
	cfg.CircuitBreakerFailureThreshold = 10
	p := newTestPool(t, cfg, "a")

	var calls atomic.Int32
	err := p.Do(context.Background(), "", func(context.Context, string) error {
		calls.Add(1)
		return errkind.Wrap(errkind.KindRetriable, errors.New("upstream timeout"))
	})
	require.Error(t, err)
	assert.True(t, errkind.IsRetriable(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestCancellationIsNeverRetried(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxRetryAttempts = 3
	p := newTestPool(t, cfg, "a")

	var calls atomic.Int32
	err := p.Do(context.Background(), "", func(context.Context, string) error {
		calls.Add(1)
		return errkind.Wrap(errkind.KindCancelled, context.Canceled)
	})
	require.Error(t, err)
	assert.True(t, errkind.IsCancelled(err))
	assert.EqualValues(t, 1, calls.Load())
	// Cancellation must not trip the breaker either.
	assert.Equal(t, 1, p.HealthyCount())
}

func TestFatalFailuresAreNotRetried(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxRetryAttempts = 3
	cfg.CircuitBreakerFailureThreshold = 10
	p := newTestPool(t, cfg, "a")

	var calls atomic.Int32
	err := p.Do(context.Background(), "", func(context.Context, string) error {
		calls.Add(1)
		return errkind.Wrap(errkind.KindFatal, errors.New("bad request"))
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRoundRobinCyclesInstances(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), "a", "b", "c")

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		lease, err := p.Acquire(context.Background(), "")
		require.NoError(t, err)
		seen[lease.InstanceID]++
		lease.Release()
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, seen)
}

func TestPreferredInstanceWinsWhenHealthy(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), "a", "b")

	lease, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.InstanceID)
	lease.Release()

	// A downed preferred instance falls through to selection.
	require.NoError(t, p.SetInstanceHealth("b", false))
	lease, err = p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "a", lease.InstanceID)
	lease.Release()
}

func TestManualDownExcludesInstance(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), "a")
	require.NoError(t, p.SetInstanceHealth("a", false))

	_, err := p.Acquire(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHealthyInstances)
	assert.Equal(t, 0, p.HealthyCount())

	require.NoError(t, p.SetInstanceHealth("a", true))
	assert.Equal(t, 1, p.HealthyCount())

	assert.ErrorIs(t, p.SetInstanceHealth("nope", false), ErrUnknownInstance)
}

func TestAcquireHonoursSlotBound(t *testing.T) {
	cfg := testPoolConfig()
	p, err := New("test", cfg, []Instance[string]{{ID: "a", Client: "a", MaxPoolSize: 1}})
	require.NoError(t, err)

	lease, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "")
	require.Error(t, err)
	assert.True(t, errkind.IsCancelled(err))

	lease.Release()
	next, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	next.Release()
}

func TestLeaseCountsFreshThenPooled(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), "a")

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire(context.Background(), "")
		require.NoError(t, err)
		lease.Release()
	}

	m := p.Metrics()["a"]
	assert.EqualValues(t, 1, m.NewConnections, "the first lease dials fresh")
	assert.EqualValues(t, 1, m.ConnectionsFromPool)
	assert.EqualValues(t, 2, m.TotalConnections)
	assert.EqualValues(t, 0, m.ActiveConnections)
	assert.EqualValues(t, 2, m.AvailableConnections)
}

func TestWeightMultiplierClamped(t *testing.T) {
	b := &balancer[string]{strategy: StrategyWeightedRoundRobin, factor: 2.0}

	// Idle and error-free trends to the ceiling.
	idle := &entry[string]{inst: Instance[string]{ID: "idle", MaxPoolSize: 4}}
	assert.InDelta(t, maxMultiplier, b.multiplier(idle), 1e-9)

	// A 100% error rate would zero the weight; the floor keeps the
	// instance selectable.
	failing := &entry[string]{inst: Instance[string]{ID: "bad", MaxPoolSize: 4}}
	for i := 0; i < 5; i++ {
		failing.recordCall(50*time.Millisecond, errors.New("boom"), time.Minute)
	}
	assert.InDelta(t, minMultiplier, b.multiplier(failing), 1e-9)
}

func TestLeastConnectionsPicksIdleInstance(t *testing.T) {
	cfg := testPoolConfig()
	cfg.LoadBalancing.Strategy = StrategyLeastConnections
	p := newTestPool(t, cfg, "a", "b")

	busy, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer busy.Release()

	lease, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.InstanceID)
	lease.Release()
}
