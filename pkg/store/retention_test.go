package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) PruneDeadLetters(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, olderThan)
	return 3, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweeperPrunesImmediatelyOnStart(t *testing.T) {
	pruner := &fakePruner{}
	sweeper := NewSweeper(pruner, time.Hour, 7)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	require.Eventually(t, func() bool { return pruner.calls() >= 1 },
		5*time.Second, 10*time.Millisecond)

	pruner.mu.Lock()
	cutoff := pruner.cutoffs[0]
	pruner.mu.Unlock()
	want := time.Now().AddDate(0, 0, -7)
	assert.WithinDuration(t, want, cutoff, time.Minute)
}

func TestSweeperSweepsOnEachTick(t *testing.T) {
	pruner := &fakePruner{}
	sweeper := NewSweeper(pruner, 20*time.Millisecond, 7)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	require.Eventually(t, func() bool { return pruner.calls() >= 3 },
		5*time.Second, 10*time.Millisecond)
}

func TestSweeperSurvivesPruneFailure(t *testing.T) {
	pruner := &fakePruner{err: errors.New("connection refused")}
	sweeper := NewSweeper(pruner, 20*time.Millisecond, 7)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	// The loop keeps ticking past failed sweeps.
	require.Eventually(t, func() bool { return pruner.calls() >= 2 },
		5*time.Second, 10*time.Millisecond)
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	sweeper := NewSweeper(&fakePruner{}, time.Hour, 7)
	sweeper.Start(context.Background())
	sweeper.Stop()
	sweeper.Stop()
}
