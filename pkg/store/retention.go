package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeadLetterPruner deletes dead letters that fell out of the retention
// window.
type DeadLetterPruner interface {
	PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sweeper prunes expired dead letters on a schedule.
type Sweeper struct {
	pruner        DeadLetterPruner
	interval      time.Duration
	retentionDays int
	logger        *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a dead-letter sweeper running every interval and
// keeping retentionDays of history.
func NewSweeper(pruner DeadLetterPruner, interval time.Duration, retentionDays int) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		pruner:        pruner,
		interval:      interval,
		retentionDays: retentionDays,
		logger:        slog.With("component", "deadletter-sweeper"),
		done:          make(chan struct{}),
	}
}

// Start launches the background sweep loop. An immediate sweep runs
// before the first tick.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	s.logger.Info("Dead-letter sweeper started",
		"interval", s.interval, "retention_days", s.retentionDays)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		s.logger.Info("Dead-letter sweeper stopped")
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	pruned, err := s.pruner.PruneDeadLetters(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Dead-letter sweep failed", "error", err)
		}
		return
	}
	if pruned > 0 {
		s.logger.Info("Dead-letter sweep complete", "pruned", pruned)
	}
}
