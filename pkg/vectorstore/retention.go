package vectorstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor enforces the sliding 24-hour retention window on a schedule.
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewJanitor creates a retention janitor running every interval.
func NewJanitor(store Store, interval time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   slog.With("component", "vector-janitor"),
		done:     make(chan struct{}),
	}
}

// Start launches the background prune loop. An immediate prune runs
// before the first tick.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	go j.run(ctx)
	j.logger.Info("Vector retention janitor started", "interval", j.interval)
}

// Stop halts the loop and waits for the in-flight prune to finish.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		<-j.done
		j.logger.Info("Vector retention janitor stopped")
	})
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	j.prune(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *Janitor) prune(ctx context.Context) {
	deleted, err := j.store.DeleteOlderThan24Hours(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("Retention prune failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		j.logger.Info("Retention prune complete", "deleted", deleted)
	}
}
