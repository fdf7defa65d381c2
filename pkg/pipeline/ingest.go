package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentrill/sentrill/pkg/source"
)

// Ingestor repeatedly drives an event source through the pipeline on a
// fixed cadence. Each pass opens a fresh source, resumes past the
// bookmark so already-processed events are skipped, and runs one scan.
// Appended events are picked up on the next pass.
type Ingestor struct {
	pipe     *Pipeline
	open     func() (source.EventSource, error)
	bookmark *source.Bookmark
	interval time.Duration
	logger   *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewIngestor creates the ingest loop. open is called once per pass; a
// nil bookmark disables resume tracking.
func NewIngestor(p *Pipeline, open func() (source.EventSource, error), bookmark *source.Bookmark, interval time.Duration) *Ingestor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Ingestor{
		pipe:     p,
		open:     open,
		bookmark: bookmark,
		interval: interval,
		logger:   slog.With("component", "ingestor"),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. A pass runs immediately before
// the first tick.
func (i *Ingestor) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	go i.run(ctx)
	i.logger.Info("Ingestor started", "interval", i.interval)
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		if i.cancel != nil {
			i.cancel()
		}
		<-i.done
		i.logger.Info("Ingestor stopped")
	})
}

func (i *Ingestor) run(ctx context.Context) {
	defer close(i.done)

	i.scanOnce(ctx)

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.scanOnce(ctx)
		}
	}
}

// scanOnce runs a single source pass. Open failures are logged and
// retried on the next tick; a vanished or unreadable file must not
// take the process down.
func (i *Ingestor) scanOnce(ctx context.Context) {
	src, err := i.open()
	if err != nil {
		i.logger.Warn("Event source unavailable, will retry", "error", err)
		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			i.logger.Warn("Failed to close event source", "error", err)
		}
	}()

	resumed := source.Resume(src, i.bookmark)
	if _, err := i.pipe.RunScan(ctx, resumed, "", i.bookmark); err != nil && ctx.Err() == nil {
		i.logger.Error("Ingest pass failed", "error", err)
	}
}
