package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/source"
)

// progressEvery is how many submitted events separate progress updates.
const progressEvery = 100

// ScanResult summarises one completed scan.
type ScanResult struct {
	ScanID    string        `json:"scan_id"`
	Processed int64         `json:"processed"`
	Persisted int64         `json:"persisted"`
	Dropped   int64         `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

// RunScan drives an event source through the pipeline, reporting
// progress on the scan topics and advancing the bookmark as events
// complete. Blocks until the source is exhausted and every submitted
// event has finished. A nil bookmark disables resume tracking.
func (p *Pipeline) RunScan(ctx context.Context, src source.EventSource, scanID string, bookmark *source.Bookmark) (ScanResult, error) {
	if scanID == "" {
		scanID = uuid.NewString()
	}
	started := time.Now()
	logger := p.logger.With("scan_id", scanID, "source", src.Name())
	logger.Info("Scan started")

	total := 0
	if sized, ok := src.(source.Sized); ok {
		total = sized.Len()
	}

	var wg sync.WaitGroup
	var submitted, persisted, dropped, failed int64
	var bookmarkMu sync.Mutex

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			wg.Wait()
			code := broadcast.ScanErrorSourceUnavailable
			if ctx.Err() != nil {
				code = broadcast.ScanErrorDeadlineExceeded
			}
			p.publishScanError(scanID, code, err)
			logger.Error("Scan aborted", "error", err)
			return ScanResult{ScanID: scanID, Duration: time.Since(started)}, err
		}

		event := ev
		wg.Add(1)
		if err := p.Enqueue(ctx, event, func(outcome string) {
			defer wg.Done()
			switch outcome {
			case outcomePersisted:
				atomic.AddInt64(&persisted, 1)
			case outcomeIgnored, outcomeBelowMinRisk:
				atomic.AddInt64(&dropped, 1)
			case outcomeDeadLettered:
				atomic.AddInt64(&failed, 1)
				p.publishScanError(scanID, broadcast.ScanErrorPersistFailed, nil)
			case outcomeFailed:
				atomic.AddInt64(&failed, 1)
			}
			if bookmark != nil && outcome != outcomeFailed {
				bookmarkMu.Lock()
				bookmark.Advance(event.Channel, event.Time)
				bookmarkMu.Unlock()
			}
		}); err != nil {
			wg.Done()
			wg.Wait()
			p.publishScanError(scanID, broadcast.ScanErrorDeadlineExceeded, err)
			logger.Error("Scan cancelled while enqueueing", "error", err)
			return ScanResult{ScanID: scanID, Duration: time.Since(started)}, err
		}

		submitted++
		if submitted%progressEvery == 0 {
			p.publishProgress(scanID, submitted, total,
				atomic.LoadInt64(&persisted), atomic.LoadInt64(&dropped))
		}
	}

	wg.Wait()

	if bookmark != nil {
		if err := bookmark.Save(); err != nil {
			logger.Warn("Failed to save scan bookmark", "error", err)
		}
	}

	result := ScanResult{
		ScanID:    scanID,
		Processed: submitted,
		Persisted: atomic.LoadInt64(&persisted),
		Dropped:   atomic.LoadInt64(&dropped),
		Duration:  time.Since(started),
	}

	completed := broadcast.ScanCompleted{
		Type:            broadcast.TypeScanCompleted,
		ScanID:          scanID,
		EventsProcessed: result.Processed,
		EventsPersisted: result.Persisted,
		Duration:        result.Duration.Round(time.Millisecond).String(),
		Timestamp:       broadcast.Stamp(),
	}
	p.publishScan(scanID, completed)

	logger.Info("Scan complete",
		"processed", result.Processed, "persisted", result.Persisted,
		"dropped", result.Dropped, "duration", result.Duration)
	return result, nil
}

func (p *Pipeline) publishProgress(scanID string, submitted int64, total int, persisted, dropped int64) {
	update := broadcast.ScanProgressUpdate{
		Type:            broadcast.TypeScanProgressUpdate,
		ScanID:          scanID,
		EventsProcessed: submitted,
		EventsDropped:   dropped,
		EventsPersisted: persisted,
		Timestamp:       broadcast.Stamp(),
	}
	if total > 0 {
		update.Progress = float64(submitted) / float64(total)
	}
	p.publishScan(scanID, update)
}

func (p *Pipeline) publishScanError(scanID, code string, err error) {
	message := code
	if err != nil {
		message = err.Error()
	}
	p.publishScan(scanID, broadcast.ScanError{
		Type:      broadcast.TypeScanError,
		ScanID:    scanID,
		Code:      code,
		Message:   message,
		Timestamp: broadcast.Stamp(),
	})
}

// publishScan sends to both the shared progress topic and the per-scan
// topic, so clients can follow either.
func (p *Pipeline) publishScan(scanID string, payload any) {
	if p.publisher == nil {
		return
	}
	for _, topic := range []string{broadcast.TopicScanProgressUpdates, broadcast.ScanTopic(scanID)} {
		if err := p.publisher.Publish(topic, payload); err != nil {
			p.logger.Warn("Failed to publish scan update", "topic", topic, "error", err)
		}
	}
}
