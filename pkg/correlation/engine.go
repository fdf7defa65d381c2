package correlation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetInRange(ctx context.Context, from, to time.Time, eventTypes []models.EventType) ([]*models.SecurityEvent, error)
	SaveCorrelation(ctx context.Context, corr *models.Correlation) (bool, error)
	UpdateEventScores(ctx context.Context, eventID, correlationID string, correlationScore, burstScore, anomalyScore float64) error
	PruneCorrelations(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher decouples the engine from the broadcaster in tests.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	TotalEventsProcessed  int64                            `json:"total_events_processed"`
	EventsCorrelated      int64                            `json:"events_correlated"`
	CorrelationsDetected  int64                            `json:"correlations_detected"`
	CorrelationsByType    map[models.CorrelationType]int64 `json:"correlations_by_type"`
	AverageConfidence     float64                          `json:"average_confidence_score"`
	AverageProcessingTime time.Duration                    `json:"average_processing_time"`
	LastUpdated           time.Time                        `json:"last_updated"`
	TopPatterns           []PatternCount                   `json:"top_patterns"`
}

// PatternCount ranks a recurring pattern by how often it was detected.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int64  `json:"count"`
}

// Engine runs the correlation detectors on a schedule over recently
// persisted events. Detected correlations are persisted, their events
// re-scored, and an alert broadcast once per unique correlation.
type Engine struct {
	cfg       config.CorrelationConfig
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	eventsSeen    int64
	correlatedIDs map[string]bool
	detected      int64
	byType        map[models.CorrelationType]int64
	confidenceSum float64
	processingSum time.Duration
	scanCount     int64
	patternCounts map[string]int64
	lastUpdated   time.Time
}

// NewEngine creates the engine. Call Start to begin scanning.
func NewEngine(cfg config.CorrelationConfig, store Store, publisher Publisher) *Engine {
	return &Engine{
		cfg:           cfg,
		store:         store,
		publisher:     publisher,
		logger:        slog.With("component", "correlation-engine"),
		now:           time.Now,
		done:          make(chan struct{}),
		correlatedIDs: make(map[string]bool),
		byType:        make(map[models.CorrelationType]int64),
		patternCounts: make(map[string]int64),
	}
}

// Start launches the background scan loop. A scan runs immediately
// before the first tick.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)
	e.logger.Info("Correlation engine started",
		"interval", e.cfg.AnalysisInterval(), "lookback", e.cfg.Lookback())
}

// Stop halts the loop and waits for the in-flight scan to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		<-e.done
		e.logger.Info("Correlation engine stopped")
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.Scan(ctx)

	ticker := time.NewTicker(e.cfg.AnalysisInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Scan(ctx)
			e.pruneOld(ctx)
		}
	}
}

// Scan runs one detector pass over the lookback window. Repeated scans
// over the same window are idempotent: the store's dedup key rejects
// already-persisted correlations and no duplicate alert is broadcast.
func (e *Engine) Scan(ctx context.Context) {
	started := e.now()
	to := started
	from := to.Add(-e.cfg.Lookback())

	events, err := e.store.GetInRange(ctx, from, to, nil)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Correlation scan failed to load events", "error", err)
		}
		return
	}

	now := e.now()
	var correlations []*models.Correlation
	correlations = append(correlations, e.detectTemporalBursts(events, now)...)
	correlations = append(correlations, e.detectAttackChains(events, now)...)
	correlations = append(correlations, e.detectLateralMovement(events, now)...)
	correlations = append(correlations, e.detectPrivilegeEscalation(events, now)...)

	persisted := 0
	for _, corr := range correlations {
		created, err := e.store.SaveCorrelation(ctx, corr)
		if err != nil {
			e.logger.Error("Failed to persist correlation",
				"type", corr.CorrelationType, "error", err)
			continue
		}
		if !created {
			continue
		}
		persisted++
		e.applyScores(ctx, corr)
		e.record(corr)

		if e.publisher != nil {
			alert := broadcast.CorrelationAlert{
				Type:        broadcast.TypeCorrelationAlert,
				Correlation: corr,
				AttackChain: BuildChain(corr, events),
				Timestamp:   broadcast.Stamp(),
			}
			if err := e.publisher.Publish(broadcast.TopicCorrelationAlerts, alert); err != nil {
				e.logger.Warn("Failed to broadcast correlation alert", "error", err)
			}
		}
	}

	e.finishScan(int64(len(events)), e.now().Sub(started))
	if persisted > 0 {
		e.logger.Info("Correlation scan complete",
			"events", len(events), "new_correlations", persisted)
	}
}

// applyScores raises the per-event correlation scores. The store takes
// the max of the stored and supplied values, so events in several
// correlations keep the highest score from each dimension.
func (e *Engine) applyScores(ctx context.Context, corr *models.Correlation) {
	var burst, anomaly float64
	if corr.CorrelationType == models.CorrelationTemporalBurst {
		burst = corr.ConfidenceScore
	} else {
		anomaly = corr.ConfidenceScore
	}
	for _, id := range corr.EventIDs {
		if err := e.store.UpdateEventScores(ctx, id, corr.ID, corr.ConfidenceScore, burst, anomaly); err != nil {
			e.logger.Warn("Failed to update event scores",
				"event_id", id, "correlation_id", corr.ID, "error", err)
		}
	}
}

func (e *Engine) record(corr *models.Correlation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detected++
	e.byType[corr.CorrelationType]++
	e.confidenceSum += corr.ConfidenceScore
	e.patternCounts[corr.Pattern]++
	for _, id := range corr.EventIDs {
		e.correlatedIDs[id] = true
	}
}

func (e *Engine) finishScan(events int64, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventsSeen += events
	e.processingSum += elapsed
	e.scanCount++
	e.lastUpdated = e.now()
}

func (e *Engine) pruneOld(ctx context.Context) {
	retention := time.Duration(e.cfg.CorrelationRetentionDays) * 24 * time.Hour
	cutoff := e.now().Add(-retention)
	pruned, err := e.store.PruneCorrelations(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Correlation prune failed", "error", err)
		}
		return
	}
	if pruned > 0 {
		e.logger.Info("Pruned old correlations", "pruned", pruned)
	}
}

// topPatternLimit bounds the pattern leaderboard in Stats.
const topPatternLimit = 10

// Stats returns a snapshot of engine activity since start.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	byType := make(map[models.CorrelationType]int64, len(e.byType))
	for k, v := range e.byType {
		byType[k] = v
	}

	patterns := make([]PatternCount, 0, len(e.patternCounts))
	for p, n := range e.patternCounts {
		patterns = append(patterns, PatternCount{Pattern: p, Count: n})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Pattern < patterns[j].Pattern
	})
	if len(patterns) > topPatternLimit {
		patterns = patterns[:topPatternLimit]
	}

	s := Stats{
		TotalEventsProcessed: e.eventsSeen,
		EventsCorrelated:     int64(len(e.correlatedIDs)),
		CorrelationsDetected: e.detected,
		CorrelationsByType:   byType,
		LastUpdated:          e.lastUpdated,
		TopPatterns:          patterns,
	}
	if e.detected > 0 {
		s.AverageConfidence = e.confidenceSum / float64(e.detected)
	}
	if e.scanCount > 0 {
		s.AverageProcessingTime = e.processingSum / time.Duration(e.scanCount)
	}
	return s
}
