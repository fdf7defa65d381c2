// Package pipeline orchestrates per-event processing: ignore-filter,
// deterministic detection, embedding, neighbor retrieval, LLM analysis,
// verdict merge, persistence, vector upsert, and broadcast.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/embedding"
	"github.com/sentrill/sentrill/pkg/llm"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/rules"
	"github.com/sentrill/sentrill/pkg/vectorstore"
)

// persistAttempts bounds the Save retry loop before dead-lettering.
const persistAttempts = 3

// persistRetryDelay is the base delay between persist attempts.
const persistRetryDelay = 50 * time.Millisecond

// EventStore is the persistence surface the pipeline needs.
type EventStore interface {
	Save(ctx context.Context, event *models.SecurityEvent) error
	SaveDeadLetter(ctx context.Context, event models.LogEvent, reason string) error
}

// Publisher decouples the pipeline from the broadcaster in tests.
type Publisher interface {
	Publish(topic string, payload any) error
}

// compiledIgnore is one ignore-filter triple with its regex compiled.
// All set fields must match for the event to be dropped.
type compiledIgnore struct {
	channel string
	eventID int
	pattern *regexp.Regexp
}

func (ci *compiledIgnore) matches(ev models.LogEvent) bool {
	if ci.channel != "" && ci.channel != ev.Channel {
		return false
	}
	if ci.eventID != 0 && ci.eventID != ev.EventID {
		return false
	}
	if ci.pattern != nil && !ci.pattern.MatchString(ev.Message) {
		return false
	}
	return ci.channel != "" || ci.eventID != 0 || ci.pattern != nil
}

type job struct {
	event models.LogEvent
	done  func(outcome string)
}

// Stats is a point-in-time snapshot of pipeline activity.
type Stats struct {
	Processed    int64 `json:"processed"`
	Ignored      int64 `json:"ignored"`
	Persisted    int64 `json:"persisted"`
	BelowMinRisk int64 `json:"below_min_risk"`
	DeadLettered int64 `json:"dead_lettered"`
	Failed       int64 `json:"failed"`
	InFlight     int64 `json:"in_flight"`
}

// Pipeline is the long-running orchestrator. Events are sharded across
// a bounded worker group by uniqueId, so events sharing a uniqueId are
// processed in submission order while distinct uniqueIds may proceed in
// parallel.
type Pipeline struct {
	cfg       config.PipelineConfig
	ignore    []compiledIgnore
	minRisk   models.RiskLevel
	detector  *rules.Detector
	embedder  embedding.Embedder
	vectors   vectorstore.Store
	llm       llm.Client
	store     EventStore
	publisher Publisher
	logger    *slog.Logger

	shards   []chan job
	wg       sync.WaitGroup
	rr       atomic.Uint32
	stopOnce sync.Once

	processed    atomic.Int64
	ignored      atomic.Int64
	persisted    atomic.Int64
	belowMinRisk atomic.Int64
	deadLettered atomic.Int64
	failed       atomic.Int64
	inFlight     atomic.Int64
}

// New creates the pipeline. Ignore patterns with an invalid regex are
// a configuration error.
func New(
	cfg config.PipelineConfig,
	ignorePatterns []config.IgnorePattern,
	detector *rules.Detector,
	embedder embedding.Embedder,
	vectors vectorstore.Store,
	llmClient llm.Client,
	eventStore EventStore,
	publisher Publisher,
) (*Pipeline, error) {
	ignore := make([]compiledIgnore, 0, len(ignorePatterns))
	for _, p := range ignorePatterns {
		ci := compiledIgnore{channel: p.Channel, eventID: p.EventID}
		if p.MessagePattern != "" {
			re, err := regexp.Compile(p.MessagePattern)
			if err != nil {
				return nil, fmt.Errorf("compiling ignore pattern %q: %w", p.MessagePattern, err)
			}
			ci.pattern = re
		}
		ignore = append(ignore, ci)
	}

	return &Pipeline{
		cfg:       cfg,
		ignore:    ignore,
		minRisk:   models.ParseRiskLevel(cfg.MinRiskToPersist),
		detector:  detector,
		embedder:  embedder,
		vectors:   vectors,
		llm:       llmClient,
		store:     eventStore,
		publisher: publisher,
		logger:    slog.With("component", "pipeline"),
	}, nil
}

// Start launches the worker group. Must be called before Enqueue.
func (p *Pipeline) Start(ctx context.Context) {
	n := p.cfg.MaxInFlight
	if n < 1 {
		n = 1
	}
	p.shards = make([]chan job, n)
	for i := range p.shards {
		ch := make(chan job)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.worker(ctx, ch)
	}
	p.logger.Info("Pipeline started", "workers", n)
}

// Stop closes the shards and waits for in-flight events to finish.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		for _, ch := range p.shards {
			close(ch)
		}
		p.wg.Wait()
		p.logger.Info("Pipeline stopped")
	})
}

// Enqueue hands one event to its shard, blocking when the shard's
// worker is busy. done, if non-nil, is invoked with the final outcome.
func (p *Pipeline) Enqueue(ctx context.Context, ev models.LogEvent, done func(outcome string)) error {
	select {
	case p.shards[p.shardFor(ev.UniqueID)] <- job{event: ev, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardFor maps a uniqueId to a worker. Events without a uniqueId have
// no ordering identity and are spread round-robin.
func (p *Pipeline) shardFor(uniqueID string) int {
	if uniqueID == "" {
		return int(p.rr.Add(1)) % len(p.shards)
	}
	h := fnv.New32a()
	h.Write([]byte(uniqueID))
	return int(h.Sum32()) % len(p.shards)
}

func (p *Pipeline) worker(ctx context.Context, ch <-chan job) {
	defer p.wg.Done()
	for j := range ch {
		outcome := p.handle(ctx, j.event)
		if j.done != nil {
			j.done(outcome)
		}
	}
}

// handle runs one event through the full stage order under the
// per-event deadline and returns the outcome label.
func (p *Pipeline) handle(ctx context.Context, ev models.LogEvent) string {
	started := time.Now()
	p.inFlight.Add(1)
	pipelineInFlight.Inc()
	defer func() {
		p.inFlight.Add(-1)
		pipelineInFlight.Dec()
		pipelineEventDuration.Observe(time.Since(started).Seconds())
	}()

	outcome := p.process(ctx, ev)
	pipelineEvents.WithLabelValues(outcome).Inc()
	switch outcome {
	case outcomePersisted:
		p.persisted.Add(1)
	case outcomeBelowMinRisk:
		p.belowMinRisk.Add(1)
	case outcomeIgnored:
		p.ignored.Add(1)
	case outcomeDeadLettered:
		p.deadLettered.Add(1)
	case outcomeFailed:
		p.failed.Add(1)
	}
	p.processed.Add(1)
	return outcome
}

func (p *Pipeline) process(parentCtx context.Context, ev models.LogEvent) string {
	ctx, cancel := context.WithTimeout(parentCtx, p.cfg.PerEventDeadline())
	defer cancel()

	for i := range p.ignore {
		if p.ignore[i].matches(ev) {
			return outcomeIgnored
		}
	}

	det := p.detector.Detect(ev)

	vector, err := p.embedder.Embed(ctx, ev.Message)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeFailed
		}
		pipelineStageErrors.WithLabelValues("embed").Inc()
		p.logger.Warn("Embedding failed, continuing without similarity context",
			"unique_id", ev.UniqueID, "error", err)
		vector = nil
	}

	var neighbors []models.Neighbor
	if len(vector) > 0 && p.cfg.NeighborK > 0 {
		neighbors, err = p.vectors.Search(ctx, vector, p.cfg.NeighborK)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeFailed
			}
			pipelineStageErrors.WithLabelValues("search").Inc()
			p.logger.Warn("Neighbor search failed, analyzing without context",
				"unique_id", ev.UniqueID, "error", err)
			neighbors = nil
		}
	}

	verdict := p.analyze(ctx, ev, neighbors)
	if verdict == nil && ctx.Err() != nil {
		return outcomeFailed
	}

	sec := rules.Merge(ev, det, verdict)
	if sec == nil {
		// No deterministic rule and no verdict: nothing to report.
		return outcomeBelowMinRisk
	}
	sec.ID = uuid.NewString()

	outcome := outcomeBelowMinRisk
	if sec.RiskLevel.Rank() >= p.minRisk.Rank() {
		outcome = p.persist(ctx, sec)
		if outcome == outcomeFailed {
			return outcome
		}
	}

	// The original event payload goes into the vector store regardless
	// of persistence: low-risk events are still retrieval context.
	if len(vector) > 0 {
		if err := p.vectors.Upsert(ctx, ev, vector); err != nil {
			pipelineStageErrors.WithLabelValues("upsert").Inc()
			p.logger.Warn("Vector upsert failed", "unique_id", ev.UniqueID, "error", err)
		}
	}

	if outcome == outcomePersisted {
		p.announce(sec)
	}
	return outcome
}

// analyze runs the LLM stage. The strict-JSON layer guarantees a
// parseable verdict on every non-cancelled path.
func (p *Pipeline) analyze(ctx context.Context, ev models.LogEvent, neighbors []models.Neighbor) *models.LLMVerdict {
	raw, err := p.llm.Analyze(ctx, ev, neighbors)
	if err != nil {
		if ctx.Err() == nil {
			pipelineStageErrors.WithLabelValues("analyze").Inc()
			p.logger.Warn("LLM analysis failed", "unique_id", ev.UniqueID, "error", err)
		}
		return nil
	}
	var verdict models.LLMVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		pipelineStageErrors.WithLabelValues("analyze").Inc()
		p.logger.Warn("Unparseable verdict", "unique_id", ev.UniqueID, "error", err)
		return nil
	}
	return &verdict
}

// persist saves with bounded retries, dead-lettering on exhaustion so
// the event is not lost.
func (p *Pipeline) persist(ctx context.Context, sec *models.SecurityEvent) string {
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			pipelinePersistRetries.Inc()
			select {
			case <-time.After(persistRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return outcomeFailed
			}
		}
		if lastErr = p.store.Save(ctx, sec); lastErr == nil {
			return outcomePersisted
		}
		if ctx.Err() != nil {
			return outcomeFailed
		}
	}

	p.logger.Error("Persist failed, dead-lettering event",
		"event_id", sec.ID, "error", lastErr)
	reason := fmt.Sprintf("persist failed after %d attempts: %v", persistAttempts, lastErr)
	if err := p.store.SaveDeadLetter(ctx, sec.OriginalEvent, reason); err != nil {
		p.logger.Error("Dead-letter write failed, event lost",
			"event_id", sec.ID, "error", err)
		return outcomeFailed
	}
	return outcomeDeadLettered
}

// announce broadcasts the persisted event, plus a malware match when a
// deterministic credential-theft rule fired.
func (p *Pipeline) announce(sec *models.SecurityEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(broadcast.TopicSecurityEvents, broadcast.SecurityEventUpdate{
		Type:      broadcast.TypeSecurityEventUpdate,
		Event:     sec,
		Timestamp: broadcast.Stamp(),
	}); err != nil {
		p.logger.Warn("Failed to broadcast security event", "event_id", sec.ID, "error", err)
	}

	if sec.IsDeterministic && containsTechnique(sec.MitreTechniques, "T1003") {
		if err := p.publisher.Publish(broadcast.TopicSecurityEvents, broadcast.MalwareMatchDetected{
			Type:      broadcast.TypeMalwareMatchDetected,
			EventID:   sec.ID,
			Host:      sec.OriginalEvent.Host,
			Indicator: "offensive tooling signature",
			Timestamp: broadcast.Stamp(),
		}); err != nil {
			p.logger.Warn("Failed to broadcast malware match", "event_id", sec.ID, "error", err)
		}
	}
}

func containsTechnique(techniques []string, want string) bool {
	for _, t := range techniques {
		if t == want {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Ignored:      p.ignored.Load(),
		Persisted:    p.persisted.Load(),
		BelowMinRisk: p.belowMinRisk.Load(),
		DeadLettered: p.deadLettered.Load(),
		Failed:       p.failed.Load(),
		InFlight:     p.inFlight.Load(),
	}
}
