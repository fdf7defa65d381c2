package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/rules"
	"github.com/sentrill/sentrill/pkg/source"
	"github.com/sentrill/sentrill/pkg/vectorstore"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.vector, f.err
}

func (f *fakeEmbedder) Name() string { return "fake-embedder" }

type fakeLLM struct {
	verdict models.LLMVerdict
	err     error
}

func (f *fakeLLM) Analyze(_ context.Context, _ models.LogEvent, _ []models.Neighbor) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	raw, _ := json.Marshal(f.verdict)
	return string(raw), nil
}

func (f *fakeLLM) Generate(_ context.Context, _, _ string) (string, error) { return "", nil }

func (f *fakeLLM) Name() string { return "fake-llm" }

type fakeVectors struct {
	mu       sync.Mutex
	searches int
	searchK  int
	upserts  []models.LogEvent
}

func (f *fakeVectors) EnsureCollection(context.Context) error { return nil }

func (f *fakeVectors) Upsert(_ context.Context, event models.LogEvent, _ []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, event)
	return nil
}

func (f *fakeVectors) BatchUpsert(context.Context, []vectorstore.Item) error { return nil }

func (f *fakeVectors) Search(_ context.Context, _ []float32, k int) ([]models.Neighbor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	f.searchK = k
	return []models.Neighbor{{Event: models.LogEvent{Message: "prior event"}, Score: 0.9}}, nil
}

func (f *fakeVectors) Has24HoursOfData(context.Context) (bool, error) { return true, nil }

func (f *fakeVectors) DeleteOlderThan24Hours(context.Context) (int, error) { return 0, nil }

type fakeEventStore struct {
	mu          sync.Mutex
	saved       []*models.SecurityEvent
	deadLetters []string
	failSaves   int
}

func (f *fakeEventStore) Save(_ context.Context, event *models.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("database unavailable")
	}
	f.saved = append(f.saved, event)
	return nil
}

func (f *fakeEventStore) SaveDeadLetter(_ context.Context, _ models.LogEvent, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, reason)
	return nil
}

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *fakePublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic, payload})
	return nil
}

func (p *fakePublisher) onTopic(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

type deps struct {
	embedder  *fakeEmbedder
	llm       *fakeLLM
	vectors   *fakeVectors
	store     *fakeEventStore
	publisher *fakePublisher
}

func newDeps() *deps {
	return &deps{
		embedder:  &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}},
		llm:       &fakeLLM{verdict: models.LLMVerdict{Risk: "low", Confidence: 25, Summary: "routine activity"}},
		vectors:   &fakeVectors{},
		store:     &fakeEventStore{},
		publisher: &fakePublisher{},
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxInFlight:        2,
		NeighborK:          5,
		MinRiskToPersist:   "low",
		PerEventDeadlineMs: 5000,
	}
}

func newPipeline(t *testing.T, cfg config.PipelineConfig, ignore []config.IgnorePattern, d *deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, ignore, rules.NewDetector(), d.embedder, d.vectors, d.llm, d.store, d.publisher)
	require.NoError(t, err)
	return p
}

// runOne pushes a single event through a started pipeline and returns
// its outcome.
func runOne(t *testing.T, p *Pipeline, ev models.LogEvent) string {
	t.Helper()
	p.Start(context.Background())
	defer p.Stop()

	outcomes := make(chan string, 1)
	require.NoError(t, p.Enqueue(context.Background(), ev, func(outcome string) {
		outcomes <- outcome
	}))
	select {
	case o := <-outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("event did not finish")
		return ""
	}
}

func encodedCommandEvent() models.LogEvent {
	return models.LogEvent{
		Time:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Host:     "ws-42",
		Channel:  "Microsoft-Windows-PowerShell/Operational",
		EventID:  4104,
		Level:    "Information",
		User:     "jdoe",
		Message:  "powershell.exe -EncodedCommand SQBFAFgA",
		UniqueID: "uid-4104-1",
	}
}

func benignLogonEvent() models.LogEvent {
	return models.LogEvent{
		Time:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Host:     "dc-01",
		Channel:  "Security",
		EventID:  4624,
		Level:    "Information",
		User:     "jdoe",
		Message:  "An account was successfully logged on.",
		UniqueID: "uid-4624-1",
	}
}

func TestEncodedCommandFlowsThroughAllStages(t *testing.T) {
	d := newDeps()
	d.llm.verdict = models.LLMVerdict{Risk: "medium", Confidence: 60, Summary: "llm view"}
	p := newPipeline(t, testPipelineConfig(), nil, d)

	outcome := runOne(t, p, encodedCommandEvent())
	assert.Equal(t, outcomePersisted, outcome)

	require.Len(t, d.store.saved, 1)
	sec := d.store.saved[0]
	assert.NotEmpty(t, sec.ID)
	assert.Equal(t, models.RiskHigh, sec.RiskLevel, "deterministic high outranks the llm medium")
	assert.Equal(t, 95, sec.Confidence)
	assert.True(t, sec.IsDeterministic)
	assert.Contains(t, sec.MitreTechniques, "T1059.001")

	assert.Equal(t, 1, d.vectors.searches)
	assert.Equal(t, 5, d.vectors.searchK)
	require.Len(t, d.vectors.upserts, 1)
	assert.Equal(t, "uid-4104-1", d.vectors.upserts[0].UniqueID, "the original event is upserted, not the verdict")

	updates := d.publisher.onTopic(broadcast.TopicSecurityEvents)
	require.Len(t, updates, 1)
	update, ok := updates[0].(broadcast.SecurityEventUpdate)
	require.True(t, ok)
	assert.Equal(t, sec.ID, update.Event.ID)
}

func TestBenignLogonGetsLLMOnlyVerdict(t *testing.T) {
	d := newDeps()
	p := newPipeline(t, testPipelineConfig(), nil, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomePersisted, outcome)

	require.Len(t, d.store.saved, 1)
	sec := d.store.saved[0]
	assert.Equal(t, models.RiskLow, sec.RiskLevel)
	assert.Equal(t, 25, sec.Confidence)
	assert.False(t, sec.IsDeterministic, "4624 has no deterministic rule")
	assert.Equal(t, models.EventTypeLogonSuccess, sec.EventType)
}

func TestIgnoreFilterDropsEarly(t *testing.T) {
	d := newDeps()
	ignore := []config.IgnorePattern{{Channel: "Security", EventID: 4624}}
	p := newPipeline(t, testPipelineConfig(), ignore, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomeIgnored, outcome)

	assert.Zero(t, d.embedder.calls, "ignored events never reach the embedder")
	assert.Empty(t, d.store.saved)
	assert.Empty(t, d.publisher.messages)
}

func TestInvalidIgnoreRegexIsConfigError(t *testing.T) {
	d := newDeps()
	_, err := New(testPipelineConfig(), []config.IgnorePattern{{MessagePattern: "("}},
		rules.NewDetector(), d.embedder, d.vectors, d.llm, d.store, d.publisher)
	assert.Error(t, err)
}

func TestEmptyEmbeddingSkipsSearchAndUpsert(t *testing.T) {
	d := newDeps()
	d.embedder.vector = nil
	p := newPipeline(t, testPipelineConfig(), nil, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomePersisted, outcome, "degraded embedding never blocks analysis")

	assert.Zero(t, d.vectors.searches)
	assert.Empty(t, d.vectors.upserts)
	require.Len(t, d.store.saved, 1)
}

func TestZeroNeighborKSkipsSearch(t *testing.T) {
	d := newDeps()
	cfg := testPipelineConfig()
	cfg.NeighborK = 0
	p := newPipeline(t, cfg, nil, d)

	runOne(t, p, benignLogonEvent())
	assert.Zero(t, d.vectors.searches)
}

func TestBelowMinRiskIsNotPersistedButStaysRetrievable(t *testing.T) {
	d := newDeps()
	cfg := testPipelineConfig()
	cfg.MinRiskToPersist = "high"
	p := newPipeline(t, cfg, nil, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomeBelowMinRisk, outcome)

	assert.Empty(t, d.store.saved)
	assert.Empty(t, d.publisher.onTopic(broadcast.TopicSecurityEvents), "unpersisted events are not broadcast")
	assert.Len(t, d.vectors.upserts, 1, "the raw event still becomes retrieval context")
}

func TestPersistRetriesThenDeadLetters(t *testing.T) {
	d := newDeps()
	d.store.failSaves = persistAttempts
	p := newPipeline(t, testPipelineConfig(), nil, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomeDeadLettered, outcome)

	assert.Empty(t, d.store.saved)
	require.Len(t, d.store.deadLetters, 1)
	assert.Contains(t, d.store.deadLetters[0], "persist failed")
	assert.Empty(t, d.publisher.onTopic(broadcast.TopicSecurityEvents))
}

func TestPersistRecoversWithinRetryBudget(t *testing.T) {
	d := newDeps()
	d.store.failSaves = persistAttempts - 1
	p := newPipeline(t, testPipelineConfig(), nil, d)

	outcome := runOne(t, p, benignLogonEvent())
	assert.Equal(t, outcomePersisted, outcome)
	assert.Len(t, d.store.saved, 1)
	assert.Empty(t, d.store.deadLetters)
}

func TestMalwareMatchBroadcastOnCredentialTheftRule(t *testing.T) {
	d := newDeps()
	p := newPipeline(t, testPipelineConfig(), nil, d)

	ev := models.LogEvent{
		Time:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Host:     "ws-13",
		Channel:  "Security",
		EventID:  4688,
		Message:  "New process created: C:\\tools\\mimikatz.exe",
		UniqueID: "uid-4688-1",
	}
	outcome := runOne(t, p, ev)
	assert.Equal(t, outcomePersisted, outcome)

	var matches int
	for _, payload := range d.publisher.onTopic(broadcast.TopicSecurityEvents) {
		if m, ok := payload.(broadcast.MalwareMatchDetected); ok {
			matches++
			assert.Equal(t, "ws-13", m.Host)
		}
	}
	assert.Equal(t, 1, matches)
}

func TestShardingIsStablePerUniqueID(t *testing.T) {
	d := newDeps()
	p := newPipeline(t, testPipelineConfig(), nil, d)
	p.Start(context.Background())
	defer p.Stop()

	first := p.shardFor("uid-123")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.shardFor("uid-123"), "same uniqueId always lands on the same worker")
	}

	// Events without a uniqueId have no ordering identity and rotate.
	a := p.shardFor("")
	b := p.shardFor("")
	assert.NotEqual(t, a, b)
}

func TestStatsCountOutcomes(t *testing.T) {
	d := newDeps()
	ignore := []config.IgnorePattern{{Channel: "Noise"}}
	p := newPipeline(t, testPipelineConfig(), ignore, d)
	p.Start(context.Background())

	var wg sync.WaitGroup
	submit := func(ev models.LogEvent) {
		wg.Add(1)
		require.NoError(t, p.Enqueue(context.Background(), ev, func(string) { wg.Done() }))
	}
	submit(benignLogonEvent())
	noisy := benignLogonEvent()
	noisy.Channel = "Noise"
	noisy.UniqueID = "uid-noise"
	submit(noisy)
	wg.Wait()
	p.Stop()

	s := p.Stats()
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(1), s.Persisted)
	assert.Equal(t, int64(1), s.Ignored)
	assert.Zero(t, s.InFlight)
}

func TestRunScanCompletesAndBookmarks(t *testing.T) {
	d := newDeps()
	p := newPipeline(t, testPipelineConfig(), nil, d)
	p.Start(context.Background())
	defer p.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var events []models.LogEvent
	for i := 0; i < 5; i++ {
		ev := benignLogonEvent()
		ev.Time = base.Add(time.Duration(i) * time.Minute)
		ev.UniqueID = fmt.Sprintf("uid-%d", i)
		events = append(events, ev)
	}
	src := source.NewMemory("unit", events)

	bookmark, err := source.LoadBookmark(filepath.Join(t.TempDir(), "bookmark.json"))
	require.NoError(t, err)

	result, err := p.RunScan(context.Background(), src, "scan-1", bookmark)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Processed)
	assert.Equal(t, int64(5), result.Persisted)
	assert.True(t, bookmark.Position("Security").Equal(base.Add(4*time.Minute)))

	for _, topic := range []string{broadcast.TopicScanProgressUpdates, broadcast.ScanTopic("scan-1")} {
		payloads := d.publisher.onTopic(topic)
		require.NotEmpty(t, payloads, topic)
		completed, ok := payloads[len(payloads)-1].(broadcast.ScanCompleted)
		require.True(t, ok, "last message on %s is the completion", topic)
		assert.Equal(t, int64(5), completed.EventsProcessed)
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Next(context.Context) (models.LogEvent, error) {
	f.calls++
	return models.LogEvent{}, errors.New("collector offline")
}

func (f *failingSource) Close() error { return nil }

func (f *failingSource) Name() string { return "failing" }

func TestRunScanReportsSourceFailure(t *testing.T) {
	d := newDeps()
	p := newPipeline(t, testPipelineConfig(), nil, d)
	p.Start(context.Background())
	defer p.Stop()

	_, err := p.RunScan(context.Background(), &failingSource{}, "scan-2", nil)
	require.Error(t, err)

	payloads := d.publisher.onTopic(broadcast.ScanTopic("scan-2"))
	require.NotEmpty(t, payloads)
	scanErr, ok := payloads[0].(broadcast.ScanError)
	require.True(t, ok)
	assert.Equal(t, broadcast.ScanErrorSourceUnavailable, scanErr.Code)
}
