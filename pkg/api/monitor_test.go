package api

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/pipeline"
)

type recordedMessage struct {
	topic   string
	payload any
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []recordedMessage
}

func (p *recordingPublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, recordedMessage{topic: topic, payload: payload})
	return nil
}

func (p *recordingPublisher) metrics() []broadcast.SystemMetricsUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.SystemMetricsUpdate
	for _, m := range p.messages {
		if u, ok := m.payload.(broadcast.SystemMetricsUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func (p *recordingPublisher) feedStatuses() []broadcast.ThreatIntelligenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.ThreatIntelligenceStatus
	for _, m := range p.messages {
		if s, ok := m.payload.(broadcast.ThreatIntelligenceStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p *recordingPublisher) dashboards() []broadcast.DashboardUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.DashboardUpdate
	for _, m := range p.messages {
		if d, ok := m.payload.(broadcast.DashboardUpdate); ok {
			out = append(out, d)
		}
	}
	return out
}

func (p *recordingPublisher) topics() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool)
	for _, m := range p.messages {
		out[m.topic] = true
	}
	return out
}

type fakeStats struct {
	processed atomic.Int64
	inFlight  int64
}

func (f *fakeStats) Stats() pipeline.Stats {
	return pipeline.Stats{Processed: f.processed.Load(), InFlight: f.inFlight}
}

func TestMonitorPublishesSystemMetrics(t *testing.T) {
	pub := &recordingPublisher{}
	stats := &fakeStats{inFlight: 4}
	stats.processed.Store(120)

	mon := NewMonitor(MonitorDeps{
		Publisher:    pub,
		Pipeline:     stats,
		Pools:        []PoolStatus{&fakePool{name: "embeddings", healthy: 2, size: 3}},
		CacheHitRate: func() float64 { return 0.5 },
	}, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool { return len(pub.metrics()) >= 1 },
		5*time.Second, 10*time.Millisecond)

	got := pub.metrics()[0]
	assert.Equal(t, broadcast.TypeSystemMetricsUpdate, got.Type)
	assert.Equal(t, 4, got.InFlight)
	assert.Equal(t, map[string]int{"embeddings": 2}, got.PoolHealth)
	assert.Equal(t, 0.5, got.EmbeddingHitRate)
	assert.True(t, pub.topics()[broadcast.TopicSystemMetrics])
}

func TestMonitorComputesThroughputBetweenTicks(t *testing.T) {
	pub := &recordingPublisher{}
	stats := &fakeStats{}

	mon := NewMonitor(MonitorDeps{Publisher: pub, Pipeline: stats}, 20*time.Millisecond)
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool { return len(pub.metrics()) >= 1 },
		5*time.Second, 10*time.Millisecond)
	stats.processed.Add(500)

	// A later snapshot sees the counter delta as a positive rate.
	require.Eventually(t, func() bool {
		for _, u := range pub.metrics() {
			if u.EventsPerSecond > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitorPublishesFeedStatus(t *testing.T) {
	pub := &recordingPublisher{}
	mon := NewMonitor(MonitorDeps{Publisher: pub}, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool { return len(pub.feedStatuses()) >= 1 },
		5*time.Second, 10*time.Millisecond)

	got := pub.feedStatuses()[0]
	assert.Equal(t, broadcast.TypeThreatIntelligenceStatus, got.Type)
	assert.Equal(t, "builtin-rules", got.FeedName)
	assert.True(t, got.Healthy)
	assert.NotEmpty(t, got.LastUpdated)
}

func TestMonitorPublishesDashboardRefresh(t *testing.T) {
	pub := &recordingPublisher{}
	dash := NewDashboard(&fakeDashboardStore{
		total:  7,
		byRisk: map[models.RiskLevel]int{models.RiskCritical: 1},
	})

	mon := NewMonitor(MonitorDeps{Publisher: pub, Dashboard: dash}, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool { return len(pub.dashboards()) >= 1 },
		5*time.Second, 10*time.Millisecond)

	got := pub.dashboards()[0]
	assert.Equal(t, broadcast.TypeDashboardUpdate, got.Type)
	assert.Equal(t, "24h", got.Data.TimeRange)
	assert.Equal(t, 7, got.Data.TotalEvents)
	assert.True(t, pub.topics()[broadcast.TopicDashboardUpdates])
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	mon := NewMonitor(MonitorDeps{Publisher: &recordingPublisher{}}, time.Hour)
	mon.Start(context.Background())
	mon.Stop()
	mon.Stop()
}
