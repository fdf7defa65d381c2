package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/pipeline"
	"github.com/sentrill/sentrill/pkg/rules"
)

// Publisher decouples the monitor from the broadcaster in tests.
type Publisher interface {
	Publish(topic string, payload any) error
}

// PipelineStats yields the counters behind the metrics feed.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// DashboardSource builds the periodic dashboard view.
type DashboardSource interface {
	Snapshot(ctx context.Context, timeRange string, from, to time.Time) (broadcast.DashboardData, error)
}

// MonitorDeps collects the monitor's sources. A nil source simply
// drops out of the broadcast.
type MonitorDeps struct {
	Publisher    Publisher
	Pipeline     PipelineStats
	Pools        []PoolStatus
	CacheHitRate func() float64
	Dashboard    DashboardSource
}

// Monitor pushes periodic system snapshots to the broadcast fabric:
// pipeline throughput, pool health, and intel-feed freshness on
// SystemMetrics, plus the default dashboard view on DashboardUpdates.
type Monitor struct {
	deps     MonitorDeps
	interval time.Duration
	logger   *slog.Logger

	lastProcessed int64
	lastTick      time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates the metrics broadcaster running every interval.
func NewMonitor(deps MonitorDeps, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		deps:     deps,
		interval: interval,
		logger:   slog.With("component", "monitor"),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. A snapshot is published
// immediately; throughput reads zero until the second tick.
func (m *Monitor) Start(ctx context.Context) {
	m.lastTick = time.Now()
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
	m.logger.Info("System monitor started", "interval", m.interval)
}

// Stop halts the loop and waits for the in-flight snapshot to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
		m.logger.Info("System monitor stopped")
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.snapshot(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshot(ctx)
		}
	}
}

func (m *Monitor) snapshot(ctx context.Context) {
	m.publishMetrics()
	m.publishFeeds()
	m.publishDashboard(ctx)
}

func (m *Monitor) publishMetrics() {
	update := broadcast.SystemMetricsUpdate{
		Type:       broadcast.TypeSystemMetricsUpdate,
		PoolHealth: make(map[string]int, len(m.deps.Pools)),
		Timestamp:  broadcast.Stamp(),
	}

	if m.deps.Pipeline != nil {
		st := m.deps.Pipeline.Stats()
		now := time.Now()
		if elapsed := now.Sub(m.lastTick).Seconds(); elapsed > 0 {
			update.EventsPerSecond = float64(st.Processed-m.lastProcessed) / elapsed
		}
		m.lastProcessed = st.Processed
		m.lastTick = now
		update.InFlight = int(st.InFlight)
	}
	for _, p := range m.deps.Pools {
		update.PoolHealth[p.Name()] = p.HealthyCount()
	}
	if m.deps.CacheHitRate != nil {
		update.EmbeddingHitRate = m.deps.CacheHitRate()
	}

	if err := m.deps.Publisher.Publish(broadcast.TopicSystemMetrics, update); err != nil {
		m.logger.Error("Failed to publish system metrics", "error", err)
	}
}

func (m *Monitor) publishFeeds() {
	for _, feed := range rules.Feeds() {
		status := broadcast.ThreatIntelligenceStatus{
			Type:        broadcast.TypeThreatIntelligenceStatus,
			FeedName:    feed.Name,
			Healthy:     feed.Healthy,
			LastUpdated: feed.LastUpdated.Format(time.RFC3339),
			Timestamp:   broadcast.Stamp(),
		}
		if err := m.deps.Publisher.Publish(broadcast.TopicSystemMetrics, status); err != nil {
			m.logger.Error("Failed to publish feed status", "feed", feed.Name, "error", err)
		}
	}
}

func (m *Monitor) publishDashboard(ctx context.Context) {
	if m.deps.Dashboard == nil {
		return
	}
	now := time.Now().UTC()
	data, err := m.deps.Dashboard.Snapshot(ctx, "24h", now.Add(-24*time.Hour), now)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Dashboard refresh failed", "error", err)
		}
		return
	}
	update := broadcast.DashboardUpdate{
		Type:      broadcast.TypeDashboardUpdate,
		Data:      data,
		Timestamp: broadcast.Stamp(),
	}
	if err := m.deps.Publisher.Publish(broadcast.TopicDashboardUpdates, update); err != nil {
		m.logger.Error("Failed to publish dashboard update", "error", err)
	}
}
