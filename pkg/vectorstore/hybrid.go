package vectorstore

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
)

// HybridStats is a snapshot of the re-ranker's counters.
type HybridStats struct {
	TotalSearches    int64 `json:"total_searches"`
	HybridSearches   int64 `json:"hybrid_searches"`
	FallbackSearches int64 `json:"fallback_searches"`
}

// Hybrid re-ranks vector hits by blending the similarity score with a
// recency-decayed metadata score. Any failure inside the re-rank path
// falls back to a plain vector search. Disabled config makes it a pure
// passthrough.
type Hybrid struct {
	Store
	cfg config.HybridSearchConfig
	now func() time.Time

	total     atomic.Int64
	hybrid    atomic.Int64
	fallbacks atomic.Int64
}

// NewHybrid wraps base with recency re-ranking.
func NewHybrid(base Store, cfg config.HybridSearchConfig) *Hybrid {
	return &Hybrid{Store: base, cfg: cfg, now: time.Now}
}

// Search over-fetches from the base store, re-scores, and truncates
// to k. k <= 0 short-circuits before any remote call.
func (h *Hybrid) Search(ctx context.Context, vector []float32, k int) ([]models.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	h.total.Add(1)

	if !h.cfg.Enabled {
		return h.Store.Search(ctx, vector, k)
	}

	fetch := int(math.Ceil(float64(k) * h.cfg.OverFetchMultiplier))
	if fetch < k {
		fetch = k
	}

	hits, err := h.Store.Search(ctx, vector, fetch)
	if err != nil {
		// The base search itself failed; retry plain at the requested k
		// before giving up.
		h.fallbacks.Add(1)
		slog.Warn("Hybrid search failed, falling back to vector-only", "error", err)
		return h.Store.Search(ctx, vector, k)
	}

	now := h.now().UTC()
	for i := range hits {
		meta := h.metadataScore(hits[i].Event.Time, now)
		hits[i].Score = h.cfg.VectorWeight*hits[i].Score + h.cfg.MetadataWeight*meta
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}

	h.hybrid.Add(1)
	return hits, nil
}

// metadataScore decays exponentially with event age, clamped to [0,1].
func (h *Hybrid) metadataScore(eventTime, now time.Time) float64 {
	if eventTime.IsZero() || h.cfg.RecencyDecayHours <= 0 {
		return 0
	}
	score := h.cfg.RecencyWeight * math.Exp(-ageHours(eventTime, now)/h.cfg.RecencyDecayHours)
	return math.Min(1, math.Max(0, score))
}

// Stats returns a snapshot of the re-ranker counters.
func (h *Hybrid) Stats() HybridStats {
	return HybridStats{
		TotalSearches:    h.total.Load(),
		HybridSearches:   h.hybrid.Load(),
		FallbackSearches: h.fallbacks.Load(),
	}
}
