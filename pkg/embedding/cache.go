package embedding

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sentrill/sentrill/pkg/config"
)

// CacheStats is a snapshot of the embedding cache counters.
type CacheStats struct {
	TotalRequests int64   `json:"total_requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
}

type cacheEntry struct {
	key      string
	vector   []float32
	cachedAt time.Time
}

// Caching memoizes embeddings keyed by normalized text. Entries expire
// after the configured TTL and the least recently used entry is evicted
// once MaxEntries is reached. When disabled it is a pure passthrough.
type Caching struct {
	inner Embedder
	cfg   config.EmbeddingCacheConfig

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	totalRequests int64
	hits          int64
	misses        int64
	evictions     int64
}

// NewCaching creates the cache decorator. The inner embedder is bound
// by Build.
func NewCaching(cfg config.EmbeddingCacheConfig) *Caching {
	return &Caching{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Normalize canonicalizes text for cache lookup: surrounding whitespace
// is trimmed, internal whitespace runs collapse to a single space, and
// the result is lowercased. Texts that normalize identically share one
// cache entry.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Name identifies the decorated provider.
func (c *Caching) Name() string { return c.inner.Name() }

// Embed serves from cache when the normalized text is fresh, otherwise
// delegates to the inner embedder and stores the result. Degraded empty
// vectors are never cached.
func (c *Caching) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.cfg.Enabled {
		return c.inner.Embed(ctx, text)
	}

	key := Normalize(text)

	c.mu.Lock()
	c.totalRequests++
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if time.Since(entry.cachedAt) < c.cfg.TTL() {
			c.hits++
			c.order.MoveToFront(elem)
			vec := entry.vector
			c.mu.Unlock()
			return vec, nil
		}
		// Expired entries are removed lazily on access.
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil || len(vec) == 0 {
		return vec, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		if c.order.Len() >= c.cfg.MaxEntries {
			c.evictOldest()
		}
		c.entries[key] = c.order.PushFront(&cacheEntry{
			key:      key,
			vector:   vec,
			cachedAt: time.Now(),
		})
	}
	return vec, nil
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *Caching) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	c.order.Remove(back)
	delete(c.entries, entry.key)
	c.evictions++
}

// Stats returns a snapshot of the cache counters.
func (c *Caching) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rate float64
	if c.totalRequests > 0 {
		rate = float64(c.hits) / float64(c.totalRequests)
	}
	return CacheStats{
		TotalRequests: c.totalRequests,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		HitRate:       rate,
		Entries:       c.order.Len(),
	}
}
