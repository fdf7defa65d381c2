// Package vectorstore stores event embeddings in Qdrant and retrieves
// similar events. The base store speaks the Qdrant REST API through the
// shared connection pool; the Hybrid decorator re-ranks results by
// recency; a retention janitor keeps a sliding 24-hour window.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/errkind"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/pool"
)

// vectorName is the named vector every point carries.
const vectorName = "log_events"

const batchSize = 100

// Item pairs an event with its embedding for batch upserts.
type Item struct {
	Event  models.LogEvent
	Vector []float32
}

// Store is the vector store contract the pipeline depends on.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, event models.LogEvent, vector []float32) error
	BatchUpsert(ctx context.Context, items []Item) error
	// Search returns up to k neighbors ordered by descending score.
	// k <= 0 returns nil without a remote call.
	Search(ctx context.Context, vector []float32, k int) ([]models.Neighbor, error)
	// Has24HoursOfData reports whether enough history exists for the
	// correlation cold-start gate.
	Has24HoursOfData(ctx context.Context) (bool, error)
	// DeleteOlderThan24Hours removes points outside the retention window
	// and returns how many were removed.
	DeleteOlderThan24Hours(ctx context.Context) (int, error)
}

// Qdrant is the base store backed by a Qdrant REST endpoint.
type Qdrant struct {
	pool   *pool.Pool[pool.HTTPClient]
	apiKey string
	cfg    config.QdrantConfig
	logger *slog.Logger
}

// NewQdrant creates the base store on top of an instance pool built by
// NewQdrantPool.
func NewQdrant(p *pool.Pool[pool.HTTPClient], cfg config.QdrantConfig) *Qdrant {
	return &Qdrant{
		pool:   p,
		apiKey: cfg.APIKey,
		cfg:    cfg,
		logger: slog.With("component", "vectorstore"),
	}
}

// NewQdrantPool builds a single-instance connection pool for a named
// qdrant_pools entry. The probe lists collections.
func NewQdrantPool(name string, cfg *config.ConnectionPoolsConfig, qp config.QdrantPool) (*pool.Pool[pool.HTTPClient], error) {
	if qp.Host == "" {
		return nil, fmt.Errorf("qdrant pool %s: no host configured", name)
	}
	scheme := "http"
	if qp.HTTPS {
		scheme = "https"
	}

	connTimeout := time.Duration(qp.ConnectionTimeoutMs) * time.Millisecond
	if connTimeout <= 0 {
		connTimeout = cfg.RequestTimeout()
	}
	maxIdle := qp.MaxIdleConnections
	if maxIdle <= 0 {
		maxIdle = 10
	}

	client := pool.HTTPClient{
		BaseURL: fmt.Sprintf("%s://%s:%d", scheme, qp.Host, qp.Port),
		Client: &http.Client{
			Timeout: connTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdle,
				MaxIdleConnsPerHost: maxIdle,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	apiKey := qp.APIKey
	instance := pool.Instance[pool.HTTPClient]{
		ID:          name + "-0",
		Weight:      1,
		Client:      client,
		MaxPoolSize: int64(qp.MaxPoolSize),
		Probe: func(ctx context.Context, c pool.HTTPClient) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/collections", nil)
			if err != nil {
				return err
			}
			if apiKey != "" {
				req.Header.Set("api-key", apiKey)
			}
			resp, err := c.Client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("qdrant probe returned %d", resp.StatusCode)
			}
			return nil
		},
	}

	return pool.New(name, cfg, []pool.Instance[pool.HTTPClient]{instance})
}

// EnsureCollection creates the collection if it does not exist. The
// named vector, size, and distance come from configuration.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	return q.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		status, _, err := q.call(ctx, c, http.MethodGet, "/collections/"+q.cfg.Collection, nil)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			return nil
		}
		if status != http.StatusNotFound {
			return fmt.Errorf("checking collection: unexpected status %d", status)
		}

		body := map[string]any{
			"vectors": map[string]any{
				vectorName: map[string]any{
					"size":     q.cfg.VectorSize,
					"distance": q.cfg.Distance,
				},
			},
		}
		status, respBody, err := q.call(ctx, c, http.MethodPut, "/collections/"+q.cfg.Collection, body)
		if err != nil {
			return err
		}
		// Another writer may have created it between check and create.
		if status == http.StatusOK || status == http.StatusConflict {
			q.logger.Info("Vector collection ready",
				"collection", q.cfg.Collection, "size", q.cfg.VectorSize, "distance", q.cfg.Distance)
			return nil
		}
		return classifyStatus(status, respBody)
	})
}

// Upsert writes one point, idempotent on the derived point id.
func (q *Qdrant) Upsert(ctx context.Context, event models.LogEvent, vector []float32) error {
	return q.BatchUpsert(ctx, []Item{{Event: event, Vector: vector}})
}

// BatchUpsert writes points in fixed-size batches.
func (q *Qdrant) BatchUpsert(ctx context.Context, items []Item) error {
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		points := make([]map[string]any, 0, end-start)
		for _, item := range items[start:end] {
			points = append(points, map[string]any{
				"id":      PointID(item.Event.UniqueID).String(),
				"vector":  map[string]any{vectorName: item.Vector},
				"payload": payloadFromEvent(item.Event),
			})
		}
		err := q.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
			status, body, err := q.call(ctx, c, http.MethodPut,
				"/collections/"+q.cfg.Collection+"/points?wait=true",
				map[string]any{"points": points})
			if err != nil {
				return err
			}
			return classifyStatus(status, body)
		})
		if err != nil {
			return fmt.Errorf("upserting batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// Search returns the k nearest points ordered by descending score.
func (q *Qdrant) Search(ctx context.Context, vector []float32, k int) ([]models.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	var neighbors []models.Neighbor
	err := q.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body := map[string]any{
			"vector":       map[string]any{"name": vectorName, "vector": vector},
			"limit":        k,
			"with_payload": true,
		}
		status, respBody, err := q.call(ctx, c, http.MethodPost,
			"/collections/"+q.cfg.Collection+"/points/search", body)
		if err != nil {
			return err
		}
		if err := classifyStatus(status, respBody); err != nil {
			return err
		}

		var parsed struct {
			Result []struct {
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"result"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("decoding search response: %w", err)
		}

		neighbors = make([]models.Neighbor, 0, len(parsed.Result))
		for _, hit := range parsed.Result {
			neighbors = append(neighbors, models.Neighbor{
				Event: eventFromPayload(hit.Payload),
				Score: hit.Score,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return neighbors, nil
}

// Has24HoursOfData reports true when the collection holds at least ten
// points and at least one of them is newer than 24 hours.
func (q *Qdrant) Has24HoursOfData(ctx context.Context) (bool, error) {
	total, err := q.countPoints(ctx, nil)
	if err != nil {
		return false, err
	}
	if total < 10 {
		return false, nil
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Unix()
	recent, err := q.countPoints(ctx, rangeFilter("gte", cutoff))
	if err != nil {
		return false, err
	}
	return recent > 0, nil
}

// DeleteOlderThan24Hours filter-deletes points with payload time before
// the cutoff and returns how many were removed.
func (q *Qdrant) DeleteOlderThan24Hours(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Unix()
	filter := rangeFilter("lt", cutoff)

	stale, err := q.countPoints(ctx, filter)
	if err != nil {
		return 0, err
	}
	if stale == 0 {
		return 0, nil
	}

	err = q.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		status, body, err := q.call(ctx, c, http.MethodPost,
			"/collections/"+q.cfg.Collection+"/points/delete?wait=true",
			map[string]any{"filter": filter})
		if err != nil {
			return err
		}
		return classifyStatus(status, body)
	})
	if err != nil {
		return 0, err
	}

	q.logger.Info("Pruned stale vector points", "deleted", stale, "collection", q.cfg.Collection)
	return stale, nil
}

func (q *Qdrant) countPoints(ctx context.Context, filter map[string]any) (int, error) {
	var count int
	err := q.pool.Do(ctx, "", func(ctx context.Context, c pool.HTTPClient) error {
		body := map[string]any{"exact": true}
		if filter != nil {
			body["filter"] = filter
		}
		status, respBody, err := q.call(ctx, c, http.MethodPost,
			"/collections/"+q.cfg.Collection+"/points/count", body)
		if err != nil {
			return err
		}
		if err := classifyStatus(status, respBody); err != nil {
			return err
		}
		var parsed struct {
			Result struct {
				Count int `json:"count"`
			} `json:"result"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("decoding count response: %w", err)
		}
		count = parsed.Result.Count
		return nil
	})
	return count, err
}

// call sends one request and returns the status with the full body.
// Transport errors are retriable for the pool's retry loop.
func (q *Qdrant) call(ctx context.Context, c pool.HTTPClient, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, nil, errkind.Wrap(errkind.KindRetriable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, errkind.Wrap(errkind.KindRetriable, err)
	}
	return resp.StatusCode, respBody, nil
}

func classifyStatus(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	snippet := body
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	err := fmt.Errorf("qdrant returned %d: %s", status, bytes.TrimSpace(snippet))
	if status >= 500 || status == http.StatusTooManyRequests {
		return errkind.Wrap(errkind.KindRetriable, err)
	}
	return errkind.Wrap(errkind.KindFatal, err)
}

func rangeFilter(op string, unix int64) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": "timestamp", "range": map[string]any{op: unix}},
		},
	}
}

// payloadFromEvent flattens an event into the point payload. The unix
// timestamp field exists for range filters; time keeps the original
// offset for display.
func payloadFromEvent(e models.LogEvent) map[string]any {
	return map[string]any{
		"time":      e.Time.Format(time.RFC3339Nano),
		"timestamp": e.Time.Unix(),
		"host":      e.Host,
		"channel":   e.Channel,
		"eventId":   e.EventID,
		"level":     e.Level,
		"user":      e.User,
		"message":   e.Message,
		"uniqueId":  e.UniqueID,
	}
}

func eventFromPayload(p map[string]any) models.LogEvent {
	e := models.LogEvent{
		Host:     stringField(p, "host"),
		Channel:  stringField(p, "channel"),
		Level:    stringField(p, "level"),
		User:     stringField(p, "user"),
		Message:  stringField(p, "message"),
		UniqueID: stringField(p, "uniqueId"),
	}
	if raw, ok := p["eventId"].(float64); ok {
		e.EventID = int(raw)
	}
	if raw, ok := p["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.Time = t
		}
	}
	if e.Time.IsZero() {
		if ts, ok := p["timestamp"].(float64); ok {
			e.Time = time.Unix(int64(ts), 0).UTC()
		}
	}
	return e
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// ageHours is shared by the hybrid re-ranker.
func ageHours(eventTime, now time.Time) float64 {
	return math.Max(0, now.Sub(eventTime).Hours())
}
