package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/pool"
	"github.com/sentrill/sentrill/pkg/store"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakePool struct {
	name      string
	healthy   int
	size      int
	instances map[string]bool
	setErr    error
}

func (f *fakePool) Name() string { return f.name }

func (f *fakePool) HealthStatus(context.Context) map[string]pool.ConnectionHealth {
	out := make(map[string]pool.ConnectionHealth)
	for id, up := range f.instances {
		out[id] = pool.ConnectionHealth{InstanceID: id, IsHealthy: up, Status: "ok"}
	}
	return out
}

func (f *fakePool) Metrics() map[string]pool.InstanceMetrics {
	return map[string]pool.InstanceMetrics{}
}

func (f *fakePool) HealthyCount() int { return f.healthy }

func (f *fakePool) Size() int { return f.size }

func (f *fakePool) SetInstanceHealth(id string, healthy bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	if _, ok := f.instances[id]; !ok {
		return pool.ErrUnknownInstance
	}
	f.instances[id] = healthy
	return nil
}

func serverConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddr:       ":0",
		BearerTokenEnv:   "SENTRILL_TEST_WS_TOKEN",
		AnonymousTopics:  []string{"SystemMetrics"},
		WriteTimeout:     time.Second,
		SubscriberBuffer: 8,
	}
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthzHealthy(t *testing.T) {
	s := NewServer(serverConfig(), nil, &fakePinger{}, nil,
		[]PoolStatus{&fakePool{name: "embeddings", healthy: 2, size: 2}})

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthzUnhealthyDatabase(t *testing.T) {
	s := NewServer(serverConfig(), nil, &fakePinger{err: errors.New("connection refused")}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthzUnhealthyWhenAllInstancesDown(t *testing.T) {
	s := NewServer(serverConfig(), nil, &fakePinger{}, nil,
		[]PoolStatus{&fakePool{name: "qdrant", healthy: 0, size: 3}})

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoolsSnapshot(t *testing.T) {
	p := &fakePool{name: "embeddings", healthy: 1, size: 1,
		instances: map[string]bool{"ollama-1": true}}
	s := NewServer(serverConfig(), nil, nil, nil, []PoolStatus{p})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/pools", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]struct {
		Health map[string]pool.ConnectionHealth `json:"health"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "embeddings")
	assert.True(t, body["embeddings"].Health["ollama-1"].IsHealthy)
}

func TestSetInstanceHealth(t *testing.T) {
	p := &fakePool{name: "embeddings", instances: map[string]bool{"ollama-1": true}}
	s := NewServer(serverConfig(), nil, nil, nil, []PoolStatus{p})

	rec := doRequest(t, s, http.MethodPut,
		"/api/v1/pools/embeddings/instances/ollama-1/health", `{"healthy": false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.instances["ollama-1"])
}

func TestSetInstanceHealthUnknownInstance(t *testing.T) {
	p := &fakePool{name: "embeddings", instances: map[string]bool{}}
	s := NewServer(serverConfig(), nil, nil, nil, []PoolStatus{p})

	rec := doRequest(t, s, http.MethodPut,
		"/api/v1/pools/embeddings/instances/nope/health", `{"healthy": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetInstanceHealthUnknownPool(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil, nil)

	rec := doRequest(t, s, http.MethodPut,
		"/api/v1/pools/missing/instances/x/health", `{"healthy": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetInstanceHealthRejectsMissingBody(t *testing.T) {
	p := &fakePool{name: "embeddings", instances: map[string]bool{"a": true}}
	s := NewServer(serverConfig(), nil, nil, nil, []PoolStatus{p})

	rec := doRequest(t, s, http.MethodPut,
		"/api/v1/pools/embeddings/instances/a/health", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticateTokenDisabled(t *testing.T) {
	cfg := serverConfig()
	cfg.BearerTokenEnv = ""
	s := NewServer(cfg, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	authenticated, ok := s.authenticate(req)
	assert.True(t, authenticated)
	assert.True(t, ok)
}

func TestAuthenticateClassification(t *testing.T) {
	t.Setenv("SENTRILL_TEST_WS_TOKEN", "s3cret")
	s := NewServer(serverConfig(), nil, nil, nil, nil)

	tests := []struct {
		name          string
		header        string
		query         string
		authenticated bool
		acceptable    bool
	}{
		{name: "valid header token", header: "Bearer s3cret", authenticated: true, acceptable: true},
		{name: "valid query token", query: "s3cret", authenticated: true, acceptable: true},
		{name: "no token is anonymous", authenticated: false, acceptable: true},
		{name: "wrong token rejected", header: "Bearer wrong", authenticated: false, acceptable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			authenticated, ok := s.authenticate(req)
			assert.Equal(t, tt.authenticated, authenticated)
			assert.Equal(t, tt.acceptable, ok)
		})
	}
}

type fakeDashboardStore struct {
	total    int
	byRisk   map[models.RiskLevel]int
	byStatus map[models.EventStatus]int
	filter   store.EventFilter
}

func (f *fakeDashboardStore) Count(_ context.Context, filter store.EventFilter) (int, error) {
	f.filter = filter
	return f.total, nil
}

func (f *fakeDashboardStore) CountByRiskLevel(context.Context) (map[models.RiskLevel]int, error) {
	return f.byRisk, nil
}

func (f *fakeDashboardStore) CountByStatus(context.Context) (map[models.EventStatus]int, error) {
	return f.byStatus, nil
}

func TestDashboardSnapshot(t *testing.T) {
	fs := &fakeDashboardStore{
		total:    42,
		byRisk:   map[models.RiskLevel]int{models.RiskHigh: 3},
		byStatus: map[models.EventStatus]int{models.StatusOpen: 40},
	}
	d := NewDashboard(fs)

	to := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	from := to.Add(-time.Hour)
	data, err := d.Snapshot(context.Background(), "1h", from, to)
	require.NoError(t, err)

	assert.Equal(t, "1h", data.TimeRange)
	assert.Equal(t, 42, data.TotalEvents)
	assert.Equal(t, 3, data.CountByRiskLevel[models.RiskHigh])
	assert.Equal(t, 40, data.CountByStatus[models.StatusOpen])
	require.NotNil(t, fs.filter.From)
	assert.True(t, fs.filter.From.Equal(from), "the count is time-bounded")
}
