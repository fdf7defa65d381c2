package pool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sentrill/sentrill/pkg/config"
)

// HTTPClient pairs a base URL with its dedicated http.Client. The
// embedding and LLM access layers build requests against BaseURL and
// send them through Client.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPPool builds a pool of HTTP client instances from a named
// http_client_pools entry. Each base URL becomes one instance with its
// own transport; the health probe GETs the configured path.
func NewHTTPPool(name string, cfg *config.ConnectionPoolsConfig, pc config.HTTPPoolConfig) (*Pool[HTTPClient], error) {
	if len(pc.BaseURLs) == 0 {
		return nil, fmt.Errorf("http pool %s: no base_urls configured", name)
	}

	maxIdle := pc.MaxIdleConnections
	if maxIdle <= 0 {
		maxIdle = 10
	}
	connTimeout := time.Duration(pc.ConnectionTimeoutMs) * time.Millisecond
	if connTimeout <= 0 {
		connTimeout = cfg.RequestTimeout()
	}

	healthPath := pc.HealthCheckPath

	instances := make([]Instance[HTTPClient], 0, len(pc.BaseURLs))
	for i, baseURL := range pc.BaseURLs {
		client := HTTPClient{
			BaseURL: baseURL,
			Client: &http.Client{
				Timeout: connTimeout,
				Transport: &http.Transport{
					MaxIdleConns:        maxIdle,
					MaxIdleConnsPerHost: maxIdle,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		}
		instances = append(instances, Instance[HTTPClient]{
			ID:          fmt.Sprintf("%s-%d", name, i),
			Weight:      1,
			Client:      client,
			MaxPoolSize: int64(pc.MaxPoolSize),
			Probe:       httpProbe(healthPath),
		})
	}

	return New(name, cfg, instances)
}

// httpProbe returns a probe that GETs baseURL+path and accepts any
// status below 500. A nil probe (empty path) marks the instance healthy
// unconditionally.
func httpProbe(path string) func(ctx context.Context, c HTTPClient) error {
	if path == "" {
		return nil
	}
	return func(ctx context.Context, c HTTPClient) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}
}
