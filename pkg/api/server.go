// Package api exposes the HTTP surface: health, prometheus metrics,
// the WebSocket upgrade into the broadcast fabric, and pool
// administration. Event CRUD controllers live outside the core.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/pipeline"
	"github.com/sentrill/sentrill/pkg/pool"
	"github.com/sentrill/sentrill/pkg/version"
)

// healthProbeTimeout bounds the store ping inside /healthz.
const healthProbeTimeout = 5 * time.Second

// Pinger is the liveness probe of the event store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatus is the admin surface of one connection pool.
type PoolStatus interface {
	Name() string
	HealthStatus(ctx context.Context) map[string]pool.ConnectionHealth
	Metrics() map[string]pool.InstanceMetrics
	HealthyCount() int
	Size() int
	SetInstanceHealth(id string, healthy bool) error
}

// Server is the HTTP server. Create with NewServer, then Run.
type Server struct {
	cfg         config.ServerConfig
	connManager *broadcast.ConnectionManager
	store       Pinger
	pipeline    *pipeline.Pipeline
	pools       []PoolStatus
	logger      *slog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface. Any dependency may be nil; the
// matching endpoints then report unavailable.
func NewServer(
	cfg config.ServerConfig,
	connManager *broadcast.ConnectionManager,
	storePinger Pinger,
	p *pipeline.Pipeline,
	pools []PoolStatus,
) *Server {
	return &Server{
		cfg:         cfg,
		connManager: connManager,
		store:       storePinger,
		pipeline:    p,
		pools:       pools,
		logger:      slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebSocket)

	v1 := router.Group("/api/v1")
	v1.GET("/pools", s.handlePools)
	v1.PUT("/pools/:pool/instances/:instance/health", s.handleSetInstanceHealth)
	v1.GET("/stats", s.handleStats)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// handleHealth reports store, pool, and pipeline health. Degraded
// dependencies yield 503 so orchestrators can restart the process.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	healthy := true
	body := gin.H{}

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			healthy = false
			body["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			body["database"] = gin.H{"status": "healthy"}
		}
	}

	poolSummary := gin.H{}
	for _, p := range s.pools {
		up := p.HealthyCount()
		poolSummary[p.Name()] = gin.H{"healthy_instances": up, "total_instances": p.Size()}
		if up == 0 && p.Size() > 0 {
			healthy = false
		}
	}
	body["pools"] = poolSummary

	if s.pipeline != nil {
		body["pipeline"] = s.pipeline.Stats()
	}
	if s.connManager != nil {
		body["websocket_connections"] = s.connManager.ActiveConnections()
	}

	status := http.StatusOK
	body["version"] = version.Full()
	body["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}

// handleStats returns the pipeline counters.
func (s *Server) handleStats(c *gin.Context) {
	if s.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": s.pipeline.Stats()})
}
