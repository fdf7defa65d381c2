// Sentrill server: ingests operating-system log events, analyzes them
// with deterministic rules and LLM verdicts, correlates multi-event
// patterns, and streams results to subscribed clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sentrill/sentrill/pkg/api"
	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/config"
	"github.com/sentrill/sentrill/pkg/correlation"
	"github.com/sentrill/sentrill/pkg/embedding"
	"github.com/sentrill/sentrill/pkg/llm"
	"github.com/sentrill/sentrill/pkg/pipeline"
	"github.com/sentrill/sentrill/pkg/pool"
	"github.com/sentrill/sentrill/pkg/rules"
	"github.com/sentrill/sentrill/pkg/source"
	"github.com/sentrill/sentrill/pkg/store"
	"github.com/sentrill/sentrill/pkg/vectorstore"
	"github.com/sentrill/sentrill/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting Sentrill",
		"version", version.Full(), "config_dir", *configDir, "listen_addr", cfg.Server.ListenAddr)

	// 2. Connect to PostgreSQL and apply migrations
	storeClient, err := store.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storeClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	// 3. Connection pools for the remote providers
	embedPool, err := httpPool("embeddings", cfg)
	if err != nil {
		slog.Error("Failed to create embeddings pool", "error", err)
		os.Exit(1)
	}
	llmPool, err := httpPool("llm", cfg)
	if err != nil {
		slog.Error("Failed to create llm pool", "error", err)
		os.Exit(1)
	}
	qdrantPool, err := qdrantPool(cfg)
	if err != nil {
		slog.Error("Failed to create qdrant pool", "error", err)
		os.Exit(1)
	}
	pools := []*pool.Pool[pool.HTTPClient]{embedPool, llmPool, qdrantPool}
	for _, p := range pools {
		p.Start(ctx)
		defer p.Stop()
	}

	// 4. Embedding access layer: Telemetry → Caching → Resilient → base
	baseEmbedder, err := buildBaseEmbedder(cfg, embedPool)
	if err != nil {
		slog.Error("Failed to build embedder", "error", err)
		os.Exit(1)
	}
	cache := embedding.NewCaching(*cfg.EmbeddingCache)
	embedder := embedding.Build(
		baseEmbedder,
		embedding.NewResilient(cfg.Resilience.Embedding),
		cache,
		embedding.NewTelemetry(),
	)

	// 5. LLM access layer: base → StrictJSON → optional Ensemble
	llmClient, err := buildLLMClient(cfg, llmPool)
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}

	// 6. Vector store: Qdrant base wrapped by hybrid re-ranking, plus
	// the 24h retention janitor
	qdrant := vectorstore.NewQdrant(qdrantPool, *cfg.Qdrant)
	if err := qdrant.EnsureCollection(ctx); err != nil {
		slog.Error("Failed to ensure vector collection", "error", err)
		os.Exit(1)
	}
	vectors := vectorstore.NewHybrid(qdrant, *cfg.HybridSearch)

	janitor := vectorstore.NewJanitor(qdrant, cfg.Retention.VectorRetentionInterval)
	janitor.Start(ctx)
	defer janitor.Stop()

	// Dead letters age out on their own schedule.
	sweeper := store.NewSweeper(storeClient,
		cfg.Retention.DeadLetterSweepInterval, cfg.Retention.DeadLetterRetentionDays)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 7. Broadcast fabric and WebSocket connection manager
	broadcaster := broadcast.New(cfg.Server.SubscriberBuffer)
	dashboard := api.NewDashboard(storeClient)
	connManager := broadcast.NewConnectionManager(
		broadcaster, dashboard, cfg.Server.AnonymousTopics, cfg.Server.WriteTimeout)

	// 8. Correlation engine on its own timer
	engine := correlation.NewEngine(*cfg.Correlation, storeClient, broadcaster)
	engine.Start(ctx)
	defer engine.Stop()

	// 9. Processing pipeline
	pipe, err := pipeline.New(
		*cfg.Pipeline, cfg.IgnorePatterns,
		rules.NewDetector(), embedder, vectors, llmClient, storeClient, broadcaster)
	if err != nil {
		slog.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}
	pipe.Start(ctx)
	defer pipe.Stop()

	// 10. Optional file ingestion: rescan the configured JSONL source
	// on a timer, resuming past the persisted bookmark
	if cfg.Sources.JSONLPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Sources.BookmarkPath), 0o755); err != nil {
			slog.Error("Failed to create bookmark directory", "error", err)
			os.Exit(1)
		}
		bookmark, err := source.LoadBookmark(cfg.Sources.BookmarkPath)
		if err != nil {
			slog.Error("Failed to load ingest bookmark", "error", err)
			os.Exit(1)
		}
		ingestor := pipeline.NewIngestor(pipe, func() (source.EventSource, error) {
			return source.NewJSONL(cfg.Sources.JSONLPath)
		}, bookmark, cfg.Sources.RescanInterval)
		ingestor.Start(ctx)
		defer ingestor.Stop()
	}

	// 11. Periodic system snapshots for SystemMetrics and
	// DashboardUpdates subscribers
	poolStatuses := make([]api.PoolStatus, len(pools))
	for i, p := range pools {
		poolStatuses[i] = p
	}
	monitor := api.NewMonitor(api.MonitorDeps{
		Publisher:    broadcaster,
		Pipeline:     pipe,
		Pools:        poolStatuses,
		CacheHitRate: func() float64 { return cache.Stats().HitRate },
		Dashboard:    dashboard,
	}, cfg.Server.MetricsInterval)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 12. HTTP server, stopped by SIGTERM/SIGINT
	server := api.NewServer(*cfg.Server, connManager, storeClient, pipe, poolStatuses)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Sentrill started")
	if err := server.Run(runCtx); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Sentrill stopped")
}

// httpPool builds a named HTTP client pool from configuration, falling
// back to a single local Ollama instance when the pool is not declared.
func httpPool(name string, cfg *config.Config) (*pool.Pool[pool.HTTPClient], error) {
	pc, ok := cfg.ConnectionPools.HTTPClientPools[name]
	if !ok {
		pc = config.HTTPPoolConfig{BaseURLs: []string{"http://localhost:11434"}}
	}
	return pool.NewHTTPPool(name, cfg.ConnectionPools, pc)
}

// qdrantPool builds the vector-store client pool, synthesizing a
// single-instance pool from the qdrant section when none is declared.
func qdrantPool(cfg *config.Config) (*pool.Pool[pool.HTTPClient], error) {
	if qp, ok := cfg.ConnectionPools.QdrantPools["qdrant"]; ok {
		return vectorstore.NewQdrantPool("qdrant", cfg.ConnectionPools, qp)
	}
	return vectorstore.NewQdrantPool("qdrant", cfg.ConnectionPools, config.QdrantPool{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
	})
}

func buildBaseEmbedder(cfg *config.Config, p *pool.Pool[pool.HTTPClient]) (embedding.Embedder, error) {
	switch cfg.Embeddings.Provider {
	case "ollama":
		return embedding.NewOllamaProvider(p, cfg.Embeddings.Model), nil
	case "openai":
		return embedding.NewOpenAIProvider(p, cfg.Embeddings.Model, os.Getenv("OPENAI_API_KEY")), nil
	case "mock":
		return embedding.NewMockProvider(cfg.Embeddings.VectorSize), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embeddings.Provider)
	}
}

func buildLLMClient(cfg *config.Config, p *pool.Pool[pool.HTTPClient]) (llm.Client, error) {
	base, err := baseLLM(cfg.LLM.Provider, *cfg.LLM, p)
	if err != nil {
		return nil, err
	}
	strict := llm.NewStrictJSON(base, *cfg.StrictJSON)
	if !cfg.Ensemble.Enabled {
		return strict, nil
	}

	// Each ensemble member gets its own strict-JSON layer; the single
	// strict client doubles as the below-quorum fallback.
	members := make([]llm.EnsembleMember, 0, len(cfg.Ensemble.Models))
	for _, m := range cfg.Ensemble.Models {
		memberCfg := *cfg.LLM
		memberCfg.Provider = m.Provider
		memberCfg.Model = m.Name
		memberBase, err := baseLLM(m.Provider, memberCfg, p)
		if err != nil {
			return nil, fmt.Errorf("ensemble member %s: %w", m.Name, err)
		}
		members = append(members, llm.EnsembleMember{
			Client: llm.NewStrictJSON(memberBase, *cfg.StrictJSON),
			Weight: m.Weight,
		})
	}
	return llm.NewEnsemble(members, strict, *cfg.Ensemble), nil
}

func baseLLM(provider string, cfg config.LLMConfig, p *pool.Pool[pool.HTTPClient]) (llm.Client, error) {
	switch provider {
	case "ollama":
		return llm.NewOllamaClient(p, cfg), nil
	case "openai":
		return llm.NewOpenAIClient(p, cfg, os.Getenv("OPENAI_API_KEY")), nil
	case "mock":
		return &llm.MockClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
