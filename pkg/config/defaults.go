package config

import "time"

// DefaultConfig returns the built-in configuration. User YAML values are
// merged on top; any field left unset keeps these values.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			ListenAddr:       ":8175",
			BearerTokenEnv:   "SENTRILL_WS_TOKEN",
			AnonymousTopics:  []string{"SystemMetrics", "DashboardUpdates"},
			WriteTimeout:     10 * time.Second,
			SubscriberBuffer: 256,
			MetricsInterval:  10 * time.Second,
		},
		Database: &DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "sentrill",
			Database:        "sentrill",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		ConnectionPools: &ConnectionPoolsConfig{
			DefaultMaxPoolSize:             10,
			RequestTimeoutMs:               30000,
			MaxRetryAttempts:               3,
			RetryDelayMs:                   200,
			CircuitBreakerFailureThreshold: 5,
			CircuitBreakerTimeoutMs:        30000,
			CircuitBreakerRetryTimeoutMs:   10000,
			HealthCheck: HealthCheckConfig{
				EnableHealthChecks:    true,
				HealthCheckIntervalMs: 15000,
				HealthCheckTimeoutMs:  3000,
			},
			LoadBalancing: LoadBalancingConfig{
				Strategy:               "health_aware",
				WeightAdjustmentFactor: 1.0,
				StickySessionTimeoutMs: 60000,
			},
			Metrics: PoolMetricsConfig{
				MetricsRetentionMinutes: 60,
			},
		},
		Embeddings: &EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			VectorSize: 768,
		},
		EmbeddingCache: &EmbeddingCacheConfig{
			Enabled:    true,
			TTLMinutes: 60,
			MaxEntries: 10000,
		},
		Resilience: &ResilienceConfig{
			Embedding: EmbeddingResilience{
				Enabled:                       true,
				RetryCount:                    3,
				RetryBaseDelayMs:              100,
				TimeoutSeconds:                10,
				CircuitBreakerThreshold:       5,
				CircuitBreakerDurationMinutes: 1,
			},
		},
		LLM: &LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.1",
			Temperature: 0.1,
			MaxTokens:   1024,
		},
		StrictJSON: &StrictJSONConfig{
			Enabled:              true,
			EnableRetryOnFailure: true,
		},
		Ensemble: &EnsembleConfig{
			Enabled:    false,
			MinQuorum:  2,
			DeadlineMs: 20000,
		},
		HybridSearch: &HybridSearchConfig{
			Enabled:             true,
			VectorWeight:        0.7,
			MetadataWeight:      0.3,
			RecencyWeight:       1.0,
			RecencyDecayHours:   6,
			OverFetchMultiplier: 3,
		},
		Qdrant: &QdrantConfig{
			Host:       "localhost",
			Port:       6333,
			Collection: "log_events",
			VectorSize: 768,
			Distance:   "Cosine",
		},
		Correlation: &CorrelationConfig{
			AnalysisIntervalSeconds:  30,
			LookbackMinutes:          60,
			BurstThreshold:           10,
			BurstWindowSeconds:       60,
			ChainWindowMinutes:       30,
			LateralThreshold:         3,
			LateralWindowMinutes:     30,
			PrivilegeWindowMinutes:   15,
			CorrelationRetentionDays: 7,
		},
		Pipeline: &PipelineConfig{
			MaxInFlight:        8,
			NeighborK:          5,
			MinRiskToPersist:   "low",
			PerEventDeadlineMs: 60000,
		},
		Sources: &SourcesConfig{
			BookmarkPath:   "./var/bookmark.json",
			RescanInterval: time.Minute,
		},
		Retention: &RetentionConfig{
			VectorRetentionInterval: 15 * time.Minute,
			DeadLetterRetentionDays: 7,
			DeadLetterSweepInterval: time.Hour,
		},
	}
}
