// Package config loads, merges, and validates the sentrill configuration
// tree. Configuration lives in sentrill.yaml inside a config directory;
// values support {{.ENV_VAR}} template expansion and user values are
// merged over built-in defaults.
package config

import "time"

// Config is the root configuration tree.
type Config struct {
	Server          *ServerConfig          `yaml:"server"`
	Database        *DatabaseConfig        `yaml:"database"`
	ConnectionPools *ConnectionPoolsConfig `yaml:"connection_pools"`
	Embeddings      *EmbeddingsConfig      `yaml:"embeddings"`
	EmbeddingCache  *EmbeddingCacheConfig  `yaml:"embedding_cache"`
	Resilience      *ResilienceConfig      `yaml:"resilience"`
	LLM             *LLMConfig             `yaml:"llm"`
	StrictJSON      *StrictJSONConfig      `yaml:"strict_json"`
	Ensemble        *EnsembleConfig        `yaml:"ensemble"`
	HybridSearch    *HybridSearchConfig    `yaml:"hybrid_search"`
	Qdrant          *QdrantConfig          `yaml:"qdrant"`
	Correlation     *CorrelationConfig     `yaml:"correlation"`
	IgnorePatterns  []IgnorePattern        `yaml:"ignore_patterns"`
	Pipeline        *PipelineConfig        `yaml:"pipeline"`
	Sources         *SourcesConfig         `yaml:"sources"`
	Retention       *RetentionConfig       `yaml:"retention"`
}

// ServerConfig holds the HTTP/WebSocket surface settings.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// BearerTokenEnv names the environment variable holding the broadcast
	// auth token. Empty disables token auth entirely.
	BearerTokenEnv string `yaml:"bearer_token_env"`
	// AnonymousTopics lists read-only topics anonymous viewers may join.
	AnonymousTopics []string `yaml:"anonymous_topics"`
	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SubscriberBuffer is the per-subscriber queue depth before
	// drop-oldest kicks in.
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"min=1"`
	// MetricsInterval is the cadence of the SystemMetrics and dashboard
	// broadcasts.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DatabaseConfig holds Postgres connection settings for the event store.
type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ConnectionPoolsConfig configures the pooled access to remote instances.
type ConnectionPoolsConfig struct {
	DefaultMaxPoolSize             int                       `yaml:"default_max_pool_size" validate:"min=1"`
	RequestTimeoutMs               int                       `yaml:"request_timeout_ms" validate:"min=1"`
	MaxRetryAttempts               int                       `yaml:"max_retry_attempts" validate:"min=0"`
	RetryDelayMs                   int                       `yaml:"retry_delay_ms" validate:"min=1"`
	CircuitBreakerFailureThreshold int                       `yaml:"circuit_breaker_failure_threshold" validate:"min=1"`
	CircuitBreakerTimeoutMs        int                       `yaml:"circuit_breaker_timeout_ms" validate:"min=1"`
	CircuitBreakerRetryTimeoutMs   int                       `yaml:"circuit_breaker_retry_timeout_ms" validate:"min=1"`
	HTTPClientPools                map[string]HTTPPoolConfig `yaml:"http_client_pools"`
	QdrantPools                    map[string]QdrantPool     `yaml:"qdrant_pools"`
	HealthCheck                    HealthCheckConfig         `yaml:"health_check"`
	LoadBalancing                  LoadBalancingConfig       `yaml:"load_balancing"`
	Metrics                        PoolMetricsConfig         `yaml:"metrics"`
}

// RequestTimeout returns the per-call timeout as a duration.
func (c *ConnectionPoolsConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// RetryDelay returns the retry base delay as a duration.
func (c *ConnectionPoolsConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// CircuitBreakerTimeout returns the open-state duration.
func (c *ConnectionPoolsConfig) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerTimeoutMs) * time.Millisecond
}

// HTTPPoolConfig configures one named pool of HTTP client instances.
type HTTPPoolConfig struct {
	BaseURLs            []string `yaml:"base_urls"`
	HealthCheckPath     string   `yaml:"health_check_path"`
	MaxPoolSize         int      `yaml:"max_pool_size"`
	MaxIdleConnections  int      `yaml:"max_idle_connections"`
	ConnectionTimeoutMs int      `yaml:"connection_timeout_ms"`
}

// QdrantPool configures one named pool of vector-store client instances.
type QdrantPool struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	HTTPS               bool   `yaml:"https"`
	APIKey              string `yaml:"api_key"`
	MaxPoolSize         int    `yaml:"max_pool_size"`
	MaxIdleConnections  int    `yaml:"max_idle_connections"`
	ConnectionTimeoutMs int    `yaml:"connection_timeout_ms"`
}

// HealthCheckConfig controls the background instance health probes.
type HealthCheckConfig struct {
	EnableHealthChecks    bool `yaml:"enable_health_checks"`
	HealthCheckIntervalMs int  `yaml:"health_check_interval_ms" validate:"min=1"`
	HealthCheckTimeoutMs  int  `yaml:"health_check_timeout_ms" validate:"min=1"`
}

// Interval returns the probe interval as a duration.
func (c HealthCheckConfig) Interval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// Timeout returns the probe timeout as a duration.
func (c HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutMs) * time.Millisecond
}

// LoadBalancingConfig selects and tunes the instance selection strategy.
type LoadBalancingConfig struct {
	// Strategy is one of round_robin, weighted_round_robin,
	// least_connections, health_aware, random.
	Strategy               string  `yaml:"strategy" validate:"oneof=round_robin weighted_round_robin least_connections health_aware random"`
	WeightAdjustmentFactor float64 `yaml:"weight_adjustment_factor" validate:"min=0.1,max=2.0"`
	StickySessionTimeoutMs int     `yaml:"sticky_session_timeout_ms"`
}

// PoolMetricsConfig controls retention of per-instance metrics samples.
type PoolMetricsConfig struct {
	MetricsRetentionMinutes int `yaml:"metrics_retention_minutes"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of ollama, openai, mock.
	Provider   string `yaml:"provider" validate:"oneof=ollama openai mock"`
	Model      string `yaml:"model"`
	VectorSize int    `yaml:"vector_size" validate:"min=1"`
}

// EmbeddingCacheConfig controls the normalized-text embedding cache.
type EmbeddingCacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLMinutes int  `yaml:"ttl_minutes" validate:"min=1"`
	MaxEntries int  `yaml:"max_entries" validate:"min=1"`
}

// TTL returns the cache TTL as a duration.
func (c *EmbeddingCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ResilienceConfig groups per-dependency resilience settings.
type ResilienceConfig struct {
	Embedding EmbeddingResilience `yaml:"embedding"`
}

// EmbeddingResilience tunes the resilient embedding decorator.
type EmbeddingResilience struct {
	Enabled                       bool `yaml:"enabled"`
	RetryCount                    int  `yaml:"retry_count" validate:"min=0"`
	RetryBaseDelayMs              int  `yaml:"retry_base_delay_ms" validate:"min=1"`
	TimeoutSeconds                int  `yaml:"timeout_seconds" validate:"min=1"`
	CircuitBreakerThreshold       int  `yaml:"circuit_breaker_threshold" validate:"min=1"`
	CircuitBreakerDurationMinutes int  `yaml:"circuit_breaker_duration_minutes" validate:"min=1"`
}

// Timeout returns the per-call wall clock limit.
func (c EmbeddingResilience) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the backoff base delay.
func (c EmbeddingResilience) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// CircuitBreakerDuration returns the open-state duration.
func (c EmbeddingResilience) CircuitBreakerDuration() time.Duration {
	return time.Duration(c.CircuitBreakerDurationMinutes) * time.Minute
}

// LLMConfig selects the analysis LLM provider.
type LLMConfig struct {
	// Provider is one of ollama, openai, mock.
	Provider    string  `yaml:"provider" validate:"oneof=ollama openai mock"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// StrictJSONConfig controls the strict-JSON verdict enforcement layer.
type StrictJSONConfig struct {
	Enabled              bool `yaml:"enabled"`
	EnableRetryOnFailure bool `yaml:"enable_retry_on_failure"`
}

// EnsembleConfig controls the optional multi-model verdict ensemble.
type EnsembleConfig struct {
	Enabled    bool            `yaml:"enabled"`
	MinQuorum  int             `yaml:"min_quorum" validate:"min=1"`
	DeadlineMs int             `yaml:"deadline_ms" validate:"min=1"`
	Models     []EnsembleModel `yaml:"models"`
}

// Deadline returns the ensemble fan-out deadline.
func (c *EnsembleConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

// EnsembleModel is one voting member of the ensemble.
type EnsembleModel struct {
	Name     string  `yaml:"name"`
	Provider string  `yaml:"provider"`
	Weight   float64 `yaml:"weight"`
}

// HybridSearchConfig controls metadata re-ranking of vector results.
// VectorWeight and MetadataWeight must sum to 1.
type HybridSearchConfig struct {
	Enabled             bool    `yaml:"enabled"`
	VectorWeight        float64 `yaml:"vector_weight" validate:"min=0,max=1"`
	MetadataWeight      float64 `yaml:"metadata_weight" validate:"min=0,max=1"`
	RecencyWeight       float64 `yaml:"recency_weight" validate:"min=0,max=1"`
	RecencyDecayHours   float64 `yaml:"recency_decay_hours" validate:"gt=0"`
	OverFetchMultiplier float64 `yaml:"over_fetch_multiplier" validate:"gte=1"`
}

// QdrantConfig identifies the vector collection.
type QdrantConfig struct {
	Host       string `yaml:"host" validate:"required"`
	Port       int    `yaml:"port" validate:"min=1,max=65535"`
	HTTPS      bool   `yaml:"https"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection" validate:"required"`
	VectorSize int    `yaml:"vector_size" validate:"min=1"`
	// Distance is Cosine or Dot.
	Distance string `yaml:"distance" validate:"oneof=Cosine Dot"`
}

// CorrelationConfig tunes the correlation engine's detectors.
type CorrelationConfig struct {
	AnalysisIntervalSeconds int `yaml:"analysis_interval_seconds" validate:"min=1"`
	LookbackMinutes         int `yaml:"lookback_minutes" validate:"min=1"`
	BurstThreshold          int `yaml:"burst_threshold" validate:"min=2"`
	BurstWindowSeconds      int `yaml:"burst_window_seconds" validate:"min=1"`
	ChainWindowMinutes      int `yaml:"chain_window_minutes" validate:"min=1"`
	LateralThreshold        int `yaml:"lateral_threshold" validate:"min=2"`
	LateralWindowMinutes    int `yaml:"lateral_window_minutes" validate:"min=1"`
	PrivilegeWindowMinutes  int `yaml:"privilege_window_minutes" validate:"min=1"`
	// CorrelationRetentionDays keeps correlations beyond the 24h vector
	// retention; constituent events may age out first.
	CorrelationRetentionDays int `yaml:"correlation_retention_days" validate:"min=1"`
}

// AnalysisInterval returns the scan cadence as a duration.
func (c *CorrelationConfig) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalSeconds) * time.Second
}

// Lookback returns the scan window as a duration.
func (c *CorrelationConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackMinutes) * time.Minute
}

// BurstWindow returns the temporal-burst window as a duration.
func (c *CorrelationConfig) BurstWindow() time.Duration {
	return time.Duration(c.BurstWindowSeconds) * time.Second
}

// ChainWindow returns the attack-chain window as a duration.
func (c *CorrelationConfig) ChainWindow() time.Duration {
	return time.Duration(c.ChainWindowMinutes) * time.Minute
}

// LateralWindow returns the lateral-movement window as a duration.
func (c *CorrelationConfig) LateralWindow() time.Duration {
	return time.Duration(c.LateralWindowMinutes) * time.Minute
}

// PrivilegeWindow returns the privilege-escalation window as a duration.
func (c *CorrelationConfig) PrivilegeWindow() time.Duration {
	return time.Duration(c.PrivilegeWindowMinutes) * time.Minute
}

// IgnorePattern drops matching raw events before any processing.
// All set fields must match; an empty pattern never matches.
type IgnorePattern struct {
	Channel        string `yaml:"channel"`
	EventID        int    `yaml:"event_id"`
	MessagePattern string `yaml:"message_pattern"`
}

// PipelineConfig tunes the per-event processing orchestrator.
type PipelineConfig struct {
	MaxInFlight        int    `yaml:"max_in_flight" validate:"min=1"`
	NeighborK          int    `yaml:"neighbor_k" validate:"min=0"`
	MinRiskToPersist   string `yaml:"min_risk_to_persist" validate:"oneof=low medium high critical"`
	PerEventDeadlineMs int    `yaml:"per_event_deadline_ms" validate:"min=1"`
}

// PerEventDeadline returns the total per-event processing budget.
func (c *PipelineConfig) PerEventDeadline() time.Duration {
	return time.Duration(c.PerEventDeadlineMs) * time.Millisecond
}

// SourcesConfig selects where raw log events are read from.
type SourcesConfig struct {
	// JSONLPath points at a newline-delimited JSON event file. Empty
	// disables file ingestion; events then arrive via Enqueue only.
	JSONLPath string `yaml:"jsonl_path"`
	// BookmarkPath persists per-channel resume positions between runs.
	BookmarkPath string `yaml:"bookmark_path"`
	// RescanInterval is how often the file is re-read for appended events.
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// RetentionConfig controls sliding-window data retention.
type RetentionConfig struct {
	// VectorRetentionInterval is the cadence of the 24h vector prune loop.
	VectorRetentionInterval time.Duration `yaml:"vector_retention_interval"`
	// DeadLetterRetentionDays bounds how long dead-lettered events are kept.
	DeadLetterRetentionDays int `yaml:"dead_letter_retention_days" validate:"min=1"`
	// DeadLetterSweepInterval is the cadence of the dead-letter prune loop.
	DeadLetterSweepInterval time.Duration `yaml:"dead_letter_sweep_interval"`
}
