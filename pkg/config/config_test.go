package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a sentrill.yaml into a fresh config dir.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(yaml), 0o644))
	return dir
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8175", cfg.Server.ListenAddr)
	assert.Equal(t, 8, cfg.Pipeline.MaxInFlight)
	assert.Equal(t, "ollama", cfg.Embeddings.Provider)
	assert.Equal(t, time.Hour, cfg.Retention.DeadLetterSweepInterval)
	assert.Empty(t, cfg.Sources.JSONLPath, "file ingestion is opt-in")
}

func TestUserValuesMergeOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  listen_addr: ":9999"
pipeline:
  neighbor_k: 9
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 9, cfg.Pipeline.NeighborK)
	// Untouched fields keep their defaults.
	assert.Equal(t, 8, cfg.Pipeline.MaxInFlight)
	assert.Equal(t, 256, cfg.Server.SubscriberBuffer)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("SENTRILL_TEST_DB_HOST", "db.internal")
	dir := writeConfig(t, `
database:
  host: "{{.SENTRILL_TEST_DB_HOST}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestEnvExpansionPreservesRegexDollars(t *testing.T) {
	dir := writeConfig(t, `
ignore_patterns:
  - channel: "Microsoft-Windows-PowerShell/Operational"
    message_pattern: 'prompt\s+\S+$'
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, cfg.IgnorePatterns, 1)
	assert.Equal(t, `prompt\s+\S+$`, cfg.IgnorePatterns[0].MessagePattern)
}

func TestMissingEnvVarFallsBackToDefault(t *testing.T) {
	dir := writeConfig(t, `
database:
  host: "{{.SENTRILL_TEST_UNSET_HOST_VAR}}"
`)
	// The variable expands to empty; the merge then keeps the default.
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Host = ""
	assert.Error(t, Validate(cfg))
}

func TestUnknownTopLevelKeyIsIgnored(t *testing.T) {
	dir := writeConfig(t, `
bogus_section:
  anything: 1
`)
	_, err := Initialize(context.Background(), dir)
	assert.NoError(t, err)
}

func TestInvalidYAMLFails(t *testing.T) {
	dir := writeConfig(t, "server: [unclosed")
	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestHybridWeightsMustSumToOne(t *testing.T) {
	dir := writeConfig(t, `
hybrid_search:
  vector_weight: 0.8
  metadata_weight: 0.3
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "vector_weight")
}

func TestVectorSizesMustAgree(t *testing.T) {
	dir := writeConfig(t, `
embeddings:
  vector_size: 512
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_size")
}

func TestEnsembleQuorumBounds(t *testing.T) {
	dir := writeConfig(t, `
ensemble:
  enabled: true
  min_quorum: 3
  models:
    - name: llama3.1
      provider: ollama
      weight: 1.0
    - name: mistral
      provider: ollama
      weight: 1.0
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_quorum")
}

func TestEmptyIgnorePatternRejected(t *testing.T) {
	dir := writeConfig(t, `
ignore_patterns:
  - {}
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestExplicitListsReplaceDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  anonymous_topics: ["SystemMetrics"]
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"SystemMetrics"}, cfg.Server.AnonymousTopics,
		"an explicit list fully overrides the default, not merges with it")
}

func TestExpandEnvLeavesBrokenTemplatesToYAML(t *testing.T) {
	in := []byte("server:\n  listen_addr: \"{{.UNCLOSED\"\n")
	assert.Equal(t, in, ExpandEnv(in), "parse failures pass the raw bytes through")
}
