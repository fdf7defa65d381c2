package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the single YAML file loaded from the config directory.
const configFileName = "sentrill.yaml"

// knownSections lists recognized top-level keys. Unknown keys are
// warnings, not errors; typos should not brick a deployment, and
// validation catches anything required that stayed at defaults.
var knownSections = map[string]bool{
	"server":           true,
	"database":         true,
	"connection_pools": true,
	"embeddings":       true,
	"embedding_cache":  true,
	"resilience":       true,
	"llm":              true,
	"strict_json":      true,
	"ensemble":         true,
	"hybrid_search":    true,
	"qdrant":           true,
	"correlation":      true,
	"ignore_patterns":  true,
	"pipeline":         true,
	"sources":          true,
	"retention":        true,
}

// Initialize loads, merges, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read sentrill.yaml (missing file falls back to pure defaults)
//  2. Expand {{.ENV_VAR}} templates
//  3. Parse YAML, warning on unknown top-level keys
//  4. Merge user values over built-in defaults
//  5. Validate and return a ready-to-use Config
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"embedding_provider", cfg.Embeddings.Provider,
		"llm_provider", cfg.LLM.Provider,
		"ensemble_enabled", cfg.Ensemble.Enabled,
		"hybrid_search_enabled", cfg.HybridSearch.Enabled,
		"ignore_patterns", len(cfg.IgnorePatterns))

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	defaults := DefaultConfig()

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Configuration file not found, using built-in defaults", "path", path)
			return defaults, nil
		}
		return nil, NewLoadError(configFileName, err)
	}

	data = ExpandEnv(data)

	warnUnknownKeys(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Merge user config over defaults: non-zero user values win, unset
	// fields keep their defaults.
	if err := mergo.Merge(defaults, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("failed to merge configuration: %w", err))
	}

	// Slices replace rather than merge: an explicit ignore_patterns list
	// fully overrides the (empty) default.
	if user.IgnorePatterns != nil {
		defaults.IgnorePatterns = user.IgnorePatterns
	}
	if user.Server != nil && user.Server.AnonymousTopics != nil {
		defaults.Server.AnonymousTopics = user.Server.AnonymousTopics
	}
	if user.Ensemble != nil && user.Ensemble.Models != nil {
		defaults.Ensemble.Models = user.Ensemble.Models
	}

	return defaults, nil
}

// warnUnknownKeys logs unrecognized top-level configuration keys.
func warnUnknownKeys(data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return // the typed parse will report the error with full context
	}
	for key := range raw {
		if !knownSections[key] {
			slog.Warn("Unknown configuration key (ignored)", "key", key)
		}
	}
}
