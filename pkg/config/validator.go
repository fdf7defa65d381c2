package config

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Validate checks structural constraints (via validator tags) plus the
// cross-field invariants tags cannot express. Called once at startup;
// a failure refuses to start the process.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("structural validation: %w", err)
	}

	// Hybrid weights must form a convex combination.
	if cfg.HybridSearch.Enabled {
		sum := cfg.HybridSearch.VectorWeight + cfg.HybridSearch.MetadataWeight
		if math.Abs(sum-1.0) > 1e-9 {
			return NewValidationError("hybrid_search", "vector_weight",
				fmt.Errorf("%w: vector_weight + metadata_weight must equal 1, got %v", ErrInvalidValue, sum))
		}
	}

	// Embedding dimension must agree between provider and collection.
	if cfg.Embeddings.VectorSize != cfg.Qdrant.VectorSize {
		return NewValidationError("qdrant", "vector_size",
			fmt.Errorf("%w: embeddings.vector_size (%d) must match qdrant.vector_size (%d)",
				ErrInvalidValue, cfg.Embeddings.VectorSize, cfg.Qdrant.VectorSize))
	}

	// Ensemble needs enough members to reach quorum.
	if cfg.Ensemble.Enabled {
		if len(cfg.Ensemble.Models) == 0 {
			return NewValidationError("ensemble", "models",
				fmt.Errorf("%w: ensemble enabled with no models", ErrMissingRequiredField))
		}
		if cfg.Ensemble.MinQuorum > len(cfg.Ensemble.Models) {
			return NewValidationError("ensemble", "min_quorum",
				fmt.Errorf("%w: min_quorum (%d) exceeds model count (%d)",
					ErrInvalidValue, cfg.Ensemble.MinQuorum, len(cfg.Ensemble.Models)))
		}
		for i, m := range cfg.Ensemble.Models {
			if m.Name == "" || m.Provider == "" {
				return NewValidationError("ensemble", fmt.Sprintf("models[%d]", i),
					fmt.Errorf("%w: name and provider are required", ErrMissingRequiredField))
			}
			if m.Weight <= 0 {
				return NewValidationError("ensemble", fmt.Sprintf("models[%d].weight", i),
					fmt.Errorf("%w: weight must be positive, got %v", ErrInvalidValue, m.Weight))
			}
		}
	}

	// Ignore patterns must carry at least one criterion; empty patterns
	// would silently drop nothing or everything depending on reading.
	for i, p := range cfg.IgnorePatterns {
		if p.Channel == "" && p.EventID == 0 && p.MessagePattern == "" {
			return NewValidationError("ignore_patterns", fmt.Sprintf("[%d]", i),
				fmt.Errorf("%w: pattern needs channel, event_id, or message_pattern", ErrMissingRequiredField))
		}
	}

	return nil
}
