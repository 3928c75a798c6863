package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spachava753/volsweep/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultPattern is the file pattern of the infant MPRAGE collection the tool was first written for.
const DefaultPattern = "mprage-%d.mgz"

// DefaultSweepConfig returns a SweepConfig with default values.
func DefaultSweepConfig() models.SweepConfig {
	return models.SweepConfig{
		RunsDir:           "runs",
		LogLevel:          "info",
		TimeoutMultiplier: 1.0,
		VerifyOutputs:     true,
		Retry: models.RetryConfig{
			MaxAttempts:    1,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			Multiplier:     2.0,
		},
		Data: models.DataConfig{
			Pattern: DefaultPattern,
		},
		Environment: models.EnvironmentConfig{
			Type:        "local",
			PreserveEnv: models.PreserveNever,
		},
	}
}

// LoadSweepConfig loads and parses a sweep.yaml file.
func LoadSweepConfig(path string) (models.SweepConfig, error) {
	cfg := DefaultSweepConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading sweep config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing sweep config: %w", err)
	}

	applySweepDefaults(&cfg)

	if err := ValidateSweepConfig(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applySweepDefaults(cfg *models.SweepConfig) {
	if cfg.RunsDir == "" {
		cfg.RunsDir = "runs"
	}
	if cfg.TimeoutMultiplier == 0 {
		cfg.TimeoutMultiplier = 1.0
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Data.Pattern == "" {
		cfg.Data.Pattern = DefaultPattern
	}
	if cfg.Environment.Type == "" {
		cfg.Environment.Type = "local"
	}
	if cfg.Environment.PreserveEnv == "" {
		cfg.Environment.PreserveEnv = models.PreserveNever
	}
}

// ValidateSweepConfig checks the cross-field rules of a sweep configuration.
func ValidateSweepConfig(cfg models.SweepConfig) error {
	if cfg.Data.Path == "" {
		return errors.New("data.path is required")
	}
	if cfg.Data.MaxIndex < 0 {
		return fmt.Errorf("data.max_index must not be negative, got %d", cfg.Data.MaxIndex)
	}
	if cfg.TimeoutMultiplier < 0 {
		return fmt.Errorf("timeout_multiplier must not be negative, got %g", cfg.TimeoutMultiplier)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", cfg.Retry.MaxAttempts)
	}

	switch cfg.Environment.Type {
	case "local":
	case "docker", "apple", "modal":
		if cfg.Environment.Image == "" {
			return fmt.Errorf("environment %s requires an image", cfg.Environment.Type)
		}
	default:
		return fmt.Errorf("unsupported environment type: %s", cfg.Environment.Type)
	}
	switch cfg.Environment.PreserveEnv {
	case models.PreserveNever, models.PreserveAlways, models.PreserveOnFailure:
	default:
		return fmt.Errorf("unsupported preserve_env policy: %s", cfg.Environment.PreserveEnv)
	}

	if len(cfg.Stages) == 0 {
		return errors.New("at least one stage is required")
	}

	seen := make(map[models.StageKind]bool)
	for i, ref := range cfg.Stages {
		if _, err := models.ParseStageKind(string(ref.Kind)); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
		if seen[ref.Kind] {
			return fmt.Errorf("stages[%d]: stage %s listed twice", i, ref.Kind)
		}
		if ref.From != "" {
			if ref.From == ref.Kind {
				return fmt.Errorf("stages[%d]: stage %s cannot consume its own outputs", i, ref.Kind)
			}
			if !seen[ref.From] {
				return fmt.Errorf("stages[%d]: from %q must name an earlier stage", i, ref.From)
			}
		}
		seen[ref.Kind] = true

		if err := validateReference(ref); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
	}

	return nil
}

func validateReference(ref models.StageRef) error {
	if ref.Reference == nil {
		if ref.Kind.NeedsReference() {
			return fmt.Errorf("%s: %w", ref.Kind, models.ErrReferenceRequired)
		}
		return nil
	}
	if !ref.Kind.NeedsReference() {
		return fmt.Errorf("%s does not take a reference", ref.Kind)
	}

	r := ref.Reference
	set := 0
	if r.Path != nil && *r.Path != "" {
		set++
	}
	if r.Index != nil {
		set++
		if *r.Index < 1 {
			return fmt.Errorf("reference index must be >= 1, got %d", *r.Index)
		}
	}
	if r.Registry != nil {
		set++
		hasPath := r.Registry.Path != nil && *r.Registry.Path != ""
		hasURL := r.Registry.URL != nil && *r.Registry.URL != ""
		if hasPath == hasURL {
			return errors.New("reference registry must specify exactly one of 'path' or 'url'")
		}
		if r.Name == "" {
			return errors.New("reference registry requires 'name'")
		}
	}
	if set != 1 {
		return errors.New("reference must specify exactly one of 'path', 'index' or 'registry'")
	}
	return nil
}
