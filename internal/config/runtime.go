package config

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// RuntimeConfig holds operational settings that vary per host rather than
// per dataset. Values come from the environment; command-line flags take
// precedence when set.
type RuntimeConfig struct {
	Workers    int    `env:"TESTBEAM_WORKERS"     envDefault:"0"`
	TuningPath string `env:"TESTBEAM_TUNING_PATH" envDefault:"config/tracking.defaults.json"`
	DBPath     string `env:"TESTBEAM_DB_PATH"`
	OutputDir  string `env:"TESTBEAM_OUTPUT_DIR"  envDefault:"."`
}

// LoadRuntimeConfig reads RuntimeConfig from environment variables.
func LoadRuntimeConfig() (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := env.Parse(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Workers < 0 {
		return RuntimeConfig{}, fmt.Errorf("TESTBEAM_WORKERS must be non-negative, got %d", cfg.Workers)
	}
	return cfg, nil
}

// EffectiveWorkers returns the worker count, falling back to GOMAXPROCS.
func (c RuntimeConfig) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
