// Package config defines the tunable parameters of the context engine and
// loads them from a YAML file. Every knob has a conservative default so a
// zero config is usable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"framestack/internal/logging"
)

// Config is the top-level configuration for the engine.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Assembly AssemblyConfig `yaml:"assembly"`
	Gate     GateConfig     `yaml:"gate"`
	Curation CurationConfig `yaml:"curation"`
	Logging  logging.Config `yaml:"logging"`
}

// StoreConfig configures the episodic store.
type StoreConfig struct {
	// DatabasePath is the SQLite file backing the store. ":memory:" is
	// accepted for tests.
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Store:    StoreConfig{DatabasePath: "framestack.db"},
		Assembly: DefaultAssemblyConfig(),
		Gate:     DefaultGateConfig(),
		Curation: DefaultCurationConfig(),
	}
}

// Load reads a YAML config file, applying defaults for any omitted field.
// A missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Gate.SimilarityFloor < 0 || c.Gate.SimilarityFloor > 1 {
		return fmt.Errorf("gate.similarity_floor must be in [0,1], got %v", c.Gate.SimilarityFloor)
	}
	if c.Gate.DistractorBudget < 0 {
		return fmt.Errorf("gate.distractor_budget must be >= 0, got %d", c.Gate.DistractorBudget)
	}
	if c.Curation.DedupThreshold < 0 || c.Curation.DedupThreshold > 1 {
		return fmt.Errorf("curation.dedup_threshold must be in [0,1], got %v", c.Curation.DedupThreshold)
	}
	if c.Assembly.Budget < 0 {
		return fmt.Errorf("assembly.budget must be >= 0, got %d", c.Assembly.Budget)
	}
	return nil
}
