// Package config holds operator-level configuration for an echo memory
// installation: where tier databases live and the knobs that tune
// encryption sensitivity, consolidation, and eviction behavior.
//
// Values are set via env vars (ECHO_*) or a config file
// (echo.config.yaml). The encryption key is NOT configured here — it is
// generated and persisted by internal/crypto next to the tier databases.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the ECHO_ prefix
// (e.g. "data_dir" → ECHO_DATA_DIR) and to a YAML field in
// echo.config.yaml.
const (
	KeyDataDir               = "data_dir"
	KeySensitivityThreshold  = "sensitivity_threshold"
	KeyConsolidationInterval = "consolidation_interval_seconds"
	KeyMaxExtractionAttempts = "consolidation_max_attempts"
	KeyWorkingCapacity       = "working_capacity"
	KeyMaxContentKB          = "max_content_kb"
	KeyShutdownGrace         = "shutdown_grace_seconds"
	KeyBackgroundOpsPerSec   = "background_ops_per_second"
	KeyRulesFile             = "rules_file"
)

// Defaults. The sensitivity threshold and consolidation interval match
// the documented store behavior; the rest are operational bounds.
const (
	DefaultSensitivityThreshold  = 0.7
	DefaultConsolidationInterval = 300
	DefaultWorkingCapacity       = 256
	DefaultMaxContentKB          = 256
	DefaultShutdownGrace         = 10
	DefaultBackgroundOpsPerSec   = 200
)

// Config holds resolved operator-level configuration for an echo memory
// process.
type Config struct {
	DataDir               string  // Base directory for tier DBs and the key file (~/.echo_memory)
	SensitivityThreshold  float64 // Importance above which content is encrypted at rest
	ConsolidationInterval time.Duration
	MaxExtractionAttempts int // 0 = retry failed extractions forever
	WorkingCapacity       int // Max working-memory entries before LRU eviction
	MaxContentKB          int // Max serialized content size accepted on store
	ShutdownGrace         time.Duration
	BackgroundOpsPerSec   int    // Rate cap for per-record consolidation operations
	RulesFile             string // Optional extraction-rules YAML (empty = built-in rules)
}

// EpisodicDBPath returns the full path to the episodic tier database.
func (c *Config) EpisodicDBPath() string {
	return filepath.Join(c.DataDir, "episodic.db")
}

// SemanticDBPath returns the full path to the semantic tier database.
func (c *Config) SemanticDBPath() string {
	return filepath.Join(c.DataDir, "semantic.db")
}

// ProceduralDBPath returns the full path to the procedural tier database.
func (c *Config) ProceduralDBPath() string {
	return filepath.Join(c.DataDir, "procedural.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("ECHO")
	viper.AutomaticEnv()
	viper.SetDefault(KeySensitivityThreshold, DefaultSensitivityThreshold)
	viper.SetDefault(KeyConsolidationInterval, DefaultConsolidationInterval)
	viper.SetDefault(KeyMaxExtractionAttempts, 0)
	viper.SetDefault(KeyWorkingCapacity, DefaultWorkingCapacity)
	viper.SetDefault(KeyMaxContentKB, DefaultMaxContentKB)
	viper.SetDefault(KeyShutdownGrace, DefaultShutdownGrace)
	viper.SetDefault(KeyBackgroundOpsPerSec, DefaultBackgroundOpsPerSec)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:               resolveDataDir(),
		SensitivityThreshold:  viper.GetFloat64(KeySensitivityThreshold),
		ConsolidationInterval: time.Duration(viper.GetInt(KeyConsolidationInterval)) * time.Second,
		MaxExtractionAttempts: viper.GetInt(KeyMaxExtractionAttempts),
		WorkingCapacity:       viper.GetInt(KeyWorkingCapacity),
		MaxContentKB:          viper.GetInt(KeyMaxContentKB),
		ShutdownGrace:         time.Duration(viper.GetInt(KeyShutdownGrace)) * time.Second,
		BackgroundOpsPerSec:   viper.GetInt(KeyBackgroundOpsPerSec),
		RulesFile:             viper.GetString(KeyRulesFile),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".echo_memory"
	}
	return filepath.Join(home, ".echo_memory")
}

// Validate checks ranges on every knob. Exposed so callers constructing
// a Config directly (tests, embedding applications) get the same checks
// as Load.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.SensitivityThreshold < 0 || c.SensitivityThreshold > 1 {
		return fmt.Errorf("sensitivity_threshold must be in [0,1] (got %v)", c.SensitivityThreshold)
	}
	if c.ConsolidationInterval <= 0 {
		return fmt.Errorf("consolidation_interval_seconds must be positive")
	}
	if c.MaxExtractionAttempts < 0 {
		return fmt.Errorf("consolidation_max_attempts must be >= 0")
	}
	if c.WorkingCapacity <= 0 {
		return fmt.Errorf("working_capacity must be positive")
	}
	if c.MaxContentKB <= 0 {
		return fmt.Errorf("max_content_kb must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace_seconds must be positive")
	}
	if c.BackgroundOpsPerSec <= 0 {
		return fmt.Errorf("background_ops_per_second must be positive")
	}
	return nil
}

// Default returns a Config with every knob at its default and the given
// data dir. Used by tests and the CLI when no overrides are set.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:               dataDir,
		SensitivityThreshold:  DefaultSensitivityThreshold,
		ConsolidationInterval: DefaultConsolidationInterval * time.Second,
		MaxExtractionAttempts: 0,
		WorkingCapacity:       DefaultWorkingCapacity,
		MaxContentKB:          DefaultMaxContentKB,
		ShutdownGrace:         DefaultShutdownGrace * time.Second,
		BackgroundOpsPerSec:   DefaultBackgroundOpsPerSec,
	}
}
