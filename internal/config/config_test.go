package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Set(KeyDataDir, t.TempDir())
	t.Cleanup(func() { viper.Set(KeyDataDir, "") })

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, DefaultSensitivityThreshold, cfg.SensitivityThreshold, 1e-9)
	assert.Equal(t, DefaultConsolidationInterval*time.Second, cfg.ConsolidationInterval)
	assert.Equal(t, 0, cfg.MaxExtractionAttempts)
	assert.Equal(t, DefaultWorkingCapacity, cfg.WorkingCapacity)
	assert.Equal(t, DefaultShutdownGrace*time.Second, cfg.ShutdownGrace)
}

func TestLoad_EnvOverride(t *testing.T) {
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySensitivityThreshold, 0.5)
	viper.Set(KeyConsolidationInterval, 60)
	t.Cleanup(func() {
		viper.Set(KeyDataDir, "")
		viper.Set(KeySensitivityThreshold, DefaultSensitivityThreshold)
		viper.Set(KeyConsolidationInterval, DefaultConsolidationInterval)
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cfg.SensitivityThreshold, 1e-9)
	assert.Equal(t, time.Minute, cfg.ConsolidationInterval)
}

func TestTierDBPaths(t *testing.T) {
	cfg := Default("/data/.echo_memory")
	assert.Equal(t, filepath.Join("/data/.echo_memory", "episodic.db"), cfg.EpisodicDBPath())
	assert.Equal(t, filepath.Join("/data/.echo_memory", "semantic.db"), cfg.SemanticDBPath())
	assert.Equal(t, filepath.Join("/data/.echo_memory", "procedural.db"), cfg.ProceduralDBPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults valid", func(c *Config) {}, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, false},
		{"threshold above 1", func(c *Config) { c.SensitivityThreshold = 1.5 }, false},
		{"threshold negative", func(c *Config) { c.SensitivityThreshold = -0.1 }, false},
		{"threshold zero ok", func(c *Config) { c.SensitivityThreshold = 0 }, true},
		{"zero interval", func(c *Config) { c.ConsolidationInterval = 0 }, false},
		{"negative attempts", func(c *Config) { c.MaxExtractionAttempts = -1 }, false},
		{"zero working capacity", func(c *Config) { c.WorkingCapacity = 0 }, false},
		{"zero grace", func(c *Config) { c.ShutdownGrace = 0 }, false},
		{"zero rate", func(c *Config) { c.BackgroundOpsPerSec = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	cfg := Default(filepath.Join(t.TempDir(), "nested", ".echo_memory"))
	require.NoError(t, cfg.EnsureDataDir())
	require.DirExists(t, cfg.DataDir)
}
