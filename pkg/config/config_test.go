package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.False(t, cfg.Compression)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.Equal(t, 500, cfg.HistoryBudget)
	assert.Equal(t, 1000, cfg.LogStreamBuffer)
	assert.Equal(t, int64(48), cfg.MaxMemoryMB)
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv(KeyDBPath, "/var/lib/botpulse")
	t.Setenv(KeyCollectionInterval, "5")
	t.Setenv(KeyRetentionDays, "30")
	t.Setenv(KeyCompression, "true")
	t.Setenv(KeyDatabaseDSN, "postgres://localhost/botpulse")
	t.Setenv(KeyPort, "9000")
	t.Setenv(KeyLogLevel, "DEBUG")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/botpulse", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.True(t, cfg.Compression)
	assert.Equal(t, "postgres://localhost/botpulse", cfg.DatabaseDSN)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv(KeyCollectionInterval, "fast")
	t.Setenv(KeyRetentionDays, "-3")
	t.Setenv(KeyCompression, "maybe")
	t.Setenv(KeyPort, "70000")

	cfg, err := load(viper.New())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultCollectionInterval, cfg.CollectionInterval)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.False(t, cfg.Compression)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Len(t, cfg.Warnings, 4)

	core, logs := observer.New(zap.WarnLevel)
	cfg.LogWarnings(zap.New(core))
	assert.Equal(t, 4, logs.Len())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("METRICS_RETENTION_DAYS: 14\nWEB_PORT: 8123\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "botpulse.yaml"), content, 0o600))

	v := viper.New()
	v.AddConfigPath(dir)
	cfg, err := load(v)
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, 8123, cfg.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBPath:             DefaultDBPath,
			CollectionInterval: time.Second,
			RetentionDays:      1,
			HistoryBudget:      10,
			LogStreamBuffer:    10,
			Port:               8000,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.CollectionInterval = 0 }},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }},
		{"zero budget", func(c *Config) { c.HistoryBudget = 0 }},
		{"zero buffer", func(c *Config) { c.LogStreamBuffer = 0 }},
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"no storage", func(c *Config) { c.DBPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}
