package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tripflow.db", cfg.Store.DatabaseURL)
	assert.False(t, cfg.Store.AuditStream)

	assert.Equal(t, 50000, cfg.Engine.ChunkSize)
	assert.Equal(t, "extract", cfg.Engine.DedupeScope)

	assert.Equal(t, 0.02, cfg.Thresholds.FareTolerance)
	assert.Equal(t, 150.0, cfg.Thresholds.DistanceMaxMi)
	assert.Equal(t, 360.0, cfg.Thresholds.DurationMaxMinutes)
	assert.Equal(t, 80.0, cfg.Thresholds.SpeedMaxMPH)
	assert.Equal(t, 2, cfg.Thresholds.WindowGraceDays)

	assert.Equal(t, 0.05, cfg.Monitoring.MaxDuplicateRate)
	assert.Equal(t, 0.10, cfg.Monitoring.MaxMismatchRate)

	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TRIPFLOW_LOG_LEVEL", "debug")
	t.Setenv("TRIPFLOW_STORE_DRIVER", "postgres")
	t.Setenv("TRIPFLOW_THRESHOLDS_FARE_TOLERANCE", "0.05")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 0.05, cfg.Thresholds.FareTolerance)
}

func TestInitLogger_RejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shout", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger_ConsoleAndJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
