package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/reportq/internal/resource"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPORTQ_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("REPORTQ_ADDR", "")
	t.Setenv("REPORTQ_CONCURRENCY", "")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "", cfg.SurrealDBURL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.Simulate)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("REPORTQ_TEST_ONLY_ADDR=:9999\nREPORTQ_CONCURRENCY=9\n"), 0o600))
	t.Setenv("REPORTQ_ENV_FILE", envFile)
	// Process environment wins over the file.
	t.Setenv("REPORTQ_CONCURRENCY", "2")
	t.Cleanup(func() { os.Unsetenv("REPORTQ_TEST_ONLY_ADDR") })

	cfg := Load()
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, ":9999", os.Getenv("REPORTQ_TEST_ONLY_ADDR"))
}

func TestLoadParsesTypedValues(t *testing.T) {
	t.Setenv("REPORTQ_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("REPORTQ_SIMULATED_LATENCY", "250ms")
	t.Setenv("REPORTQ_SIMULATED_FAIL_RATE", "0.25")
	t.Setenv("REPORTQ_LOG_LEVEL", "debug")
	t.Setenv("REPORTQ_CONCURRENCY", "not-a-number")

	cfg := Load()
	assert.Equal(t, 250*time.Millisecond, cfg.SimulatedLatency)
	assert.InDelta(t, 0.25, cfg.SimulatedFailRate, 1e-9)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"Warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job enqueued", "job_id", "j1")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "job enqueued")
	assert.Contains(t, file.String(), `"job_id":"j1"`)
	assert.Contains(t, file.String(), `"service":"reportq"`)
}

func TestSetupLoggerFallsBackToStderr(t *testing.T) {
	logger, cleanup := SetupLogger(filepath.Join(t.TempDir(), "missing", "dir", "x.log"), slog.LevelInfo)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())

	logger, cleanup = SetupLogger("", slog.LevelInfo)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}

func TestParseEngineDefaults(t *testing.T) {
	eng, err := ParseEngine(nil)
	require.NoError(t, err)

	assert.Equal(t, 20, eng.Queue.MaxBatchSize)
	assert.Equal(t, 1, eng.Queue.MinBatchSize)
	assert.Equal(t, []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute}, eng.Queue.RetryLadder)
	assert.Equal(t, 15*time.Minute, eng.Queue.DownloadDelay)
	assert.Equal(t, 30*time.Minute, eng.Queue.ReservationTimeout)
	assert.Equal(t, resource.DefaultConfig().Thresholds, eng.Resource.Thresholds)
	assert.Equal(t, eng.Queue.DispatchInterval, eng.Resource.MaxAge)
}

func TestParseEngineOverrides(t *testing.T) {
	data := []byte(`
max_batch_size: 10
min_batch_size: 2
retry_max_attempts: 5
retry_delay_ladder_ms: [1000, 2000]
download_delay_ms: 60000
cooldown_ms: 500
dispatch_interval_ms: 250
resource_thresholds:
  low: {cpu_ceiling: 40, mem_ceiling: 50, batch_size: 10}
admission_limits:
  min_free_mb: 1024
cpu_sampling: load_average
`)
	eng, err := ParseEngine(data)
	require.NoError(t, err)

	assert.Equal(t, 10, eng.Queue.MaxBatchSize)
	assert.Equal(t, 2, eng.Queue.MinBatchSize)
	assert.Equal(t, 5, eng.Queue.RetryMaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, eng.Queue.RetryLadder)
	assert.Equal(t, time.Minute, eng.Queue.DownloadDelay)
	assert.Equal(t, 500*time.Millisecond, eng.Queue.Cooldown)
	assert.Equal(t, 250*time.Millisecond, eng.Resource.MaxAge)

	assert.Equal(t, resource.Tier{CPUCeiling: 40, MemCeiling: 50, BatchSize: 10}, eng.Resource.Thresholds.Low)
	assert.Equal(t, resource.DefaultConfig().Thresholds.Medium, eng.Resource.Thresholds.Medium)
	assert.InDelta(t, 1024, eng.Resource.Admission.MinFreeMB, 1e-9)
	assert.InDelta(t, 80, eng.Resource.Admission.MaxCPUPct, 1e-9)
	assert.Equal(t, resource.CPULoadAverage, eng.Resource.CPUMethod)
}

func TestParseEngineRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "min above max", yaml: "min_batch_size: 30\nmax_batch_size: 10", wantErr: "max_batch_size"},
		{name: "empty ladder", yaml: "retry_delay_ladder_ms: []", wantErr: "retry_delay_ladder_ms"},
		{name: "descending tiers", yaml: "resource_thresholds:\n  medium: {cpu_ceiling: 10, mem_ceiling: 10, batch_size: 5}", wantErr: "resource_thresholds.medium"},
		{name: "unknown key", yaml: "max_batch: 3", wantErr: "max_batch"},
		{name: "bad sampling", yaml: "cpu_sampling: psychic", wantErr: "cpu_sampling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEngine([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEngine(t *testing.T) {
	eng, err := LoadEngine("")
	require.NoError(t, err)
	assert.Equal(t, 20, eng.Queue.MaxBatchSize)

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 7\n"), 0o600))
	eng, err = LoadEngine(path)
	require.NoError(t, err)
	assert.Equal(t, 7, eng.Queue.MaxBatchSize)

	_, err = LoadEngine(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read engine config")
}
