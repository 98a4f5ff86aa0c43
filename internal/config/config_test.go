package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, 9090, cfg.Global.MetricsPort)
	assert.Equal(t, 8080, cfg.Global.APIPort)
	assert.Equal(t, 50.0, cfg.ImageCache.GPUCapacityPercent)
	assert.Equal(t, 25.0, cfg.ImageCache.CPUCapacityPercent)
	assert.Equal(t, 5, cfg.ImageCache.UpdateEveryNSeconds)
	assert.Equal(t, "8GB", cfg.ImageCache.GPUMemoryTotal)
	assert.Equal(t, 3, cfg.ImageCache.MemoryRetry.MaxAttempts)
	assert.Equal(t, "/metrics", cfg.Monitoring.Metrics.Path)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"valid config", func(*Configuration) {}, false},
		{"invalid log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, true},
		{"lowercase log level", func(c *Configuration) { c.Global.LogLevel = "debug" }, false},
		{"invalid log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, true},
		{"same ports", func(c *Configuration) { c.Global.APIPort = c.Global.MetricsPort }, true},
		{"port out of range", func(c *Configuration) { c.Global.MetricsPort = 70000 }, true},
		{"bad gpu total", func(c *Configuration) { c.ImageCache.GPUMemoryTotal = "lots" }, true},
		{"bad fallback", func(c *Configuration) { c.ImageCache.MemoryFallback = "x" }, true},
		{"relative metrics path", func(c *Configuration) { c.Monitoring.Metrics.Path = "metrics" }, true},
		{"out of range percent is not an error", func(c *Configuration) { c.ImageCache.GPUCapacityPercent = 250 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeConfigValidation, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := NewDefault()
	cfg.ImageCache.GPUCapacityPercent = 140
	cfg.ImageCache.CPUCapacityPercent = -2
	cfg.ImageCache.UpdateEveryNSeconds = 0

	cfg.Normalize()

	assert.Equal(t, 100.0, cfg.ImageCache.GPUCapacityPercent)
	assert.Equal(t, 0.0, cfg.ImageCache.CPUCapacityPercent)
	assert.Equal(t, 1, cfg.ImageCache.UpdateEveryNSeconds)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecache.yaml")
	content := `global:
  log_level: DEBUG
  api_port: 8181
image_cache:
  gpu_capacity_percent: 70
  update_every_n_seconds: 2
  gpu_memory_total: 16GB
  memory_retry:
    max_attempts: 4
    initial_delay: 20ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, 8181, cfg.Global.APIPort)
	assert.Equal(t, 9090, cfg.Global.MetricsPort, "unset keys keep defaults")
	assert.Equal(t, 70.0, cfg.ImageCache.GPUCapacityPercent)
	assert.Equal(t, 25.0, cfg.ImageCache.CPUCapacityPercent)
	assert.Equal(t, 2, cfg.ImageCache.UpdateEveryNSeconds)
	assert.Equal(t, 4, cfg.ImageCache.MemoryRetry.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.ImageCache.MemoryRetry.InitialDelay)
}

func TestLoadFromFile_Errors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigLoad, errors.GetCode(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global: [unclosed"), 0600))
	err = cfg.LoadFromFile(path)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigLoad, errors.GetCode(err))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FRAMECACHE_LOG_LEVEL", "WARN")
	t.Setenv("FRAMECACHE_API_PORT", "9999")
	t.Setenv("FRAMECACHE_CPU_CAPACITY_PERCENT", "33.5")
	t.Setenv("FRAMECACHE_GPU_MEMORY_TOTAL", "24GB")
	t.Setenv("FRAMECACHE_METRICS_ENABLED", "false")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, 9999, cfg.Global.APIPort)
	assert.Equal(t, 33.5, cfg.ImageCache.CPUCapacityPercent)
	assert.Equal(t, "24GB", cfg.ImageCache.GPUMemoryTotal)
	assert.False(t, cfg.Monitoring.Metrics.Enabled)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	t.Setenv("FRAMECACHE_METRICS_PORT", "ninety")
	t.Setenv("FRAMECACHE_GPU_CAPACITY_PERCENT", "half")
	t.Setenv("FRAMECACHE_LOG_LEVEL", "ERROR")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FRAMECACHE_METRICS_PORT")
	assert.Contains(t, err.Error(), "FRAMECACHE_GPU_CAPACITY_PERCENT")

	assert.Equal(t, "ERROR", cfg.Global.LogLevel, "valid values still apply")
	assert.Equal(t, 9090, cfg.Global.MetricsPort)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "framecache.yaml")

	cfg := NewDefault()
	cfg.ImageCache.CPUCapacityPercent = 12.5
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 12.5, loaded.ImageCache.CPUCapacityPercent)
	assert.Equal(t, cfg.ImageCache.MemoryRetry.MaxDelay, loaded.ImageCache.MemoryRetry.MaxDelay)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"8GB", 8 << 30, false},
		{"512MiB", 512 << 20, false},
		{"1024", 1024, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1GB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDefaultPercentAccessors(t *testing.T) {
	cfg := NewDefault()
	cfg.SetDefaultPercent(types.PoolGPU, 60)
	cfg.SetDefaultPercent(types.PoolCPU, 30)
	assert.Equal(t, 60.0, cfg.DefaultPercent(types.PoolGPU))
	assert.Equal(t, 30.0, cfg.DefaultPercent(types.PoolCPU))
}
