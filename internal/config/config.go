package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/framecache/framecache/internal/capacity"
	"github.com/framecache/framecache/internal/circuit"
	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/health"
	"github.com/framecache/framecache/pkg/retry"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FRAMECACHE_"

// Configuration is the user-scope configuration. It outlives any single
// document.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	ImageCache ImageCacheConfig `yaml:"image_cache"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
	APIPort     int    `yaml:"api_port"`
}

// ImageCacheConfig holds the default capacity scope and memory query settings.
type ImageCacheConfig struct {
	GPUCapacityPercent float64 `yaml:"gpu_capacity_percent"`
	CPUCapacityPercent float64 `yaml:"cpu_capacity_percent"`

	// UpdateEveryNSeconds is the telemetry refresh interval.
	UpdateEveryNSeconds int `yaml:"update_every_n_seconds"`
	// ReapplyOnRefresh re-resolves both budgets on every telemetry tick.
	ReapplyOnRefresh bool `yaml:"reapply_on_refresh"`

	// GPUMemoryTotal is the device memory reported for the GPU pool, e.g. "8GB".
	GPUMemoryTotal string `yaml:"gpu_memory_total"`
	// MemoryFallback is assumed when a pool's memory was never measured.
	MemoryFallback string       `yaml:"memory_fallback"`
	ProcMountPoint string       `yaml:"proc_mount_point"`
	MemoryRetry    retry.Config `yaml:"memory_retry"`
	// MemoryBreaker stops querying a memory source that keeps failing.
	MemoryBreaker circuit.Config `yaml:"memory_breaker"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig        `yaml:"metrics"`
	Health  health.TrackerConfig `yaml:"health"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 9090,
			APIPort:     8080,
		},
		ImageCache: ImageCacheConfig{
			GPUCapacityPercent:  capacity.DefaultGPUPercent,
			CPUCapacityPercent:  capacity.DefaultCPUPercent,
			UpdateEveryNSeconds: 5,
			ReapplyOnRefresh:    true,
			GPUMemoryTotal:      "8GB",
			MemoryFallback:      "1GB",
			MemoryRetry:         retry.DefaultConfig(),
			MemoryBreaker:       circuit.DefaultConfig(),
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Path:      "/metrics",
				Namespace: "framecache",
			},
			Health: health.DefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("path", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("path", filename)
	}

	return nil
}

// LoadFromEnv applies FRAMECACHE_* environment overrides. Every malformed
// value is reported; well-formed ones are still applied.
func (c *Configuration) LoadFromEnv() error {
	var errs error

	setInt := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeConfigLoad, "invalid "+EnvPrefix+name))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeConfigLoad, "invalid "+EnvPrefix+name))
				return
			}
			*dst = f
		}
	}
	setString := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}

	setString("LOG_LEVEL", &c.Global.LogLevel)
	setString("LOG_FORMAT", &c.Global.LogFormat)
	setInt("METRICS_PORT", &c.Global.MetricsPort)
	setInt("API_PORT", &c.Global.APIPort)

	setFloat("GPU_CAPACITY_PERCENT", &c.ImageCache.GPUCapacityPercent)
	setFloat("CPU_CAPACITY_PERCENT", &c.ImageCache.CPUCapacityPercent)
	setInt("UPDATE_EVERY_N_SECONDS", &c.ImageCache.UpdateEveryNSeconds)
	setString("GPU_MEMORY_TOTAL", &c.ImageCache.GPUMemoryTotal)
	setString("MEMORY_FALLBACK", &c.ImageCache.MemoryFallback)
	setString("PROC_MOUNT_POINT", &c.ImageCache.ProcMountPoint)

	if val := os.Getenv(EnvPrefix + "METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return errs
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	return writeYAML(filename, c)
}

// Normalize clamps capacity percents to [0,100] and raises a non-positive
// refresh interval to one second. Out-of-range values are never rejected.
func (c *Configuration) Normalize() {
	c.ImageCache.GPUCapacityPercent = capacity.ClampPercent(c.ImageCache.GPUCapacityPercent)
	c.ImageCache.CPUCapacityPercent = capacity.ClampPercent(c.ImageCache.CPUCapacityPercent)
	if c.ImageCache.UpdateEveryNSeconds < 1 {
		c.ImageCache.UpdateEveryNSeconds = 1
	}
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...).WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fail("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return fail("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	for name, port := range map[string]int{"metrics_port": c.Global.MetricsPort, "api_port": c.Global.APIPort} {
		if port < 0 || port > 65535 {
			return fail("%s out of range: %d", name, port)
		}
	}
	if c.Global.APIPort != 0 && c.Global.APIPort == c.Global.MetricsPort {
		return fail("metrics_port and api_port cannot be the same")
	}

	if _, err := ParseSize(c.ImageCache.GPUMemoryTotal); err != nil {
		return fail("invalid gpu_memory_total: %v", err)
	}
	if c.ImageCache.MemoryFallback != "" {
		if _, err := ParseSize(c.ImageCache.MemoryFallback); err != nil {
			return fail("invalid memory_fallback: %v", err)
		}
	}

	if c.Monitoring.Metrics.Enabled && !strings.HasPrefix(c.Monitoring.Metrics.Path, "/") {
		return fail("metrics path must start with '/': %q", c.Monitoring.Metrics.Path)
	}

	return nil
}

// DefaultPercent returns the user-scope percent of pool.
func (c *Configuration) DefaultPercent(pool types.Pool) float64 {
	if pool == types.PoolCPU {
		return c.ImageCache.CPUCapacityPercent
	}
	return c.ImageCache.GPUCapacityPercent
}

// SetDefaultPercent sets the user-scope percent of pool.
func (c *Configuration) SetDefaultPercent(pool types.Pool, percent float64) {
	if pool == types.PoolCPU {
		c.ImageCache.CPUCapacityPercent = percent
		return
	}
	c.ImageCache.GPUCapacityPercent = percent
}

// ParseSize parses a human size such as "8GB" or "512MiB" into bytes.
func ParseSize(s string) (uint64, error) {
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func writeYAML(filename string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory").
			WithContext("path", filename)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file").
			WithContext("path", filename)
	}

	return nil
}
