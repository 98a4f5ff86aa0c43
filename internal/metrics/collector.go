package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framecache/framecache/internal/cache"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// Collector exports pool telemetry and cache counters to Prometheus. It
// implements cache.Recorder so pools can report hits, misses, evictions
// and rejections as they happen.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	usedBytes     *prometheus.GaugeVec
	capacityBytes *prometheus.GaugeVec
	items         *prometheus.GaugeVec
	groups        *prometheus.GaugeVec
	memoryTotal   *prometheus.GaugeVec
	memoryUsed    *prometheus.GaugeVec

	requests   *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	rejections *prometheus.CounterVec

	server *http.Server
}

var _ cache.Recorder = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "framecache",
	}
}

// NewCollector creates a collector with its own registry. A disabled
// collector accepts every call and records nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config: config,
		logger: logger.WithComponent("metrics"),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics endpoint on the configured port. It returns
// once the listener goroutine is running.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := c.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err})
		}
	}()

	c.logger.Info("Metrics server started", map[string]interface{}{
		"port": c.config.Port,
		"path": c.config.Path,
	})
	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (c *Collector) RecordHit(pool types.Pool) {
	if !c.config.Enabled {
		return
	}
	c.requests.WithLabelValues(pool.String(), "hit").Inc()
}

func (c *Collector) RecordMiss(pool types.Pool) {
	if !c.config.Enabled {
		return
	}
	c.requests.WithLabelValues(pool.String(), "miss").Inc()
}

func (c *Collector) RecordEvictions(pool types.Pool, reason cache.EvictionReason, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(pool.String(), string(reason)).Add(float64(n))
}

func (c *Collector) RecordRejection(pool types.Pool) {
	if !c.config.Enabled {
		return
	}
	c.rejections.WithLabelValues(pool.String()).Inc()
}

// UpdatePool sets the gauges of one pool from a stats snapshot and the live
// memory figures behind it.
func (c *Collector) UpdatePool(stats types.PoolStats, memory types.MemoryStats) {
	if !c.config.Enabled {
		return
	}

	name := stats.Pool.String()
	c.usedBytes.WithLabelValues(name).Set(float64(stats.UsedBytes))
	c.capacityBytes.WithLabelValues(name).Set(float64(stats.CapacityBytes))
	c.items.WithLabelValues(name).Set(float64(stats.ItemCount))
	c.groups.WithLabelValues(name).Set(float64(stats.GroupCount))
	c.memoryTotal.WithLabelValues(name).Set(float64(memory.TotalBytes))
	c.memoryUsed.WithLabelValues(name).Set(float64(memory.UsedBytes))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      name,
			Help:      help,
		}, []string{"pool"})
	}

	c.usedBytes = gauge("cache_used_bytes", "Bytes held by cached entries")
	c.capacityBytes = gauge("cache_capacity_bytes", "Resolved byte budget of the pool")
	c.items = gauge("cache_items", "Number of cached entries")
	c.groups = gauge("cache_groups", "Number of distinct groups with cached entries")
	c.memoryTotal = gauge("memory_total_bytes", "Total memory backing the pool")
	c.memoryUsed = gauge("memory_used_bytes", "Used memory backing the pool")

	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by outcome",
	}, []string{"pool", "type"})

	c.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_evictions_total",
		Help:      "Entries removed from the cache by reason",
	}, []string{"pool", "reason"})

	c.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_rejections_total",
		Help:      "Payloads refused because they exceed the pool budget",
	}, []string{"pool"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.usedBytes,
		c.capacityBytes,
		c.items,
		c.groups,
		c.memoryTotal,
		c.memoryUsed,
		c.requests,
		c.evictions,
		c.rejections,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"framecache-metrics"}`))
}
