// Package telemetry periodically samples both cache pools and publishes
// their state.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// Source is the part of the cache facade the monitor reads.
type Source interface {
	types.StatsSource
	ApplyAll(ctx context.Context) error
	PoolTotalBytes(ctx context.Context, pool types.Pool) (uint64, error)
	PoolMemoryUsedBytes(ctx context.Context, pool types.Pool) (uint64, error)
	Brief() string
}

// Sink receives one update per pool per tick.
type Sink interface {
	UpdatePool(stats types.PoolStats, memory types.MemoryStats)
}

// MonitorConfig configures the refresh loop
type MonitorConfig struct {
	// Interval is the time between refreshes.
	Interval time.Duration

	// Reapply re-resolves both pool budgets before sampling so they follow
	// changes in machine memory.
	Reapply bool

	// MaxSamples bounds the sample history.
	MaxSamples int

	// OnIntervalChange is called after SetInterval applied a new value.
	OnIntervalChange func(time.Duration) error

	Sink   Sink
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   5 * time.Second,
		Reapply:    true,
		MaxSamples: 120,
	}
}

// PoolSample is one pool's state at a refresh.
type PoolSample struct {
	Stats  types.PoolStats   `json:"stats"`
	Memory types.MemoryStats `json:"memory"`
}

// Sample is the state of both pools at one refresh.
type Sample struct {
	Timestamp time.Time    `json:"timestamp"`
	Pools     []PoolSample `json:"pools"`
}

// Monitor refreshes pool telemetry on a ticker.
type Monitor struct {
	config MonitorConfig
	source Source
	logger *utils.StructuredLogger

	mu       sync.RWMutex
	interval time.Duration
	samples  []Sample

	intervalCh chan time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	active     int32
}

// NewMonitor creates a monitor over source.
func NewMonitor(source Source, config MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &Monitor{
		config:     config,
		source:     source,
		logger:     config.Logger.WithComponent("telemetry"),
		interval:   config.Interval,
		samples:    make([]Sample, 0, config.MaxSamples),
		intervalCh: make(chan time.Duration, 1),
	}
}

// Start begins the refresh loop. It samples once immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return errors.ErrAlreadyStarted
	}

	m.mu.Lock()
	m.stopCh = make(chan struct{})
	interval := m.interval
	m.mu.Unlock()

	m.logger.Info("Starting telemetry monitor", map[string]interface{}{
		"interval": interval.String(),
		"reapply":  m.config.Reapply,
	})

	m.wg.Add(1)
	go m.loop(ctx, interval)
	return nil
}

// Stop stops the refresh loop and waits for it to exit.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil
	}

	m.logger.Info("Stopping telemetry monitor", nil)
	m.mu.RLock()
	close(m.stopCh)
	m.mu.RUnlock()
	m.wg.Wait()
	return nil
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	return atomic.LoadInt32(&m.active) == 1
}

// Interval returns the current refresh interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// SetInterval changes the refresh interval; a running loop picks it up at
// once.
func (m *Monitor) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "refresh interval must be positive, got %s", interval).
			WithComponent("telemetry")
	}

	// Keep only the newest pending value. Senders are serialized by mu, so
	// the send after the drain never blocks.
	m.mu.Lock()
	m.interval = interval
	select {
	case <-m.intervalCh:
	default:
	}
	select {
	case m.intervalCh <- interval:
	default:
	}
	m.mu.Unlock()

	if m.config.OnIntervalChange != nil {
		return m.config.OnIntervalChange(interval)
	}
	return nil
}

// Samples returns the sample history, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Latest returns the newest sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Refresh performs one refresh outside the loop.
func (m *Monitor) Refresh(ctx context.Context) Sample {
	if m.config.Reapply {
		if err := m.source.ApplyAll(ctx); err != nil {
			m.logger.Warn("Failed to re-apply pool capacity", map[string]interface{}{"error": err})
		}
	}

	sample := Sample{
		Timestamp: time.Now(),
		Pools:     make([]PoolSample, 0, len(types.Pools)),
	}
	for _, pool := range types.Pools {
		ps := PoolSample{Stats: m.source.Stats(pool)}
		if total, err := m.source.PoolTotalBytes(ctx, pool); err == nil {
			ps.Memory.TotalBytes = total
		} else {
			m.logger.Debug("Memory total unavailable", map[string]interface{}{"pool": pool.String(), "error": err})
		}
		if used, err := m.source.PoolMemoryUsedBytes(ctx, pool); err == nil {
			ps.Memory.UsedBytes = used
		} else {
			m.logger.Debug("Memory usage unavailable", map[string]interface{}{"pool": pool.String(), "error": err})
		}

		if m.config.Sink != nil {
			m.config.Sink.UpdatePool(ps.Stats, ps.Memory)
		}
		sample.Pools = append(sample.Pools, ps)
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	m.mu.Unlock()

	if m.logger.Enabled(utils.DEBUG) {
		m.logger.Debug(m.source.Brief(), nil)
	}
	return sample
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&m.active, 0)
			return
		case <-m.stopCh:
			return
		case d := <-m.intervalCh:
			ticker.Reset(d)
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
