package capacity

import (
	"context"
	"sync"

	"github.com/framecache/framecache/internal/circuit"
	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/health"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// DefaultFallbackTotal is the conservative total assumed when a pool's
// memory has never been measured: 1 GiB.
const DefaultFallbackTotal uint64 = 1 << 30

// FallbackMemory wraps a MemoryQuery so that failures degrade to the last
// known value instead of reaching the cache.
type FallbackMemory struct {
	pool         types.Pool
	inner        types.MemoryQuery
	conservative uint64
	tracker      *health.Tracker
	breaker      *circuit.Breaker
	logger       *utils.StructuredLogger

	mu        sync.Mutex
	lastTotal uint64
	lastUsed  uint64
}

// HealthComponent is the tracker component name for a pool's memory query.
func HealthComponent(pool types.Pool) string {
	return "memory:" + pool.String()
}

// NewFallbackMemory wraps inner. A zero conservative total uses
// DefaultFallbackTotal. tracker and logger may be nil.
func NewFallbackMemory(pool types.Pool, inner types.MemoryQuery, conservative uint64, tracker *health.Tracker, logger *utils.StructuredLogger) *FallbackMemory {
	if conservative == 0 {
		conservative = DefaultFallbackTotal
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if tracker != nil {
		tracker.RegisterComponent(HealthComponent(pool))
		tracker.SetComponentMetadata(HealthComponent(pool), "conservative_total", conservative)
	}
	return &FallbackMemory{
		pool:         pool,
		inner:        inner,
		conservative: conservative,
		tracker:      tracker,
		logger:       logger.WithComponent("capacity").WithField("pool", pool.String()),
	}
}

// WithBreaker routes queries through b. While b is open the inner query is
// skipped and the fallback answers directly.
func (f *FallbackMemory) WithBreaker(b *circuit.Breaker) *FallbackMemory {
	f.breaker = b
	return f
}

func (f *FallbackMemory) query(ctx context.Context, fn func(context.Context) (uint64, error)) (uint64, error) {
	if f.breaker == nil {
		return fn(ctx)
	}
	var n uint64
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = fn(ctx)
		return err
	})
	return n, err
}

// TotalBytes never fails. A zero total counts as a failed query.
func (f *FallbackMemory) TotalBytes(ctx context.Context) (uint64, error) {
	total, err := f.query(ctx, f.inner.TotalBytes)
	if err == nil && total > 0 {
		f.mu.Lock()
		f.lastTotal = total
		f.mu.Unlock()
		if f.tracker != nil {
			f.tracker.RecordSuccess(HealthComponent(f.pool))
		}
		return total, nil
	}

	f.mu.Lock()
	fallback, source := f.lastTotal, "last_known"
	f.mu.Unlock()
	if fallback == 0 {
		fallback, source = f.conservative, "conservative"
	}

	if err == nil {
		err = errors.NewError(errors.ErrCodeMemoryQuery, "query reported zero total")
	}
	f.logger.Warn("Total memory query failed, using fallback", map[string]interface{}{
		"fallback_total": fallback,
		"source":         source,
		"error":          err,
	})
	if f.tracker != nil {
		f.tracker.RecordError(HealthComponent(f.pool), err)
	}
	return fallback, nil
}

// UsedBytes never fails; errors report the last known value.
func (f *FallbackMemory) UsedBytes(ctx context.Context) (uint64, error) {
	used, err := f.query(ctx, f.inner.UsedBytes)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.logger.Debug("Used memory query failed", map[string]interface{}{"error": err})
		return f.lastUsed, nil
	}
	f.lastUsed = used
	return used, nil
}

// LastKnownTotal returns the most recent successful total, or zero.
func (f *FallbackMemory) LastKnownTotal() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTotal
}
