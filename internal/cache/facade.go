package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/framecache/framecache/internal/capacity"
	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// FacadeConfig configures a Facade.
type FacadeConfig struct {
	Store    *capacity.Store
	Recorder Recorder
	Logger   *utils.StructuredLogger
	// NewEvictor builds the eviction order for each pool. Nil means LRU.
	NewEvictor func(pool types.Pool) Evictor
}

// Facade owns the GPU and CPU pools and the path from capacity settings to
// enforced budgets. No lock is ever held across both pools.
type Facade struct {
	pools map[types.Pool]*CachePool
	// applyMu serializes settings resolution and resize per pool, so a slow
	// resolution never overwrites a newer budget. The pool lock stays free
	// while resolving.
	applyMu map[types.Pool]*sync.Mutex
	store   *capacity.Store
	seq     *Sequence
	logger  *utils.StructuredLogger
}

// NewFacade builds both pools and applies the store's current settings.
func NewFacade(ctx context.Context, config FacadeConfig) (*Facade, error) {
	if config.Store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "capacity store is required").
			WithComponent("cache").WithOperation("new_facade")
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	f := &Facade{
		pools:   make(map[types.Pool]*CachePool, len(types.Pools)),
		applyMu: make(map[types.Pool]*sync.Mutex, len(types.Pools)),
		store:   config.Store,
		seq:     &Sequence{},
		logger:  logger.WithComponent("cache"),
	}
	for _, pool := range types.Pools {
		f.applyMu[pool] = &sync.Mutex{}
		var evictor Evictor
		if config.NewEvictor != nil {
			evictor = config.NewEvictor(pool)
		}
		f.pools[pool] = NewCachePool(PoolConfig{
			Pool:     pool,
			Sequence: f.seq,
			Evictor:  evictor,
			Recorder: config.Recorder,
			Logger:   logger,
		})
	}

	if err := f.ApplyAll(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Pool returns the cache of pool. An unknown pool is a programming error
// and panics with a POOL_UNRESOLVED CacheError.
func (f *Facade) Pool(pool types.Pool) *CachePool {
	p, ok := f.pools[pool]
	if !ok {
		panic(errors.Newf(errors.ErrCodePoolUnresolved, "pool %s not recognized", pool).
			WithComponent("cache").WithOperation("resolve_pool"))
	}
	return p
}

func (f *Facade) Get(pool types.Pool, key Key) (Entry, bool) {
	return f.Pool(pool).Get(key)
}

func (f *Facade) Put(pool types.Pool, key Key, payload interface{}, size uint64) PutResult {
	return f.Pool(pool).Put(key, payload, size)
}

func (f *Facade) Evict(pool types.Pool, key Key) bool {
	return f.Pool(pool).Evict(key)
}

func (f *Facade) EvictGroup(pool types.Pool, group string) int {
	return f.Pool(pool).EvictGroup(group)
}

func (f *Facade) Clear(pool types.Pool) int {
	return f.Pool(pool).Clear()
}

func (f *Facade) Contains(pool types.Pool, key Key) bool {
	return f.Pool(pool).Contains(key)
}

// Stats returns the accounting snapshot of pool.
func (f *Facade) Stats(pool types.Pool) types.PoolStats {
	return f.Pool(pool).Stats()
}

func (f *Facade) PoolUsedBytes(pool types.Pool) uint64     { return f.Stats(pool).UsedBytes }
func (f *Facade) PoolCapacityBytes(pool types.Pool) uint64 { return f.Stats(pool).CapacityBytes }
func (f *Facade) PoolItemCount(pool types.Pool) uint32     { return f.Stats(pool).ItemCount }
func (f *Facade) PoolGroupCount(pool types.Pool) uint32    { return f.Stats(pool).GroupCount }

// PoolTotalBytes returns the live total memory behind pool.
func (f *Facade) PoolTotalBytes(ctx context.Context, pool types.Pool) (uint64, error) {
	f.Pool(pool)
	return f.store.TotalBytes(ctx, pool)
}

// PoolMemoryUsedBytes returns the live used system memory behind pool.
func (f *Facade) PoolMemoryUsedBytes(ctx context.Context, pool types.Pool) (uint64, error) {
	f.Pool(pool)
	return f.store.UsedBytes(ctx, pool)
}

// ApplyCapacityConfig resolves sc to bytes and resizes pool to match. The
// pool lock is only taken for the resize.
func (f *Facade) ApplyCapacityConfig(ctx context.Context, pool types.Pool, sc capacity.ScopeContext) (uint64, error) {
	p := f.Pool(pool)
	mu := f.applyMu[pool]
	mu.Lock()
	defer mu.Unlock()
	return f.resolveAndResize(ctx, p, sc)
}

func (f *Facade) resolveAndResize(ctx context.Context, p *CachePool, sc capacity.ScopeContext) (uint64, error) {
	bytes, err := f.store.EffectiveCapacity(ctx, p.Pool(), sc)
	if err != nil {
		f.logger.Error("Failed to resolve pool capacity", map[string]interface{}{
			"pool":  p.Pool().String(),
			"error": err,
		})
		return 0, err
	}
	p.Resize(bytes)
	return bytes, nil
}

// apply snapshots the stored scopes of pool and enforces them. The snapshot
// is taken under the apply lock, so the last settings write always wins.
func (f *Facade) apply(ctx context.Context, pool types.Pool) error {
	p := f.Pool(pool)
	mu := f.applyMu[pool]
	mu.Lock()
	defer mu.Unlock()

	sc, err := f.store.ScopeContext(pool)
	if err != nil {
		return err
	}
	_, err = f.resolveAndResize(ctx, p, sc)
	return err
}

// ApplyAll re-resolves and applies the budget of every pool, so budgets
// follow changes in machine memory.
func (f *Facade) ApplyAll(ctx context.Context) error {
	var errs error
	for _, pool := range types.Pools {
		errs = multierr.Append(errs, f.apply(ctx, pool))
	}
	return errs
}

// SetPoolCapacityPercent stores percent for one scope of pool and applies
// the resulting budget. A persistence failure is returned after the new
// budget has been applied.
func (f *Facade) SetPoolCapacityPercent(ctx context.Context, pool types.Pool, scope types.Scope, percent float64) error {
	f.Pool(pool)
	setErr := f.store.SetPercent(pool, scope, percent)
	if setErr != nil && errors.GetCode(setErr) != errors.ErrCodeConfigSave {
		return setErr
	}
	return multierr.Append(setErr, f.apply(ctx, pool))
}

// SceneCapacityOverrideEnabled reports whether document overrides apply.
func (f *Facade) SceneCapacityOverrideEnabled() bool {
	return f.store.OverrideEnabled()
}

// SetSceneCapacityOverrideEnabled toggles document overrides and re-applies
// both pools.
func (f *Facade) SetSceneCapacityOverrideEnabled(ctx context.Context, enabled bool) error {
	setErr := f.store.SetOverrideEnabled(enabled)
	return multierr.Append(setErr, f.ApplyAll(ctx))
}

// ReloadSettings replaces both configuration scopes with persisted values
// and re-applies both pools.
func (f *Facade) ReloadSettings(ctx context.Context, settings capacity.Settings) error {
	f.store.Load(settings)
	f.logger.Info("Capacity settings reloaded", map[string]interface{}{
		"override_enabled": settings.OverrideEnabled,
	})
	return f.ApplyAll(ctx)
}

// EffectivePercent returns the percent currently in force for pool.
func (f *Facade) EffectivePercent(pool types.Pool) float64 {
	f.Pool(pool)
	sc, err := f.store.ScopeContext(pool)
	if err != nil {
		return 0
	}
	return sc.EffectivePercent()
}

// Brief returns one summary line per pool, for example
//
//	GPU cache | item_count=12 items | group_count=2 | used=96MB | capacity=4096MB | percent=50%
func (f *Facade) Brief() string {
	const mb = 1 << 20
	lines := make([]string, 0, len(types.Pools))
	for _, pool := range types.Pools {
		s := f.Stats(pool)
		lines = append(lines, fmt.Sprintf("%s cache | item_count=%d items | group_count=%d | used=%dMB | capacity=%dMB | percent=%s%%",
			pool.Label(), s.ItemCount, s.GroupCount, s.UsedBytes/mb, s.CapacityBytes/mb,
			strconv.FormatFloat(f.EffectivePercent(pool), 'f', -1, 64)))
	}
	return strings.Join(lines, "\n")
}
