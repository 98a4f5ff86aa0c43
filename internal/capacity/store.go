// Package capacity resolves the byte budget of each cache pool from two
// configuration scopes and a live memory query.
//
// A pool's budget is always derived from a percent and the total memory
// measured at resolution time. Absolute byte values are never stored, so the
// budget follows the machine when its memory changes.
package capacity

import (
	"context"
	"math"
	"sync"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// Built-in default percents used when no default has been configured.
const (
	DefaultGPUPercent = 50.0
	DefaultCPUPercent = 25.0
)

// BuiltinDefaultPercent returns the percent a pool falls back to when its
// default scope was never set.
func BuiltinDefaultPercent(pool types.Pool) float64 {
	if pool == types.PoolCPU {
		return DefaultCPUPercent
	}
	return DefaultGPUPercent
}

// ClampPercent limits p to [0,100]. NaN clamps to 0.
func ClampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// PercentToBytes returns floor(clamp(p,0,100)/100 * total).
func PercentToBytes(p float64, total uint64) uint64 {
	p = ClampPercent(p)
	if p == 100 {
		return total
	}
	return uint64(math.Floor(p * float64(total) / 100))
}

// ScopeContext is the layered configuration for one pool at one moment.
type ScopeContext struct {
	OverrideEnabled bool
	// OverridePercent is nil when no override value is stored.
	OverridePercent *float64
	DefaultPercent  float64
}

// EffectivePercent applies the scope resolution rule.
func (sc ScopeContext) EffectivePercent() float64 {
	if sc.OverrideEnabled && sc.OverridePercent != nil {
		return ClampPercent(*sc.OverridePercent)
	}
	return ClampPercent(sc.DefaultPercent)
}

// Persister stores capacity settings outside the process. Defaults belong to
// the user; override values and the enabled flag belong to the document.
type Persister interface {
	SaveDefaultPercent(pool types.Pool, percent float64) error
	SaveOverridePercent(pool types.Pool, percent float64) error
	SaveOverrideEnabled(enabled bool) error
}

// Settings is a full set of values for both scopes, as loaded from disk.
type Settings struct {
	DefaultPercent  map[types.Pool]float64
	OverrideEnabled bool
	// OverridePercent omits pools that have no override stored.
	OverridePercent map[types.Pool]float64
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Memory holds one live memory query per pool. Both pools are required.
	Memory    map[types.Pool]types.MemoryQuery
	Persister Persister
	Logger    *utils.StructuredLogger
}

type poolSettings struct {
	defaultPercent  *float64
	overridePercent *float64
}

// Store holds the two configuration scopes for every pool and resolves them
// into byte budgets.
type Store struct {
	mu              sync.RWMutex
	pools           map[types.Pool]*poolSettings
	overrideEnabled bool

	memory    map[types.Pool]types.MemoryQuery
	persister Persister
	logger    *utils.StructuredLogger
}

// NewStore creates a store with no scope values set.
func NewStore(config StoreConfig) (*Store, error) {
	for _, pool := range types.Pools {
		if config.Memory[pool] == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "no memory query for %s pool", pool).
				WithComponent("capacity").WithOperation("new_store")
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	s := &Store{
		pools:     make(map[types.Pool]*poolSettings, len(types.Pools)),
		memory:    config.Memory,
		persister: config.Persister,
		logger:    logger.WithComponent("capacity"),
	}
	for _, pool := range types.Pools {
		s.pools[pool] = &poolSettings{}
	}
	return s, nil
}

func poolError(pool types.Pool, op string) *errors.CacheError {
	return errors.Newf(errors.ErrCodePoolUnresolved, "pool %s not recognized", pool).
		WithComponent("capacity").WithOperation(op)
}

// ScopeContext snapshots the current configuration of pool.
func (s *Store) ScopeContext(pool types.Pool) (ScopeContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.pools[pool]
	if !ok {
		return ScopeContext{}, poolError(pool, "scope_context")
	}

	sc := ScopeContext{
		OverrideEnabled: s.overrideEnabled,
		DefaultPercent:  BuiltinDefaultPercent(pool),
	}
	if ps.defaultPercent != nil {
		sc.DefaultPercent = *ps.defaultPercent
	}
	if ps.overridePercent != nil {
		v := *ps.overridePercent
		sc.OverridePercent = &v
	}
	return sc, nil
}

// EffectiveCapacity resolves sc against the live total memory of pool.
func (s *Store) EffectiveCapacity(ctx context.Context, pool types.Pool, sc ScopeContext) (uint64, error) {
	total, err := s.TotalBytes(ctx, pool)
	if err != nil {
		return 0, err
	}
	return PercentToBytes(sc.EffectivePercent(), total), nil
}

// Resolve returns the byte budget of pool under the current configuration.
func (s *Store) Resolve(ctx context.Context, pool types.Pool) (uint64, error) {
	sc, err := s.ScopeContext(pool)
	if err != nil {
		return 0, err
	}
	return s.EffectiveCapacity(ctx, pool, sc)
}

// TotalBytes queries the live total memory of pool. It is never cached.
func (s *Store) TotalBytes(ctx context.Context, pool types.Pool) (uint64, error) {
	q, ok := s.memory[pool]
	if !ok {
		return 0, poolError(pool, "total_bytes")
	}
	total, err := q.TotalBytes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMemoryQuery, "total memory query failed").
			WithComponent("capacity").WithOperation("total_bytes").WithContext("pool", pool.String())
	}
	return total, nil
}

// UsedBytes queries the live used memory of pool.
func (s *Store) UsedBytes(ctx context.Context, pool types.Pool) (uint64, error) {
	q, ok := s.memory[pool]
	if !ok {
		return 0, poolError(pool, "used_bytes")
	}
	used, err := q.UsedBytes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMemoryQuery, "used memory query failed").
			WithComponent("capacity").WithOperation("used_bytes").WithContext("pool", pool.String())
	}
	return used, nil
}

// Percent returns the stored percent of one scope. ok is false when the
// scope holds no value; the default scope then reports the built-in percent.
func (s *Store) Percent(pool types.Pool, scope types.Scope) (percent float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, exists := s.pools[pool]
	if !exists {
		return 0, false
	}
	switch scope {
	case types.ScopeDefault:
		if ps.defaultPercent == nil {
			return BuiltinDefaultPercent(pool), false
		}
		return *ps.defaultPercent, true
	case types.ScopeOverride:
		if ps.overridePercent == nil {
			return 0, false
		}
		return *ps.overridePercent, true
	}
	return 0, false
}

// SetPercent stores a clamped percent for one scope and persists it. It does
// not resize any pool.
func (s *Store) SetPercent(pool types.Pool, scope types.Scope, percent float64) error {
	clamped := ClampPercent(percent)

	s.mu.Lock()
	ps, ok := s.pools[pool]
	if !ok {
		s.mu.Unlock()
		return poolError(pool, "set_percent")
	}
	switch scope {
	case types.ScopeDefault:
		ps.defaultPercent = &clamped
	case types.ScopeOverride:
		ps.overridePercent = &clamped
	default:
		s.mu.Unlock()
		return errors.Newf(errors.ErrCodeScopeUnresolved, "scope %s not recognized", scope).
			WithComponent("capacity").WithOperation("set_percent")
	}
	s.mu.Unlock()

	if clamped != percent {
		s.logger.Debug("Capacity percent clamped", map[string]interface{}{
			"pool":      pool.String(),
			"scope":     scope.String(),
			"requested": percent,
			"stored":    clamped,
		})
	}

	if s.persister == nil {
		return nil
	}
	var err error
	if scope == types.ScopeDefault {
		err = s.persister.SaveDefaultPercent(pool, clamped)
	} else {
		err = s.persister.SaveOverridePercent(pool, clamped)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "persist capacity percent").
			WithComponent("capacity").WithOperation("set_percent").
			WithContext("pool", pool.String()).WithContext("scope", scope.String())
	}
	return nil
}

// OverrideEnabled reports whether override values take effect.
func (s *Store) OverrideEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrideEnabled
}

// SetOverrideEnabled toggles the override scope. Stored override values are
// kept either way.
func (s *Store) SetOverrideEnabled(enabled bool) error {
	s.mu.Lock()
	s.overrideEnabled = enabled
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveOverrideEnabled(enabled); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "persist override flag").
			WithComponent("capacity").WithOperation("set_override_enabled")
	}
	return nil
}

// Load replaces both scopes with settings without persisting anything.
// Pools missing from DefaultPercent revert to the built-in default.
func (s *Store) Load(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrideEnabled = settings.OverrideEnabled
	for _, pool := range types.Pools {
		ps := s.pools[pool]
		ps.defaultPercent = nil
		ps.overridePercent = nil
		if v, ok := settings.DefaultPercent[pool]; ok {
			c := ClampPercent(v)
			ps.defaultPercent = &c
		}
		if v, ok := settings.OverridePercent[pool]; ok {
			c := ClampPercent(v)
			ps.overridePercent = &c
		}
	}
}
