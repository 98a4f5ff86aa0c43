package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

// PutResult is the outcome of CachePool.Put.
type PutResult int

const (
	// PutAdmitted means the payload is now resident.
	PutAdmitted PutResult = iota
	// PutAlreadyCached means the key was resident; only recency changed.
	PutAlreadyCached
	// PutRejected means the payload is larger than the pool budget. The
	// caller may use it once but it is not cached.
	PutRejected
)

func (r PutResult) String() string {
	switch r {
	case PutAdmitted:
		return "admitted"
	case PutAlreadyCached:
		return "already_cached"
	case PutRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stored reports whether the key is resident after the put.
func (r PutResult) Stored() bool { return r != PutRejected }

// Err returns ErrPayloadTooLarge for a rejected put and nil otherwise, for
// callers that handle rejection as an error.
func (r PutResult) Err() error {
	if r == PutRejected {
		return errors.ErrPayloadTooLarge
	}
	return nil
}

// EvictionReason labels why entries left a pool.
type EvictionReason string

const (
	ReasonPressure EvictionReason = "pressure"
	ReasonResize   EvictionReason = "resize"
	ReasonExplicit EvictionReason = "explicit"
	ReasonClear    EvictionReason = "clear"
	ReasonGroup    EvictionReason = "group"
)

// Recorder receives cache events, typically for metrics. Calls happen
// after the pool lock is released.
type Recorder interface {
	RecordHit(pool types.Pool)
	RecordMiss(pool types.Pool)
	RecordEvictions(pool types.Pool, reason EvictionReason, n int)
	RecordRejection(pool types.Pool)
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(types.Pool)                            {}
func (nopRecorder) RecordMiss(types.Pool)                           {}
func (nopRecorder) RecordEvictions(types.Pool, EvictionReason, int) {}
func (nopRecorder) RecordRejection(types.Pool)                      {}

// Sequence hands out access sequence values. One Sequence is shared by
// every pool of a facade.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next value, starting at 1.
func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// PoolConfig configures a CachePool.
type PoolConfig struct {
	Pool          types.Pool
	CapacityBytes uint64
	// Sequence defaults to a private counter.
	Sequence *Sequence
	// Evictor defaults to NewLRUEvictor().
	Evictor  Evictor
	Recorder Recorder
	Logger   *utils.StructuredLogger
}

// CachePool is the cache for one resource pool. One exclusive lock guards
// the entry set and its accounting, so no caller ever observes usage above
// capacity.
type CachePool struct {
	mu       sync.RWMutex
	pool     types.Pool
	entries  map[Key]*Entry
	acct     *MemoryAccountant
	evictor  Evictor
	seq      *Sequence
	inserted uint64

	hits       uint64
	misses     uint64
	evictions  uint64
	rejections uint64

	recorder Recorder
	logger   *utils.StructuredLogger
}

// NewCachePool creates an empty pool.
func NewCachePool(config PoolConfig) *CachePool {
	if config.Sequence == nil {
		config.Sequence = &Sequence{}
	}
	if config.Evictor == nil {
		config.Evictor = NewLRUEvictor()
	}
	if config.Recorder == nil {
		config.Recorder = nopRecorder{}
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &CachePool{
		pool:     config.Pool,
		entries:  make(map[Key]*Entry),
		acct:     NewMemoryAccountant(config.CapacityBytes),
		evictor:  config.Evictor,
		seq:      config.Sequence,
		recorder: config.Recorder,
		logger:   config.Logger.WithComponent("cache").WithField("pool", config.Pool.String()),
	}
}

// Pool returns the resource pool this cache serves.
func (p *CachePool) Pool() types.Pool { return p.pool }

// Get returns a copy of the entry for key and marks it most recently used.
// A miss has no side effect beyond the miss counter.
func (p *CachePool) Get(key Key) (Entry, bool) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.misses++
		p.mu.Unlock()
		p.recorder.RecordMiss(p.pool)
		return Entry{}, false
	}
	e.LastAccess = p.seq.Next()
	p.evictor.Touch(e)
	p.hits++
	snapshot := *e
	p.mu.Unlock()

	p.recorder.RecordHit(p.pool)
	return snapshot, true
}

// Contains reports whether key is resident without touching recency.
func (p *CachePool) Contains(key Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[key]
	return ok
}

// Put caches payload under key. A resident key is left as is apart from
// recency. Otherwise least recently used entries are evicted until size
// fits; a payload larger than the whole budget empties the pool and is
// still rejected.
func (p *CachePool) Put(key Key, payload interface{}, size uint64) PutResult {
	p.mu.Lock()

	if e, ok := p.entries[key]; ok {
		e.LastAccess = p.seq.Next()
		p.evictor.Touch(e)
		p.mu.Unlock()
		return PutAlreadyCached
	}

	evicted := 0
	if !p.acct.CanAdmit(size) {
		for _, victim := range p.evictor.SelectVictims(p.acct.Shortfall(size)) {
			p.removeLocked(victim)
			evicted++
		}
	}

	if !p.acct.CanAdmit(size) {
		p.rejections++
		capacity := p.acct.CapacityBytes()
		p.mu.Unlock()

		p.recordEvictions(ReasonPressure, evicted)
		p.recorder.RecordRejection(p.pool)
		p.logger.Debug("Payload larger than pool capacity, not cached", map[string]interface{}{
			"key":      key.String(),
			"size":     size,
			"capacity": capacity,
			"evicted":  evicted,
		})
		return PutRejected
	}

	p.inserted++
	e := &Entry{
		Key:        key,
		Payload:    payload,
		Size:       size,
		LastAccess: p.seq.Next(),
		inserted:   p.inserted,
	}
	p.entries[key] = e
	p.acct.Admit(e)
	p.evictor.Track(e)
	p.mu.Unlock()

	p.recordEvictions(ReasonPressure, evicted)
	return PutAdmitted
}

// Evict removes key. It reports whether the key was resident.
func (p *CachePool) Evict(key Key) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	if ok {
		p.recordEvictions(ReasonExplicit, 1)
	}
	return ok
}

// EvictGroup removes every entry of group and returns how many were removed.
func (p *CachePool) EvictGroup(group string) int {
	p.mu.Lock()
	var victims []*Entry
	if p.acct.GroupItemCount(group) > 0 {
		for _, e := range p.entries {
			if e.Key.Group == group {
				victims = append(victims, e)
			}
		}
	}
	for _, e := range victims {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	p.recordEvictions(ReasonGroup, len(victims))
	return len(victims)
}

// Clear removes every entry. Capacity is unchanged.
func (p *CachePool) Clear() int {
	p.mu.Lock()
	n := len(p.entries)
	p.entries = make(map[Key]*Entry)
	p.acct.Reset()
	p.evictor.Reset()
	p.evictions += uint64(n)
	p.mu.Unlock()

	p.recordEvictions(ReasonClear, n)
	if n > 0 {
		p.logger.Info("Cache cleared", map[string]interface{}{"evicted": n})
	}
	return n
}

// Resize sets a new budget and evicts least recently used entries until
// usage fits it. It returns the number of entries evicted.
func (p *CachePool) Resize(capacityBytes uint64) int {
	p.mu.Lock()
	old := p.acct.CapacityBytes()
	p.acct.SetCapacity(capacityBytes)

	evicted := 0
	if over := p.acct.Overage(); over > 0 {
		for _, victim := range p.evictor.SelectVictims(over) {
			p.removeLocked(victim)
			evicted++
		}
	}
	used := p.acct.UsedBytes()
	p.mu.Unlock()

	p.recordEvictions(ReasonResize, evicted)
	if old != capacityBytes {
		p.logger.Info("Cache capacity changed", map[string]interface{}{
			"old_capacity": old,
			"new_capacity": capacityBytes,
			"used":         used,
			"evicted":      evicted,
		})
	}
	return evicted
}

// GroupNames returns the resident group names in sorted order.
func (p *CachePool) GroupNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.acct.groups))
	for name := range p.acct.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupItemCount returns the number of resident entries in group.
func (p *CachePool) GroupItemCount(group string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.acct.GroupItemCount(group)
}

// GroupItemKeys returns the keys of group ordered by frame, then variant.
func (p *CachePool) GroupItemKeys(group string) []Key {
	p.mu.RLock()
	keys := make([]Key, 0, p.acct.GroupItemCount(group))
	for k := range p.entries {
		if k.Group == group {
			keys = append(keys, k)
		}
	}
	p.mu.RUnlock()

	sortKeys(keys)
	return keys
}

// Stats returns a consistent snapshot of the pool's accounting.
func (p *CachePool) Stats() types.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := types.PoolStats{
		Pool:          p.pool,
		Name:          p.pool.String(),
		UsedBytes:     p.acct.UsedBytes(),
		CapacityBytes: p.acct.CapacityBytes(),
		ItemCount:     p.acct.ItemCount(),
		GroupCount:    p.acct.GroupCount(),
		Hits:          p.hits,
		Misses:        p.misses,
		Evictions:     p.evictions,
		Rejections:    p.rejections,
	}
	if total := p.hits + p.misses; total > 0 {
		stats.HitRate = float64(p.hits) / float64(total)
	}
	if stats.CapacityBytes > 0 {
		stats.Utilization = float64(stats.UsedBytes) / float64(stats.CapacityBytes)
	}
	return stats
}

// removeLocked must be called with p.mu held for writing.
func (p *CachePool) removeLocked(e *Entry) {
	delete(p.entries, e.Key)
	p.acct.Remove(e)
	p.evictor.Forget(e)
	p.evictions++
}

func (p *CachePool) recordEvictions(reason EvictionReason, n int) {
	if n > 0 {
		p.recorder.RecordEvictions(p.pool, reason, n)
	}
}
