/*
Package cache implements the memory-bounded frame cache that backs
interactive playback.

The cache is split across two independently budgeted resource pools, GPU
texture memory and host CPU memory. Each pool is a CachePool; a Facade owns
one of each and is the single path by which capacity settings reach them.

# Pools

	┌──────────────────────────────────────────────┐
	│                   Facade                     │
	│   Get / Put / Evict / Clear / ApplyAll ...   │
	└──────────────────────────────────────────────┘
	          │                         │
	┌───────────────────┐     ┌───────────────────┐
	│  CachePool (GPU)  │     │  CachePool (CPU)  │
	│  MemoryAccountant │     │  MemoryAccountant │
	│  Evictor (LRU)    │     │  Evictor (LRU)    │
	└───────────────────┘     └───────────────────┘

A pool holds one exclusive lock for every mutation. The MemoryAccountant
tracks used bytes, item count and the number of distinct groups (source
clips); it is only touched under that lock, so used bytes never exceed
capacity outside a single operation. Telemetry reads take the read lock and
see a consistent snapshot.

# Eviction

Victims are chosen by global least-recently-used order across all groups.
Recency comes from a sequence counter shared by both pools of a facade;
entries with equal sequence values leave in insertion order. Groups are
tallied for telemetry only and carry no eviction weight. The Evictor
interface allows another ordering to be plugged in per pool.

# Usage

	store, _ := capacity.NewStore(capacity.StoreConfig{Memory: queries})
	facade, err := cache.NewFacade(ctx, cache.FacadeConfig{Store: store})
	if err != nil {
		return err
	}

	key := cache.Key{Group: "shot_010_plate", Frame: 1001, Variant: "acescg"}
	if entry, ok := facade.Get(types.PoolGPU, key); ok {
		return entry.Payload, nil
	}
	texture := decode(key)
	if facade.Put(types.PoolGPU, key, texture, texture.Bytes()) == cache.PutRejected {
		// Larger than the whole budget: use once, do not cache.
	}

Capacity changes go through the facade so the configured and enforced
budgets never drift:

	err := facade.SetPoolCapacityPercent(ctx, types.PoolCPU, types.ScopeOverride, 40)
*/
package cache
