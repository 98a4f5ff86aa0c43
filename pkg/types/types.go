package types

import (
	"fmt"
	"strings"
)

// Pool identifies one of the two independently budgeted resource pools.
type Pool int

const (
	PoolGPU Pool = iota
	PoolCPU
)

// Pools lists every pool in a stable order.
var Pools = []Pool{PoolGPU, PoolCPU}

// String returns the lower-case pool name
func (p Pool) String() string {
	switch p {
	case PoolGPU:
		return "gpu"
	case PoolCPU:
		return "cpu"
	default:
		return fmt.Sprintf("pool(%d)", int(p))
	}
}

// Label returns the upper-case name used in human readable summaries
func (p Pool) Label() string {
	return strings.ToUpper(p.String())
}

// Valid reports whether p names a known pool
func (p Pool) Valid() bool {
	return p == PoolGPU || p == PoolCPU
}

// ParsePool converts a pool name ("gpu", "cpu", any case) to a Pool.
func ParsePool(name string) (Pool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpu":
		return PoolGPU, nil
	case "cpu":
		return PoolCPU, nil
	default:
		return 0, fmt.Errorf("unknown pool %q", name)
	}
}

// Scope identifies the configuration layer a capacity percent belongs to.
type Scope int

const (
	ScopeDefault Scope = iota
	ScopeOverride
)

// String returns the scope name
func (s Scope) String() string {
	switch s {
	case ScopeDefault:
		return "default"
	case ScopeOverride:
		return "override"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope converts a scope name to a Scope. "scene" is accepted as an
// alias of "override".
func ParseScope(name string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "default":
		return ScopeDefault, nil
	case "override", "scene":
		return ScopeOverride, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", name)
	}
}

// PoolStats is a consistent snapshot of one pool's accounting state
type PoolStats struct {
	Pool          Pool    `json:"-"`
	Name          string  `json:"pool"`
	UsedBytes     uint64  `json:"used_bytes"`
	CapacityBytes uint64  `json:"capacity_bytes"`
	ItemCount     uint32  `json:"item_count"`
	GroupCount    uint32  `json:"group_count"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Rejections    uint64  `json:"rejections"`
	HitRate       float64 `json:"hit_rate"`
	Utilization   float64 `json:"utilization"`
}

// MemoryStats reports the live system memory backing a pool
type MemoryStats struct {
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}
