package types

import "context"

// MemoryQuery reports the live memory of one resource pool. Implementations
// may block briefly (driver or procfs reads) and honour ctx.
type MemoryQuery interface {
	TotalBytes(ctx context.Context) (uint64, error)
	UsedBytes(ctx context.Context) (uint64, error)
}

// StatsSource is anything that can produce pool telemetry snapshots.
type StatsSource interface {
	Stats(pool Pool) PoolStats
}
