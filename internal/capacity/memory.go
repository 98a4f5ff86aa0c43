package capacity

import (
	"context"

	"github.com/prometheus/procfs"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/retry"
	"github.com/framecache/framecache/pkg/types"
)

// MemoryQuery is the live memory capability a pool's budget is derived from.
type MemoryQuery = types.MemoryQuery

// ProcMemory reports host memory from /proc/meminfo. It backs the CPU pool.
type ProcMemory struct {
	fs      procfs.FS
	retryer *retry.Retryer
}

// NewProcMemory opens the proc filesystem at mountPoint. An empty mountPoint
// uses procfs.DefaultMountPoint.
func NewProcMemory(mountPoint string, retryConfig *retry.Config) (*ProcMemory, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMemoryQuery, "open proc filesystem").
			WithComponent("capacity").WithOperation("new_proc_memory").
			WithContext("mount_point", mountPoint)
	}

	cfg := retry.DefaultConfig()
	if retryConfig != nil {
		cfg = *retryConfig
	}
	return &ProcMemory{fs: fs, retryer: retry.New(cfg)}, nil
}

type meminfoSnapshot struct {
	total     uint64
	available uint64
}

func (m *ProcMemory) read(ctx context.Context) (meminfoSnapshot, error) {
	var snap meminfoSnapshot
	err := m.retryer.DoWithContext(ctx, func(context.Context) error {
		mi, err := m.fs.Meminfo()
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeMemoryQuery, "read meminfo").
				WithComponent("capacity").WithOperation("meminfo")
		}
		if mi.MemTotal == nil {
			return errors.NewError(errors.ErrCodeMemoryQuery, "meminfo has no MemTotal").
				WithComponent("capacity").WithOperation("meminfo")
		}
		snap.total = *mi.MemTotal * 1024
		switch {
		case mi.MemAvailable != nil:
			snap.available = *mi.MemAvailable * 1024
		case mi.MemFree != nil:
			// Kernels before 3.14 have no MemAvailable.
			free := *mi.MemFree
			if mi.Buffers != nil {
				free += *mi.Buffers
			}
			if mi.Cached != nil {
				free += *mi.Cached
			}
			snap.available = free * 1024
		}
		if snap.available > snap.total {
			snap.available = snap.total
		}
		return nil
	})
	return snap, err
}

// TotalBytes returns MemTotal in bytes.
func (m *ProcMemory) TotalBytes(ctx context.Context) (uint64, error) {
	snap, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	return snap.total, nil
}

// UsedBytes returns MemTotal minus MemAvailable in bytes.
func (m *ProcMemory) UsedBytes(ctx context.Context) (uint64, error) {
	snap, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	return snap.total - snap.available, nil
}

// StaticMemory reports fixed values. It backs the GPU pool when no driver
// query is available, and fakes memory in tests.
type StaticMemory struct {
	Total uint64
	Used  uint64
}

func (m StaticMemory) TotalBytes(context.Context) (uint64, error) { return m.Total, nil }

func (m StaticMemory) UsedBytes(context.Context) (uint64, error) { return m.Used, nil }

// MemoryFunc adapts plain functions to MemoryQuery. A nil Used reports zero.
type MemoryFunc struct {
	Total func(ctx context.Context) (uint64, error)
	Used  func(ctx context.Context) (uint64, error)
}

func (f MemoryFunc) TotalBytes(ctx context.Context) (uint64, error) {
	if f.Total == nil {
		return 0, errors.NewError(errors.ErrCodeMemoryQuery, "no total memory function").
			WithComponent("capacity")
	}
	return f.Total(ctx)
}

func (f MemoryFunc) UsedBytes(ctx context.Context) (uint64, error) {
	if f.Used == nil {
		return 0, nil
	}
	return f.Used(ctx)
}
