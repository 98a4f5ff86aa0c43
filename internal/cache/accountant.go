package cache

// MemoryAccountant keeps the running totals of one pool. It has no lock of
// its own: every call happens under the owning CachePool's lock, and it is
// the only code that changes the counters.
type MemoryAccountant struct {
	usedBytes     uint64
	capacityBytes uint64
	itemCount     uint32
	// groups maps group name to resident entry count.
	groups map[string]int
}

// NewMemoryAccountant returns an empty accountant with the given budget.
func NewMemoryAccountant(capacityBytes uint64) *MemoryAccountant {
	return &MemoryAccountant{
		capacityBytes: capacityBytes,
		groups:        make(map[string]int),
	}
}

// CanAdmit reports whether used+size fits the budget.
func (a *MemoryAccountant) CanAdmit(size uint64) bool {
	return size <= a.capacityBytes && a.usedBytes <= a.capacityBytes-size
}

// Admit counts e as resident. The caller must have checked CanAdmit under
// the same lock hold.
func (a *MemoryAccountant) Admit(e *Entry) {
	a.usedBytes += e.Size
	a.itemCount++
	a.groups[e.Key.Group]++
}

// Remove stops counting e. The group disappears with its last entry.
func (a *MemoryAccountant) Remove(e *Entry) {
	a.usedBytes -= e.Size
	a.itemCount--
	if n := a.groups[e.Key.Group]; n <= 1 {
		delete(a.groups, e.Key.Group)
	} else {
		a.groups[e.Key.Group] = n - 1
	}
}

// SetCapacity changes the budget without evicting anything.
func (a *MemoryAccountant) SetCapacity(capacityBytes uint64) {
	a.capacityBytes = capacityBytes
}

// Reset zeroes usage. Capacity is kept.
func (a *MemoryAccountant) Reset() {
	a.usedBytes = 0
	a.itemCount = 0
	a.groups = make(map[string]int)
}

func (a *MemoryAccountant) UsedBytes() uint64     { return a.usedBytes }
func (a *MemoryAccountant) CapacityBytes() uint64 { return a.capacityBytes }
func (a *MemoryAccountant) ItemCount() uint32     { return a.itemCount }
func (a *MemoryAccountant) GroupCount() uint32    { return uint32(len(a.groups)) }

// GroupItemCount returns the number of resident entries in group.
func (a *MemoryAccountant) GroupItemCount(group string) int { return a.groups[group] }

// Overage returns how far usage exceeds the budget, or zero.
func (a *MemoryAccountant) Overage() uint64 {
	if a.usedBytes <= a.capacityBytes {
		return 0
	}
	return a.usedBytes - a.capacityBytes
}

// Shortfall returns the bytes that must be freed before size fits.
func (a *MemoryAccountant) Shortfall(size uint64) uint64 {
	free := uint64(0)
	if a.capacityBytes > a.usedBytes {
		free = a.capacityBytes - a.usedBytes
	}
	if size <= free {
		return 0
	}
	return size - free
}
