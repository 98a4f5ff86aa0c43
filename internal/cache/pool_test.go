package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
)

type countingRecorder struct {
	mu         sync.Mutex
	hits       int
	misses     int
	rejections int
	evictions  map[EvictionReason]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{evictions: make(map[EvictionReason]int)}
}

func (r *countingRecorder) RecordHit(types.Pool) {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordMiss(types.Pool) {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordEvictions(_ types.Pool, reason EvictionReason, n int) {
	r.mu.Lock()
	r.evictions[reason] += n
	r.mu.Unlock()
}

func (r *countingRecorder) RecordRejection(types.Pool) {
	r.mu.Lock()
	r.rejections++
	r.mu.Unlock()
}

func newTestPool(capacity uint64) *CachePool {
	return NewCachePool(PoolConfig{Pool: types.PoolCPU, CapacityBytes: capacity})
}

func key(group string, frame int64) Key {
	return Key{Group: group, Frame: frame}
}

// checkInvariant verifies used bytes equal the sum of resident sizes and
// never exceed capacity.
func checkInvariant(t *testing.T, p *CachePool) {
	t.Helper()
	p.mu.RLock()
	defer p.mu.RUnlock()

	var sum uint64
	groups := make(map[string]struct{})
	for _, e := range p.entries {
		sum += e.Size
		groups[e.Key.Group] = struct{}{}
	}
	if sum != p.acct.UsedBytes() {
		t.Errorf("used_bytes=%d, sum of entries=%d", p.acct.UsedBytes(), sum)
	}
	if p.acct.UsedBytes() > p.acct.CapacityBytes() {
		t.Errorf("used_bytes=%d exceeds capacity=%d", p.acct.UsedBytes(), p.acct.CapacityBytes())
	}
	if int(p.acct.ItemCount()) != len(p.entries) {
		t.Errorf("item_count=%d, entries=%d", p.acct.ItemCount(), len(p.entries))
	}
	if int(p.acct.GroupCount()) != len(groups) {
		t.Errorf("group_count=%d, distinct groups=%d", p.acct.GroupCount(), len(groups))
	}
}

func TestCachePool_PutGet(t *testing.T) {
	p := newTestPool(100)

	if res := p.Put(key("a", 1), "payload", 10); res != PutAdmitted {
		t.Fatalf("Put = %v, want admitted", res)
	}

	e, ok := p.Get(key("a", 1))
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Payload != "payload" || e.Size != 10 {
		t.Errorf("unexpected entry %+v", e)
	}

	if _, ok := p.Get(key("a", 2)); ok {
		t.Error("expected miss")
	}

	stats := p.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 0.5 {
		t.Errorf("unexpected stats %+v", stats)
	}
	checkInvariant(t, p)
}

func TestCachePool_PutIsIdempotent(t *testing.T) {
	p := newTestPool(100)

	p.Put(key("a", 1), "first", 10)
	before := p.Stats()

	if res := p.Put(key("a", 1), "second", 40); res != PutAlreadyCached {
		t.Fatalf("second Put = %v, want already_cached", res)
	}
	after := p.Stats()

	if after.ItemCount != before.ItemCount || after.UsedBytes != before.UsedBytes {
		t.Errorf("duplicate put changed accounting: before=%+v after=%+v", before, after)
	}
	e, _ := p.Get(key("a", 1))
	if e.Payload != "first" {
		t.Errorf("duplicate put replaced payload: %v", e.Payload)
	}
	checkInvariant(t, p)
}

func TestCachePool_EvictsOldestOnly(t *testing.T) {
	p := newTestPool(30)
	p.Put(key("clip", 1), "A", 10)
	p.Put(key("clip", 2), "B", 10)
	p.Put(key("clip", 3), "C", 10)

	if res := p.Put(key("clip", 4), "D", 10); res != PutAdmitted {
		t.Fatalf("Put D = %v, want admitted", res)
	}

	if p.Contains(key("clip", 1)) {
		t.Error("A should have been evicted")
	}
	for _, f := range []int64{2, 3, 4} {
		if !p.Contains(key("clip", f)) {
			t.Errorf("frame %d should be resident", f)
		}
	}
	if s := p.Stats(); s.UsedBytes != 30 || s.Evictions != 1 {
		t.Errorf("used=%d evictions=%d, want 30 and 1", s.UsedBytes, s.Evictions)
	}
	checkInvariant(t, p)
}

func TestCachePool_GetRefreshesRecency(t *testing.T) {
	p := newTestPool(30)
	p.Put(key("clip", 1), "A", 10)
	p.Put(key("clip", 2), "B", 10)
	p.Put(key("clip", 3), "C", 10)

	p.Get(key("clip", 1))
	p.Put(key("clip", 4), "D", 10)

	if !p.Contains(key("clip", 1)) {
		t.Error("A was accessed and should survive")
	}
	if p.Contains(key("clip", 2)) {
		t.Error("B is now the oldest and should be evicted")
	}
}

func TestCachePool_DuplicatePutRefreshesRecency(t *testing.T) {
	p := newTestPool(20)
	p.Put(key("clip", 1), "A", 10)
	p.Put(key("clip", 2), "B", 10)

	p.Put(key("clip", 1), "A", 10)
	p.Put(key("clip", 3), "C", 10)

	if !p.Contains(key("clip", 1)) || p.Contains(key("clip", 2)) {
		t.Error("re-put of A should have made B the victim")
	}
}

func TestCachePool_OversizeRejected(t *testing.T) {
	rec := newCountingRecorder()
	p := NewCachePool(PoolConfig{Pool: types.PoolGPU, CapacityBytes: 20, Recorder: rec})

	if res := p.Put(key("clip", 1), "huge", 25); res != PutRejected {
		t.Fatalf("Put = %v, want rejected", res)
	}
	s := p.Stats()
	if s.ItemCount != 0 || s.UsedBytes != 0 || s.Evictions != 0 {
		t.Errorf("pool should stay empty, got %+v", s)
	}
	if s.Rejections != 1 || rec.rejections != 1 {
		t.Errorf("rejection not counted: stats=%d recorder=%d", s.Rejections, rec.rejections)
	}
	if PutRejected.Stored() {
		t.Error("rejected puts are not stored")
	}
	if err := PutRejected.Err(); !errors.Is(err, errors.ErrPayloadTooLarge) {
		t.Errorf("PutRejected.Err() = %v, want PAYLOAD_TOO_LARGE", err)
	}
	if err := PutAdmitted.Err(); err != nil {
		t.Errorf("PutAdmitted.Err() = %v, want nil", err)
	}
}

func TestCachePool_OversizeEmptiesPoolThenRejects(t *testing.T) {
	p := newTestPool(20)
	p.Put(key("clip", 1), "A", 10)

	if res := p.Put(key("clip", 2), "huge", 25); res != PutRejected {
		t.Fatalf("Put = %v, want rejected", res)
	}
	if s := p.Stats(); s.ItemCount != 0 || s.UsedBytes != 0 {
		t.Errorf("eviction runs before the rejection, got %+v", s)
	}
	checkInvariant(t, p)
}

func TestCachePool_ResizeShrink(t *testing.T) {
	rec := newCountingRecorder()
	p := NewCachePool(PoolConfig{Pool: types.PoolCPU, CapacityBytes: 30, Recorder: rec})
	p.Put(key("clip", 1), "A", 10)
	p.Put(key("clip", 2), "B", 10)
	p.Put(key("clip", 3), "C", 10)

	if n := p.Resize(15); n != 2 {
		t.Errorf("Resize evicted %d, want 2", n)
	}

	s := p.Stats()
	if s.UsedBytes != 10 || s.ItemCount != 1 || s.CapacityBytes != 15 {
		t.Errorf("unexpected stats after resize %+v", s)
	}
	if !p.Contains(key("clip", 3)) {
		t.Error("the most recently accessed entry should remain")
	}
	if rec.evictions[ReasonResize] != 2 {
		t.Errorf("resize evictions recorded = %d, want 2", rec.evictions[ReasonResize])
	}
	checkInvariant(t, p)

	if n := p.Resize(100); n != 0 {
		t.Errorf("growing must not evict, evicted %d", n)
	}
}

func TestCachePool_GroupCount(t *testing.T) {
	p := newTestPool(100)
	p.Put(key("X", 1), nil, 10)
	p.Put(key("X", 2), nil, 10)
	p.Put(key("Y", 1), nil, 10)

	if got := p.Stats().GroupCount; got != 2 {
		t.Fatalf("group_count = %d, want 2", got)
	}

	p.Evict(key("X", 1))
	if got := p.Stats().GroupCount; got != 2 {
		t.Errorf("group_count = %d after first X eviction, want 2", got)
	}
	p.Evict(key("X", 2))
	if got := p.Stats().GroupCount; got != 1 {
		t.Errorf("group_count = %d after both X evictions, want 1", got)
	}
	checkInvariant(t, p)
}

func TestCachePool_GroupQueries(t *testing.T) {
	p := newTestPool(1000)
	p.Put(Key{Group: "shot_b", Frame: 2, Variant: "srgb"}, nil, 1)
	p.Put(Key{Group: "shot_b", Frame: 1, Variant: "srgb"}, nil, 1)
	p.Put(Key{Group: "shot_b", Frame: 1, Variant: "acescg"}, nil, 1)
	p.Put(Key{Group: "shot_a", Frame: 7}, nil, 1)

	names := p.GroupNames()
	if len(names) != 2 || names[0] != "shot_a" || names[1] != "shot_b" {
		t.Errorf("GroupNames = %v", names)
	}
	if n := p.GroupItemCount("shot_b"); n != 3 {
		t.Errorf("GroupItemCount = %d, want 3", n)
	}

	keys := p.GroupItemKeys("shot_b")
	want := []Key{
		{Group: "shot_b", Frame: 1, Variant: "acescg"},
		{Group: "shot_b", Frame: 1, Variant: "srgb"},
		{Group: "shot_b", Frame: 2, Variant: "srgb"},
	}
	if len(keys) != len(want) {
		t.Fatalf("GroupItemKeys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("GroupItemKeys[%d] = %v, want %v", i, keys[i], want[i])
		}
	}

	if n := p.EvictGroup("shot_b"); n != 3 {
		t.Errorf("EvictGroup = %d, want 3", n)
	}
	if n := p.EvictGroup("missing"); n != 0 {
		t.Errorf("EvictGroup(missing) = %d, want 0", n)
	}
	if s := p.Stats(); s.ItemCount != 1 || s.GroupCount != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	checkInvariant(t, p)
}

func TestCachePool_EvictAndClear(t *testing.T) {
	rec := newCountingRecorder()
	p := NewCachePool(PoolConfig{Pool: types.PoolCPU, CapacityBytes: 100, Recorder: rec})
	p.Put(key("a", 1), nil, 10)
	p.Put(key("a", 2), nil, 10)
	p.Put(key("b", 1), nil, 10)

	if !p.Evict(key("a", 1)) {
		t.Error("Evict should report a resident key")
	}
	if p.Evict(key("a", 1)) {
		t.Error("Evict of an absent key is a no-op")
	}

	if n := p.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	s := p.Stats()
	if s.UsedBytes != 0 || s.ItemCount != 0 || s.GroupCount != 0 || s.CapacityBytes != 100 {
		t.Errorf("unexpected stats after clear %+v", s)
	}
	if rec.evictions[ReasonExplicit] != 1 || rec.evictions[ReasonClear] != 2 {
		t.Errorf("unexpected eviction records %v", rec.evictions)
	}

	// The pool keeps working after a clear.
	if res := p.Put(key("a", 1), nil, 10); res != PutAdmitted {
		t.Errorf("Put after clear = %v", res)
	}
	checkInvariant(t, p)
}

func TestCachePool_ZeroCapacity(t *testing.T) {
	p := newTestPool(0)
	if res := p.Put(key("a", 1), nil, 1); res != PutRejected {
		t.Errorf("Put into zero capacity = %v, want rejected", res)
	}
	if res := p.Put(key("a", 2), nil, 0); res != PutAdmitted {
		t.Errorf("zero-size Put = %v, want admitted", res)
	}
	checkInvariant(t, p)
}

func TestCachePool_SharedSequence(t *testing.T) {
	seq := &Sequence{}
	gpu := NewCachePool(PoolConfig{Pool: types.PoolGPU, CapacityBytes: 10, Sequence: seq})
	cpu := NewCachePool(PoolConfig{Pool: types.PoolCPU, CapacityBytes: 10, Sequence: seq})

	gpu.Put(key("a", 1), nil, 1)
	cpu.Put(key("a", 1), nil, 1)
	g, _ := gpu.Get(key("a", 1))
	c, _ := cpu.Get(key("a", 1))

	if !(g.LastAccess < c.LastAccess) {
		t.Errorf("expected one global sequence, got gpu=%d cpu=%d", g.LastAccess, c.LastAccess)
	}
}

func TestCachePool_ConcurrentAccess(t *testing.T) {
	p := newTestPool(500)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(worker)))
			for i := 0; i < 500; i++ {
				k := key(fmt.Sprintf("clip%d", r.Intn(4)), int64(r.Intn(50)))
				switch r.Intn(10) {
				case 0:
					p.Evict(k)
				case 1:
					p.Resize(uint64(200 + r.Intn(400)))
				case 2, 3, 4:
					p.Get(k)
				default:
					p.Put(k, nil, uint64(1+r.Intn(40)))
				}
				if s := p.Stats(); s.UsedBytes > s.CapacityBytes {
					t.Errorf("observed used=%d above capacity=%d", s.UsedBytes, s.CapacityBytes)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	checkInvariant(t, p)
}

func TestPutResult_String(t *testing.T) {
	tests := map[PutResult]string{
		PutAdmitted:      "admitted",
		PutAlreadyCached: "already_cached",
		PutRejected:      "rejected",
		PutResult(9):     "unknown",
	}
	for r, want := range tests {
		if r.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(r), r.String(), want)
		}
	}
}

func BenchmarkCachePool_PutGet(b *testing.B) {
	p := newTestPool(1 << 20)
	for i := 0; i < b.N; i++ {
		k := key("clip", int64(i%4096))
		if _, ok := p.Get(k); !ok {
			p.Put(k, nil, 512)
		}
	}
}
