package cache

import (
	"encoding/binary"
	"testing"
)

func encodeKey(k int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(k))
	return b[:]
}

func decodeKey(b []byte) int { return int(binary.LittleEndian.Uint32(b)) }

type cacheHarness struct {
	t           *testing.T
	c           *Cache
	deletedKeys []int
	deletedVals []int
}

func newHarness(t *testing.T, capacity int64) *cacheHarness {
	return &cacheHarness{t: t, c: New(capacity)}
}

func (h *cacheHarness) deleter(key []byte, value any) {
	h.deletedKeys = append(h.deletedKeys, decodeKey(key))
	h.deletedVals = append(h.deletedVals, value.(int))
}

func (h *cacheHarness) lookup(key int) int {
	handle := h.c.Lookup(encodeKey(key))
	if handle == nil {
		return -1
	}
	v := handle.Value().(int)
	h.c.Release(handle)
	return v
}

func (h *cacheHarness) insert(key, value int, charge int64) {
	h.c.Release(h.c.Insert(encodeKey(key), value, charge, h.deleter))
}

func (h *cacheHarness) insertAndReturnHandle(key, value int) *Handle {
	return h.c.Insert(encodeKey(key), value, 1, h.deleter)
}

func TestHitAndMiss(t *testing.T) {
	h := newHarness(t, 1000)
	if got := h.lookup(100); got != -1 {
		t.Fatalf("lookup(100) = %d, want miss", got)
	}

	h.insert(100, 101, 1)
	if got := h.lookup(100); got != 101 {
		t.Fatalf("lookup(100) = %d, want 101", got)
	}
	if h.lookup(200) != -1 || h.lookup(300) != -1 {
		t.Fatal("unexpected hit")
	}

	h.insert(200, 201, 1)
	h.insert(100, 102, 1)
	if got := h.lookup(100); got != 102 {
		t.Fatalf("lookup(100) = %d, want 102", got)
	}
	if len(h.deletedKeys) != 1 || h.deletedKeys[0] != 100 || h.deletedVals[0] != 101 {
		t.Fatalf("deleted %v/%v, want [100]/[101]", h.deletedKeys, h.deletedVals)
	}
}

func TestErase(t *testing.T) {
	h := newHarness(t, 1000)
	h.c.Erase(encodeKey(200))
	if len(h.deletedKeys) != 0 {
		t.Fatal("erase of missing key ran a deleter")
	}

	h.insert(100, 101, 1)
	h.insert(200, 201, 1)
	h.c.Erase(encodeKey(100))
	if h.lookup(100) != -1 || h.lookup(200) != 201 {
		t.Fatal("erase removed the wrong entry")
	}
	if len(h.deletedKeys) != 1 || h.deletedKeys[0] != 100 {
		t.Fatalf("deleted %v, want [100]", h.deletedKeys)
	}

	h.c.Erase(encodeKey(100))
	if len(h.deletedKeys) != 1 {
		t.Fatal("second erase ran the deleter again")
	}
}

func TestEntriesArePinned(t *testing.T) {
	h := newHarness(t, 1000)
	h.insert(100, 101, 1)
	h1 := h.c.Lookup(encodeKey(100))
	if h1.Value().(int) != 101 {
		t.Fatalf("value = %v", h1.Value())
	}

	h.insert(100, 102, 1)
	h2 := h.c.Lookup(encodeKey(100))
	if h2.Value().(int) != 102 {
		t.Fatalf("value = %v", h2.Value())
	}
	if len(h.deletedKeys) != 0 {
		t.Fatal("pinned entry deleted")
	}

	h.c.Release(h1)
	if len(h.deletedKeys) != 1 || h.deletedVals[0] != 101 {
		t.Fatalf("deleted %v, want [101]", h.deletedVals)
	}

	h.c.Erase(encodeKey(100))
	if h.lookup(100) != -1 || len(h.deletedKeys) != 1 {
		t.Fatal("erased entry freed while pinned")
	}

	h.c.Release(h2)
	if len(h.deletedKeys) != 2 || h.deletedVals[1] != 102 {
		t.Fatalf("deleted %v, want [101 102]", h.deletedVals)
	}
}

func TestEvictionPolicy(t *testing.T) {
	const capacity = 1000
	h := newHarness(t, capacity)
	h.insert(100, 101, 1)
	h.insert(200, 201, 1)
	h.insert(300, 301, 1)
	pinned := h.c.Lookup(encodeKey(300))

	// Frequently used and pinned entries survive; 200 is evicted. Enough
	// entries are added to overflow every shard several times.
	for i := 0; i < 4*capacity; i++ {
		h.insert(1000+i, 2000+i, 1)
		if got := h.lookup(1000 + i); got != 2000+i {
			t.Fatalf("lookup(%d) = %d", 1000+i, got)
		}
		if got := h.lookup(100); got != 101 {
			t.Fatalf("iteration %d: lookup(100) = %d, want 101", i, got)
		}
	}
	if h.lookup(100) != 101 {
		t.Fatal("recently used entry evicted")
	}
	if h.lookup(200) != -1 {
		t.Fatal("least recently used entry survived")
	}
	if h.lookup(300) != 301 {
		t.Fatal("pinned entry evicted")
	}
	h.c.Release(pinned)
}

func TestUseExceedsCacheSize(t *testing.T) {
	// Overfill with pinned entries; none may be evicted.
	h := newHarness(t, 1000)
	var handles []*Handle
	for i := 0; i < 1100; i++ {
		handles = append(handles, h.insertAndReturnHandle(1000+i, 2000+i))
	}
	for i := 0; i < len(handles); i++ {
		if got := h.lookup(1000 + i); got != 2000+i {
			t.Fatalf("lookup(%d) = %d", 1000+i, got)
		}
	}
	for _, handle := range handles {
		h.c.Release(handle)
	}
}

func TestHeavyEntries(t *testing.T) {
	const (
		capacity = 1000
		light    = 1
		heavy    = 10
	)
	h := newHarness(t, capacity)
	added := 0
	index := 0
	for added < 2*capacity {
		weight := int64(light)
		if index&1 == 1 {
			weight = heavy
		}
		h.insert(index, 1000+index, weight)
		added += int(weight)
		index++
	}

	cached := 0
	for i := 0; i < index; i++ {
		weight := light
		if i&1 == 1 {
			weight = heavy
		}
		if r := h.lookup(i); r >= 0 {
			cached += weight
			if r != 1000+i {
				t.Fatalf("lookup(%d) = %d", i, r)
			}
		}
	}
	if cached > capacity+capacity/10 {
		t.Fatalf("cached %d exceeds capacity %d by more than 10%%", cached, capacity)
	}
}

func TestNewID(t *testing.T) {
	c := New(1000)
	a, b := c.NewID(), c.NewID()
	if a == b {
		t.Fatalf("NewID returned %d twice", a)
	}
}

func TestPrune(t *testing.T) {
	h := newHarness(t, 1000)
	h.insert(1, 100, 1)
	h.insert(2, 200, 1)
	handle := h.c.Lookup(encodeKey(1))
	h.c.Prune()
	h.c.Release(handle)

	if h.lookup(1) != 100 {
		t.Fatal("pinned entry pruned")
	}
	if h.lookup(2) != -1 {
		t.Fatal("unpinned entry survived prune")
	}
}

func TestZeroCapacity(t *testing.T) {
	h := newHarness(t, 0)
	h.insert(1, 100, 1)
	if h.lookup(1) != -1 {
		t.Fatal("zero-capacity cache kept an entry")
	}
	if len(h.deletedKeys) != 1 {
		t.Fatalf("deleter ran %d times, want 1", len(h.deletedKeys))
	}
}

func TestTotalCharge(t *testing.T) {
	h := newHarness(t, 1000)
	h.insert(1, 1, 10)
	h.insert(2, 2, 20)
	if got := h.c.TotalCharge(); got != 30 {
		t.Fatalf("TotalCharge = %d, want 30", got)
	}
}
