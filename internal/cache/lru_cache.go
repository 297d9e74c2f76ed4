// Package cache provides the capacity-bounded LRU cache shared by the block
// cache and the table cache.
//
// Entries are reference counted. An entry is never freed while a Handle to
// it is outstanding; its deleter runs exactly once, after it has left the
// cache and the last Handle is released.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

const (
	numShardBits = 4
	numShards    = 1 << numShardBits
)

// Deleter is called with the key and value of an entry once it is freed.
type Deleter func(key []byte, value any)

// Handle is a pinned reference to a cache entry.
type Handle struct {
	key     string
	value   any
	charge  int64
	deleter Deleter
	refs    int32
	inCache bool
	elem    *list.Element
}

// Value returns the cached value.
func (h *Handle) Value() any { return h.value }

// Cache is a sharded LRU cache.
type Cache struct {
	shards [numShards]lruShard
	lastID atomic.Uint64
}

// New returns a cache holding up to capacity units of charge.
func New(capacity int64) *Cache {
	c := &Cache{}
	perShard := (capacity + numShards - 1) / numShards
	for i := range c.shards {
		c.shards[i].init(perShard)
	}
	return c
}

func (c *Cache) shard(key []byte) *lruShard {
	return &c.shards[xxh3.Hash(key)>>(64-numShardBits)]
}

// Insert maps key to value with the given charge, replacing any existing
// entry. The returned handle must be released.
func (c *Cache) Insert(key []byte, value any, charge int64, deleter Deleter) *Handle {
	return c.shard(key).insert(key, value, charge, deleter)
}

// Lookup returns a handle for key, or nil. A non-nil handle must be
// released.
func (c *Cache) Lookup(key []byte) *Handle {
	return c.shard(key).lookup(key)
}

// Release drops a handle obtained from Insert or Lookup.
func (c *Cache) Release(h *Handle) {
	c.shard([]byte(h.key)).release(h)
}

// Erase removes key. Outstanding handles stay valid.
func (c *Cache) Erase(key []byte) {
	c.shard(key).erase(key)
}

// NewID returns an id that callers sharing the cache use to partition the
// key space.
func (c *Cache) NewID() uint64 { return c.lastID.Add(1) }

// Prune drops every entry not pinned by a handle.
func (c *Cache) Prune() {
	for i := range c.shards {
		c.shards[i].prune()
	}
}

// TotalCharge returns the combined charge of all entries.
func (c *Cache) TotalCharge() int64 {
	var total int64
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		total += s.usage
		s.mu.Unlock()
	}
	return total
}

// lruShard keeps entries with refs==1 (only the cache holds them) on lru,
// oldest at the back, and pinned entries on inUse.
type lruShard struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	lru      *list.List
	inUse    *list.List
	table    map[string]*Handle
}

func (s *lruShard) init(capacity int64) {
	s.capacity = capacity
	s.lru = list.New()
	s.inUse = list.New()
	s.table = make(map[string]*Handle)
}

func (s *lruShard) ref(h *Handle) {
	if h.refs == 1 && h.inCache {
		s.lru.Remove(h.elem)
		h.elem = s.inUse.PushFront(h)
	}
	h.refs++
}

// unref returns the handle's deleter when it must run, so callers invoke it
// without the shard lock held.
func (s *lruShard) unref(h *Handle) bool {
	h.refs--
	switch {
	case h.refs == 0:
		return true
	case h.inCache && h.refs == 1:
		s.inUse.Remove(h.elem)
		h.elem = s.lru.PushFront(h)
	}
	return false
}

func (s *lruShard) insert(key []byte, value any, charge int64, deleter Deleter) *Handle {
	h := &Handle{
		key:     string(key),
		value:   value,
		charge:  charge,
		deleter: deleter,
		refs:    1,
	}

	var freed []*Handle
	s.mu.Lock()
	if s.capacity > 0 {
		h.refs++
		h.inCache = true
		h.elem = s.inUse.PushFront(h)
		s.usage += charge
		if old, ok := s.table[h.key]; ok {
			if s.finishErase(old) {
				freed = append(freed, old)
			}
		}
		s.table[h.key] = h
	}
	for s.usage > s.capacity && s.lru.Len() > 0 {
		old := s.lru.Back().Value.(*Handle)
		delete(s.table, old.key)
		if s.finishErase(old) {
			freed = append(freed, old)
		}
	}
	s.mu.Unlock()

	for _, f := range freed {
		f.free()
	}
	return h
}

func (s *lruShard) lookup(key []byte) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.table[string(key)]
	if !ok {
		return nil
	}
	s.ref(h)
	return h
}

func (s *lruShard) release(h *Handle) {
	s.mu.Lock()
	last := s.unref(h)
	s.mu.Unlock()
	if last {
		h.free()
	}
}

func (s *lruShard) erase(key []byte) {
	s.mu.Lock()
	h, ok := s.table[string(key)]
	last := false
	if ok {
		delete(s.table, h.key)
		last = s.finishErase(h)
	}
	s.mu.Unlock()
	if last {
		h.free()
	}
}

func (s *lruShard) prune() {
	var freed []*Handle
	s.mu.Lock()
	for s.lru.Len() > 0 {
		h := s.lru.Back().Value.(*Handle)
		delete(s.table, h.key)
		if s.finishErase(h) {
			freed = append(freed, h)
		}
	}
	s.mu.Unlock()
	for _, h := range freed {
		h.free()
	}
}

// finishErase detaches h, which the caller already removed from the table,
// and drops the cache's reference.
func (s *lruShard) finishErase(h *Handle) bool {
	if h.refs == 1 {
		s.lru.Remove(h.elem)
	} else {
		s.inUse.Remove(h.elem)
	}
	h.elem = nil
	h.inCache = false
	s.usage -= h.charge
	h.refs--
	return h.refs == 0
}

func (h *Handle) free() {
	if h.deleter != nil {
		h.deleter([]byte(h.key), h.value)
	}
}
