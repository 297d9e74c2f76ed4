// Package memtable implements the in-memory write buffer: a sorted map from
// internal key to value backed by a skiplist.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/huandu/skiplist"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/status"
)

// ErrDeleted is returned by Get and Has when the newest visible entry for
// the key is a deletion tombstone.
var ErrDeleted = errors.Mark(errors.New("memtable: key deleted"), status.ErrNotFound)

// entryOverhead approximates the per-entry bookkeeping of the skiplist.
const entryOverhead = 64

// keyOrder adapts an internal key comparator to the skiplist.
type keyOrder struct {
	cmp *dbformat.InternalKeyComparator
}

func (k keyOrder) Compare(lhs, rhs interface{}) int {
	return k.cmp.Compare(lhs.([]byte), rhs.([]byte))
}

func (k keyOrder) CalcScore(interface{}) float64 { return 0 }

// MemTable is reference counted. A newly created memtable has a count of
// zero; callers Ref it before use and Unref when done.
//
// Add calls are serialized by the database's writer queue; readers may run
// concurrently with a single writer.
type MemTable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
	cmp  *dbformat.InternalKeyComparator

	memUsage atomic.Int64
	refs     atomic.Int32
}

// New returns an empty memtable ordered by cmp.
func New(cmp *dbformat.InternalKeyComparator) *MemTable {
	return &MemTable{
		list: skiplist.New(keyOrder{cmp: cmp}),
		cmp:  cmp,
	}
}

// Ref increments the reference count.
func (m *MemTable) Ref() { m.refs.Add(1) }

// Unref decrements the reference count and reports whether it reached zero.
func (m *MemTable) Unref() bool {
	n := m.refs.Add(-1)
	if n < 0 {
		panic("memtable: negative reference count")
	}
	return n == 0
}

// Add inserts an entry for key at seq. key and value are copied.
func (m *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	ikey := dbformat.AppendInternalKey(make([]byte, 0, len(key)+dbformat.NumInternalBytes),
		dbformat.ParsedInternalKey{UserKey: key, Sequence: seq, Type: typ})
	var v []byte
	if typ == dbformat.TypeValue {
		v = append(make([]byte, 0, len(value)), value...)
	}

	m.mu.Lock()
	m.list.Set(ikey, v)
	m.mu.Unlock()

	m.memUsage.Add(int64(len(ikey) + len(v) + entryOverhead))
}

// Get looks up the newest entry for lk's user key visible at lk's sequence.
// found is false when the memtable has no such entry. When the newest entry
// is a deletion, found is true and err is ErrDeleted.
func (m *MemTable) Get(lk *dbformat.LookupKey) (value []byte, found bool, err error) {
	v, found, err := m.lookup(lk, true)
	return v, found, err
}

// Has is Get without copying the value.
func (m *MemTable) Has(lk *dbformat.LookupKey) (found bool, err error) {
	_, found, err = m.lookup(lk, false)
	return found, err
}

func (m *MemTable) lookup(lk *dbformat.LookupKey, copyValue bool) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Find(lk.InternalKey())
	if elem == nil {
		return nil, false, nil
	}
	ikey := elem.Key().([]byte)
	if m.cmp.UserComparator().Compare(dbformat.ExtractUserKey(ikey), lk.UserKey()) != 0 {
		return nil, false, nil
	}
	_, typ := dbformat.UnpackSequenceAndType(dbformat.ExtractTrailer(ikey))
	switch typ {
	case dbformat.TypeValue:
		if !copyValue {
			return nil, true, nil
		}
		v := elem.Value.([]byte)
		return append(make([]byte, 0, len(v)), v...), true, nil
	default:
		return nil, true, ErrDeleted
	}
}

// ApproximateMemoryUsage estimates the bytes held by the memtable.
func (m *MemTable) ApproximateMemoryUsage() int64 { return m.memUsage.Load() }

// Len returns the number of entries.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Empty reports whether the memtable holds no entries.
func (m *MemTable) Empty() bool { return m.Len() == 0 }

// NewIterator returns an iterator over internal keys. Keys yielded are
// encoded internal keys. The caller must keep the memtable referenced for
// the iterator's lifetime.
func (m *MemTable) NewIterator() iterator.Iterator {
	return &memIterator{m: m}
}

type memIterator struct {
	m    *MemTable
	elem *skiplist.Element
}

func (it *memIterator) Valid() bool { return it.elem != nil }

func (it *memIterator) SeekToFirst() {
	it.m.mu.RLock()
	it.elem = it.m.list.Front()
	it.m.mu.RUnlock()
}

func (it *memIterator) SeekToLast() {
	it.m.mu.RLock()
	it.elem = it.m.list.Back()
	it.m.mu.RUnlock()
}

func (it *memIterator) Seek(target []byte) {
	it.m.mu.RLock()
	it.elem = it.m.list.Find(target)
	it.m.mu.RUnlock()
}

func (it *memIterator) Next() {
	it.m.mu.RLock()
	it.elem = it.elem.Next()
	it.m.mu.RUnlock()
}

func (it *memIterator) Prev() {
	it.m.mu.RLock()
	it.elem = it.elem.Prev()
	it.m.mu.RUnlock()
}

func (it *memIterator) Key() []byte { return it.elem.Key().([]byte) }

func (it *memIterator) Value() []byte {
	v, _ := it.elem.Value.([]byte)
	return v
}

func (it *memIterator) Error() error { return nil }

func (it *memIterator) Close() error {
	it.elem = nil
	return nil
}
