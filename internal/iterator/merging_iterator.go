package iterator

import (
	"container/heap"
)

// Compare orders keys.
type Compare func(a, b []byte) int

type direction int8

const (
	forward direction = iota
	reverse
)

// MergingIterator yields the union of its children in sorted order.
// Duplicate keys from different children are all yielded, in child order.
//
// Forward iteration keeps the children in a min-heap; reverse iteration
// scans them linearly.
type MergingIterator struct {
	cmp      Compare
	children []Iterator
	heap     childHeap
	current  int
	dir      direction
	err      error
}

// NewMergingIterator returns an iterator merging children under cmp. It
// takes ownership of the children and closes them on Close.
func NewMergingIterator(cmp Compare, children ...Iterator) Iterator {
	switch len(children) {
	case 0:
		return NewEmptyIterator(nil)
	case 1:
		return children[0]
	}
	m := &MergingIterator{
		cmp:      cmp,
		children: children,
		current:  -1,
	}
	m.heap = childHeap{m: m, idx: make([]int, 0, len(children))}
	return m
}

// Valid reports whether the iterator is positioned at an entry.
func (m *MergingIterator) Valid() bool {
	return m.current >= 0 && m.err == nil
}

// Key returns the current key.
func (m *MergingIterator) Key() []byte { return m.children[m.current].Key() }

// Value returns the current value.
func (m *MergingIterator) Value() []byte { return m.children[m.current].Value() }

// SeekToFirst positions every child at its first entry.
func (m *MergingIterator) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.initForward()
}

// SeekToLast positions every child at its last entry.
func (m *MergingIterator) SeekToLast() {
	for _, c := range m.children {
		c.SeekToLast()
	}
	m.dir = reverse
	m.findLargest()
}

// Seek positions at the smallest key >= target across all children.
func (m *MergingIterator) Seek(target []byte) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.initForward()
}

// Next advances to the next key in merged order.
func (m *MergingIterator) Next() {
	if !m.Valid() {
		return
	}
	if m.dir != forward {
		// Every child other than current must be moved to the first entry
		// after Key(). Current already is.
		key := append([]byte(nil), m.Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && m.cmp(key, c.Key()) == 0 {
				c.Next()
			}
		}
		cur := m.current
		m.initForward()
		// initForward may pick a child tied with key; keep the old current
		// so Next really advances past it.
		m.current = cur
	}
	c := m.children[m.current]
	c.Next()
	if c.Valid() {
		heap.Fix(&m.heap, m.heapPos(m.current))
	} else {
		heap.Remove(&m.heap, m.heapPos(m.current))
	}
	m.pickSmallest()
}

// Prev moves to the previous key in merged order.
func (m *MergingIterator) Prev() {
	if !m.Valid() {
		return
	}
	if m.dir != reverse {
		// Every child other than current must be moved to the last entry
		// before Key(). Current already is.
		key := append([]byte(nil), m.Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				c.SeekToLast()
			}
		}
		m.dir = reverse
	}
	m.children[m.current].Prev()
	m.findLargest()
}

// Error returns the first child error.
func (m *MergingIterator) Error() error {
	if m.err != nil {
		return m.err
	}
	for _, c := range m.children {
		if err := c.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every child and returns the first error.
func (m *MergingIterator) Close() error {
	err := m.err
	for _, c := range m.children {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	m.current = -1
	return err
}

func (m *MergingIterator) initForward() {
	m.dir = forward
	m.heap.idx = m.heap.idx[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.heap.idx = append(m.heap.idx, i)
		} else if err := c.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)
	m.pickSmallest()
}

func (m *MergingIterator) pickSmallest() {
	if len(m.heap.idx) == 0 {
		m.current = -1
		return
	}
	m.current = m.heap.idx[0]
}

func (m *MergingIterator) findLargest() {
	m.current = -1
	for i := len(m.children) - 1; i >= 0; i-- {
		c := m.children[i]
		if !c.Valid() {
			if err := c.Error(); err != nil && m.err == nil {
				m.err = err
			}
			continue
		}
		if m.current < 0 || m.cmp(c.Key(), m.children[m.current].Key()) > 0 {
			m.current = i
		}
	}
}

func (m *MergingIterator) heapPos(child int) int {
	for pos, i := range m.heap.idx {
		if i == child {
			return pos
		}
	}
	return -1
}

// childHeap orders child indexes by their current key. Ties go to the
// lower child index so earlier children (newer data) come first.
type childHeap struct {
	m   *MergingIterator
	idx []int
}

func (h *childHeap) Len() int { return len(h.idx) }

func (h *childHeap) Less(i, j int) bool {
	a, b := h.idx[i], h.idx[j]
	if r := h.m.cmp(h.m.children[a].Key(), h.m.children[b].Key()); r != 0 {
		return r < 0
	}
	return a < b
}

func (h *childHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *childHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *childHeap) Pop() any {
	n := len(h.idx)
	x := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return x
}
