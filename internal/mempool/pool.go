// Package mempool pools the scratch buffers used to read compressed table
// blocks. A compressed block's raw bytes are dead once decompressed, so the
// read buffer can go straight back to the pool.
package mempool

import (
	"math/bits"
	"sync"
)

const (
	minShift = 10 // 1 KiB
	maxShift = 18 // 256 KiB
)

// Pool hands out byte slices from power-of-two size classes.
type Pool struct {
	classes [maxShift - minShift + 1]sync.Pool
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := 1 << (minShift + i)
		p.classes[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// class returns the smallest class holding n bytes, or -1 if n is too big.
func class(n int) int {
	if n <= 1<<minShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}

// Get returns a slice of length n. Requests above the largest class are
// allocated directly.
func (p *Pool) Get(n int) []byte {
	c := class(n)
	if c < 0 {
		return make([]byte, n)
	}
	buf := *p.classes[c].Get().(*[]byte)
	return buf[:n]
}

// Put returns buf to the pool. Slices whose capacity is not exactly a
// class size were not handed out by Get and are dropped.
func (p *Pool) Put(buf []byte) {
	n := cap(buf)
	c := class(n)
	if c < 0 || n != 1<<(minShift+c) {
		return
	}
	buf = buf[:n]
	p.classes[c].Put(&buf)
}

// Blocks is the pool shared by table readers.
var Blocks = NewPool()
