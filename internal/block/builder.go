package block

import (
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Builder assembles a block. Keys must be added in increasing order.
type Builder struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	counter         int
	finished        bool
	lastKey         []byte
}

// NewBuilder returns a builder that stores a full key every restartInterval
// entries.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	b := &Builder{restartInterval: restartInterval}
	b.Reset()
	return b
}

// Reset clears the builder for a new block.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.finished = false
	b.lastKey = b.lastKey[:0]
}

// Add appends an entry.
func (b *Builder) Add(key, value []byte) {
	if b.finished {
		panic("block: Add after Finish")
	}
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	unshared := len(key) - shared

	b.buf = encoding.AppendVarint32(b.buf, uint32(shared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(unshared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:shared], key[shared:]...)
	b.counter++
}

// Finish appends the restart array and returns the block contents. The
// slice stays valid until Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = encoding.AppendFixed32(b.buf, r)
	}
	b.buf = encoding.AppendFixed32(b.buf, uint32(len(b.restarts)))
	b.finished = true
	return b.buf
}

// CurrentSizeEstimate returns the size of the block if finished now.
func (b *Builder) CurrentSizeEstimate() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Empty reports whether no entry was added since Reset.
func (b *Builder) Empty() bool { return len(b.buf) == 0 }

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
