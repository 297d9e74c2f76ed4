package block

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/iterator"
)

// Block is a parsed, immutable block.
type Block struct {
	data          []byte
	restartOffset int
	numRestarts   int
}

// New parses the contents of a block. data must not be modified afterwards.
func New(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrBadBlock, "block too short")
	}
	numRestarts := int(encoding.DecodeFixed32(data[len(data)-4:]))
	maxRestarts := (len(data) - 4) / 4
	if numRestarts > maxRestarts {
		return nil, errors.Wrapf(ErrBadBlock, "%d restarts in a %d byte block", numRestarts, len(data))
	}
	return &Block{
		data:          data,
		restartOffset: len(data) - (1+numRestarts)*4,
		numRestarts:   numRestarts,
	}, nil
}

// Size returns the size of the block contents.
func (b *Block) Size() int { return len(b.data) }

func (b *Block) restartPoint(i int) int {
	return int(encoding.DecodeFixed32(b.data[b.restartOffset+4*i:]))
}

// NewIterator returns an iterator over the block ordered by cmp.
func (b *Block) NewIterator(cmp iterator.Compare) iterator.Iterator {
	if b.numRestarts == 0 {
		return iterator.NewEmptyIterator(nil)
	}
	return &Iterator{
		cmp:          cmp,
		b:            b,
		current:      b.restartOffset,
		restartIndex: b.numRestarts,
	}
}

// Iterator walks the entries of a block.
type Iterator struct {
	cmp iterator.Compare
	b   *Block

	// current is the offset of the current entry; restartOffset when
	// the iterator is not valid.
	current      int
	restartIndex int
	next         int
	key          []byte
	value        []byte
	err          error
}

func (it *Iterator) Valid() bool { return it.current < it.b.restartOffset }

func (it *Iterator) Key() []byte { return it.key }

func (it *Iterator) Value() []byte { return it.value }

func (it *Iterator) Error() error { return it.err }

func (it *Iterator) Close() error { return it.err }

func (it *Iterator) Next() {
	it.parseNextKey()
}

func (it *Iterator) Prev() {
	// Scan backwards to a restart point before current.
	original := it.current
	for it.b.restartPoint(it.restartIndex) >= original {
		if it.restartIndex == 0 {
			it.current = it.b.restartOffset
			it.restartIndex = it.b.numRestarts
			return
		}
		it.restartIndex--
	}
	it.seekToRestartPoint(it.restartIndex)
	// Walk forward to the entry just before original.
	for it.parseNextKey() && it.next < original {
	}
}

func (it *Iterator) Seek(target []byte) {
	// Binary search for the last restart point whose key is < target.
	var searchErr bool
	idx := sort.Search(it.b.numRestarts, func(i int) bool {
		if searchErr {
			return true
		}
		off := it.b.restartPoint(i)
		shared, unshared, _, n, ok := decodeEntry(it.b.data[off:it.b.restartOffset])
		if !ok || shared != 0 {
			searchErr = true
			return true
		}
		key := it.b.data[off+n : off+n+unshared]
		return it.cmp(key, target) >= 0
	})
	if searchErr {
		it.corruption()
		return
	}
	// idx is the first restart with key >= target; start one before it.
	if idx > 0 {
		idx--
	}
	it.seekToRestartPoint(idx)
	for it.parseNextKey() {
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

func (it *Iterator) SeekToFirst() {
	it.seekToRestartPoint(0)
	it.parseNextKey()
}

func (it *Iterator) SeekToLast() {
	it.seekToRestartPoint(it.b.numRestarts - 1)
	for it.parseNextKey() && it.next < it.b.restartOffset {
	}
}

func (it *Iterator) seekToRestartPoint(index int) {
	it.key = it.key[:0]
	it.restartIndex = index
	it.next = it.b.restartPoint(index)
}

func (it *Iterator) corruption() {
	it.current = it.b.restartOffset
	it.restartIndex = it.b.numRestarts
	it.err = errors.Wrap(ErrBadBlock, "bad entry in block")
	it.key = it.key[:0]
	it.value = nil
}

// parseNextKey decodes the entry at it.next and makes it current.
func (it *Iterator) parseNextKey() bool {
	it.current = it.next
	if it.current >= it.b.restartOffset {
		it.current = it.b.restartOffset
		it.restartIndex = it.b.numRestarts
		return false
	}
	shared, unshared, valueLen, n, ok := decodeEntry(it.b.data[it.current:it.b.restartOffset])
	if !ok || len(it.key) < shared {
		it.corruption()
		return false
	}
	p := it.current + n
	it.key = append(it.key[:shared], it.b.data[p:p+unshared]...)
	it.value = it.b.data[p+unshared : p+unshared+valueLen]
	it.next = p + unshared + valueLen
	for it.restartIndex+1 < it.b.numRestarts && it.b.restartPoint(it.restartIndex+1) < it.current {
		it.restartIndex++
	}
	return true
}

// decodeEntry decodes an entry header from src and checks the entry fits.
func decodeEntry(src []byte) (shared, unshared, valueLen, n int, ok bool) {
	if len(src) < 3 {
		return 0, 0, 0, 0, false
	}
	if src[0]|src[1]|src[2] < 128 {
		// Fast path: all three values fit in one byte.
		shared, unshared, valueLen, n = int(src[0]), int(src[1]), int(src[2]), 3
	} else {
		s, n1, err := encoding.DecodeVarint32(src)
		if err != nil {
			return 0, 0, 0, 0, false
		}
		u, n2, err := encoding.DecodeVarint32(src[n1:])
		if err != nil {
			return 0, 0, 0, 0, false
		}
		v, n3, err := encoding.DecodeVarint32(src[n1+n2:])
		if err != nil {
			return 0, 0, 0, 0, false
		}
		shared, unshared, valueLen, n = int(s), int(u), int(v), n1+n2+n3
	}
	if len(src)-n < unshared+valueLen {
		return 0, 0, 0, 0, false
	}
	return shared, unshared, valueLen, n, true
}
