package table

import (
	"bytes"

	"github.com/aalhour/lsmkv/internal/iterator"
)

// BlockFunc opens the second-level iterator for an index value.
type BlockFunc func(indexValue []byte) iterator.Iterator

type twoLevelIterator struct {
	index     iterator.Iterator
	blockFn   BlockFunc
	data      iterator.Iterator
	dataValue []byte
	err       error
}

// NewTwoLevelIterator iterates the concatenation of the iterators blockFn
// returns for each value of index. It owns index and closes it on Close.
func NewTwoLevelIterator(index iterator.Iterator, blockFn BlockFunc) iterator.Iterator {
	return &twoLevelIterator{index: index, blockFn: blockFn}
}

func (it *twoLevelIterator) Valid() bool { return it.data != nil && it.data.Valid() }

func (it *twoLevelIterator) Key() []byte { return it.data.Key() }

func (it *twoLevelIterator) Value() []byte { return it.data.Value() }

func (it *twoLevelIterator) Seek(target []byte) {
	it.index.Seek(target)
	it.initDataBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.initDataBlock()
	if it.data != nil {
		it.data.SeekToFirst()
	}
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) SeekToLast() {
	it.index.SeekToLast()
	it.initDataBlock()
	if it.data != nil {
		it.data.SeekToLast()
	}
	it.skipEmptyDataBlocksBackward()
}

func (it *twoLevelIterator) Next() {
	it.data.Next()
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) Prev() {
	it.data.Prev()
	it.skipEmptyDataBlocksBackward()
}

func (it *twoLevelIterator) skipEmptyDataBlocksForward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.setDataIterator(nil)
			return
		}
		it.index.Next()
		it.initDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

func (it *twoLevelIterator) skipEmptyDataBlocksBackward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.setDataIterator(nil)
			return
		}
		it.index.Prev()
		it.initDataBlock()
		if it.data != nil {
			it.data.SeekToLast()
		}
	}
}

func (it *twoLevelIterator) setDataIterator(data iterator.Iterator) {
	if it.data != nil {
		if err := it.data.Close(); err != nil && it.err == nil {
			it.err = err
		}
	}
	it.data = data
}

func (it *twoLevelIterator) initDataBlock() {
	if !it.index.Valid() {
		it.setDataIterator(nil)
		return
	}
	v := it.index.Value()
	if it.data != nil && bytes.Equal(v, it.dataValue) {
		// Already positioned on this block.
		return
	}
	it.dataValue = append(it.dataValue[:0], v...)
	it.setDataIterator(it.blockFn(v))
}

func (it *twoLevelIterator) Error() error {
	if err := it.index.Error(); err != nil {
		return err
	}
	if it.data != nil {
		if err := it.data.Error(); err != nil {
			return err
		}
	}
	return it.err
}

func (it *twoLevelIterator) Close() error {
	it.setDataIterator(nil)
	err := it.err
	if ierr := it.index.Close(); err == nil {
		err = ierr
	}
	return err
}
