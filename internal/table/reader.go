package table

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/iterator"
)

// Reader serves reads from an open table. It is safe for concurrent use.
type Reader struct {
	file    File
	opts    Options
	cmp     *dbformat.InternalKeyComparator
	cacheID uint64

	metaindexHandle block.Handle
	index           *block.Block
	filter          []byte
}

// Open reads the footer, index and filter of the size-byte table in file.
// The reader takes ownership of file and closes it on Close.
func Open(file File, size uint64, opts Options) (*Reader, error) {
	if size < block.FooterLength {
		return nil, ErrTooShort
	}
	var footerBuf [block.FooterLength]byte
	if n, err := file.ReadAt(footerBuf[:], int64(size-block.FooterLength)); n != len(footerBuf) {
		if err == nil {
			err = ErrTruncatedBlock
		}
		return nil, errors.Wrap(err, "read table footer")
	}
	footer, err := block.DecodeFooter(footerBuf[:])
	if err != nil {
		return nil, err
	}

	indexData, err := readBlock(file, footer.IndexHandle, true)
	if err != nil {
		return nil, errors.Wrap(err, "read table index")
	}
	index, err := block.New(indexData)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:            file,
		opts:            opts,
		cmp:             opts.comparator(),
		metaindexHandle: footer.MetaindexHandle,
		index:           index,
	}
	if opts.BlockCache != nil {
		r.cacheID = opts.BlockCache.NewID()
	}
	r.readMeta(footer.MetaindexHandle)
	return r, nil
}

// readMeta loads the filter. Errors are ignored: without a filter every
// lookup reads the data block.
func (r *Reader) readMeta(h block.Handle) {
	if r.opts.FilterPolicy == nil {
		return
	}
	data, err := readBlock(r.file, h, r.opts.ParanoidChecks)
	if err != nil {
		return
	}
	meta, err := block.New(data)
	if err != nil {
		return
	}
	it := meta.NewIterator(bytes.Compare)
	defer it.Close()

	key := []byte(filterMetaPrefix + r.opts.FilterPolicy.Name())
	it.Seek(key)
	if !it.Valid() || !bytes.Equal(it.Key(), key) {
		return
	}
	fh, _, err := block.DecodeHandle(it.Value())
	if err != nil {
		return
	}
	filter, err := readBlock(r.file, fh, r.opts.ParanoidChecks)
	if err != nil {
		return
	}
	r.filter = filter
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// blockIterator returns an iterator over the data block whose encoded handle
// is indexValue, going through the block cache when one is configured.
func (r *Reader) blockIterator(ro ReadOptions, indexValue []byte) iterator.Iterator {
	h, _, err := block.DecodeHandle(indexValue)
	if err != nil {
		return iterator.NewEmptyIterator(err)
	}
	verify := ro.VerifyChecksums || r.opts.ParanoidChecks

	bc := r.opts.BlockCache
	if bc == nil {
		data, err := readBlock(r.file, h, verify)
		if err != nil {
			return iterator.NewEmptyIterator(err)
		}
		blk, err := block.New(data)
		if err != nil {
			return iterator.NewEmptyIterator(err)
		}
		return blk.NewIterator(r.cmp.Compare)
	}

	var key [16]byte
	encoding.EncodeFixed64(key[:8], r.cacheID)
	encoding.EncodeFixed64(key[8:], h.Offset)

	var ch *cache.Handle
	var blk *block.Block
	if ch = bc.Lookup(key[:]); ch != nil {
		blk = ch.Value().(*block.Block)
	} else {
		data, err := readBlock(r.file, h, verify)
		if err != nil {
			return iterator.NewEmptyIterator(err)
		}
		blk, err = block.New(data)
		if err != nil {
			return iterator.NewEmptyIterator(err)
		}
		if ro.FillCache {
			ch = bc.Insert(key[:], blk, int64(blk.Size()), nil)
		}
	}
	it := blk.NewIterator(r.cmp.Compare)
	if ch != nil {
		it = iterator.WithCleanup(it, func() { bc.Release(ch) })
	}
	return it
}

// NewIterator returns an iterator over the table's internal keys.
func (r *Reader) NewIterator(ro ReadOptions) iterator.Iterator {
	return NewTwoLevelIterator(r.index.NewIterator(r.cmp.Compare), func(v []byte) iterator.Iterator {
		return r.blockIterator(ro, v)
	})
}

// InternalGet calls fn with the first entry at or after ikey, unless the
// filter rules the key out. fn is not called when no such entry exists.
func (r *Reader) InternalGet(ro ReadOptions, ikey []byte, fn func(key, value []byte)) error {
	idx := r.index.NewIterator(r.cmp.Compare)
	defer idx.Close()

	idx.Seek(ikey)
	if !idx.Valid() {
		return idx.Error()
	}
	if r.filter != nil && !r.opts.FilterPolicy.KeyMayMatch(dbformat.ExtractUserKey(ikey), r.filter) {
		return nil
	}
	it := r.blockIterator(ro, idx.Value())
	it.Seek(ikey)
	if it.Valid() {
		fn(it.Key(), it.Value())
	}
	return it.Close()
}

// ApproximateOffsetOf returns the approximate file offset of the data for
// ikey. Keys past the last entry map to the metaindex offset, which is near
// the end of the file.
func (r *Reader) ApproximateOffsetOf(ikey []byte) uint64 {
	idx := r.index.NewIterator(r.cmp.Compare)
	defer idx.Close()

	idx.Seek(ikey)
	if idx.Valid() {
		if h, _, err := block.DecodeHandle(idx.Value()); err == nil {
			return h.Offset
		}
	}
	return r.metaindexHandle.Offset
}
