package table

import (
	"io"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

// Builder writes a table. Keys must be added in increasing order. The
// caller closes the destination after Finish or Abandon.
type Builder struct {
	opts Options
	cmp  *dbformat.InternalKeyComparator
	w    io.Writer

	offset     uint64
	err        error
	dataBlock  *block.Builder
	indexBlock *block.Builder
	lastKey    []byte
	numEntries int
	closed     bool

	filterKeys    [][]byte
	lastFilterKey []byte

	// An index entry for a finished data block is only added when the
	// next key is seen, so the separator can be shortened against it.
	pendingIndexEntry bool
	pendingHandle     block.Handle

	compressed []byte
}

// NewBuilder returns a builder writing to w.
func NewBuilder(w io.Writer, opts Options) *Builder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = 16
	}
	return &Builder{
		opts:       opts,
		cmp:        opts.comparator(),
		w:          w,
		dataBlock:  block.NewBuilder(opts.BlockRestartInterval),
		indexBlock: block.NewBuilder(1),
	}
}

// Add appends an entry. key must be greater than every key added before.
func (b *Builder) Add(key, value []byte) {
	if b.closed {
		panic("table: Add after Finish or Abandon")
	}
	if b.err != nil {
		return
	}
	if b.numEntries > 0 && b.cmp.Compare(key, b.lastKey) <= 0 {
		panic("table: keys added out of order")
	}

	if b.pendingIndexEntry {
		sep := b.cmp.FindShortestSeparator(b.lastKey, key)
		b.indexBlock.Add(sep, b.pendingHandle.EncodeTo(nil))
		b.pendingIndexEntry = false
	}

	if b.opts.FilterPolicy != nil {
		uk := dbformat.ExtractUserKey(key)
		if b.lastFilterKey == nil || b.cmp.UserComparator().Compare(uk, b.lastFilterKey) != 0 {
			k := append([]byte(nil), uk...)
			b.filterKeys = append(b.filterKeys, k)
			b.lastFilterKey = k
		}
	}

	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++
	b.dataBlock.Add(key, value)

	if b.dataBlock.CurrentSizeEstimate() >= b.opts.BlockSize {
		b.Flush()
	}
}

// Flush writes out the pending data block. Rarely needed by callers; Add
// flushes at the block size.
func (b *Builder) Flush() {
	if b.closed || b.err != nil || b.dataBlock.Empty() {
		return
	}
	if b.pendingIndexEntry {
		panic("table: pending index entry at flush")
	}
	b.pendingHandle, b.err = b.writeBlock(b.dataBlock)
	if b.err == nil {
		b.pendingIndexEntry = true
	}
}

func (b *Builder) writeBlock(bb *block.Builder) (block.Handle, error) {
	raw := bb.Finish()
	contents, typ := raw, compression.None
	if b.opts.Compression != compression.None {
		c, err := compression.Compress(b.opts.Compression, b.compressed, raw)
		if err == nil && compression.Worthwhile(len(c), len(raw)) {
			contents, typ = c, b.opts.Compression
		}
		if c != nil {
			b.compressed = c[:0]
		}
	}
	h, err := b.writeRawBlock(contents, typ)
	bb.Reset()
	return h, err
}

func (b *Builder) writeRawBlock(contents []byte, typ compression.Type) (block.Handle, error) {
	h := block.Handle{Offset: b.offset, Size: uint64(len(contents))}
	if _, err := b.w.Write(contents); err != nil {
		return h, status.IOError(err, "table write")
	}
	var trailer [block.TrailerSize]byte
	trailer[0] = byte(typ)
	crc := checksum.Extend(checksum.Value(contents), trailer[:1])
	encoding.EncodeFixed32(trailer[1:], checksum.Mask(crc))
	if _, err := b.w.Write(trailer[:]); err != nil {
		return h, status.IOError(err, "table write")
	}
	b.offset += uint64(len(contents)) + block.TrailerSize
	return h, nil
}

// Err returns the first error encountered.
func (b *Builder) Err() error { return b.err }

// Finish writes the filter, metaindex, index and footer.
func (b *Builder) Finish() error {
	b.Flush()
	if b.closed {
		panic("table: Finish called twice")
	}
	b.closed = true
	if b.err != nil {
		return b.err
	}

	var filterHandle block.Handle
	hasFilter := b.opts.FilterPolicy != nil
	if hasFilter {
		data := b.opts.FilterPolicy.CreateFilter(b.filterKeys)
		filterHandle, b.err = b.writeRawBlock(data, compression.None)
		if b.err != nil {
			return b.err
		}
	}

	meta := block.NewBuilder(b.opts.BlockRestartInterval)
	if hasFilter {
		meta.Add([]byte(filterMetaPrefix+b.opts.FilterPolicy.Name()), filterHandle.EncodeTo(nil))
	}
	metaHandle, err := b.writeBlock(meta)
	if err != nil {
		b.err = err
		return err
	}

	if b.pendingIndexEntry {
		succ := b.cmp.FindShortSuccessor(b.lastKey)
		b.indexBlock.Add(succ, b.pendingHandle.EncodeTo(nil))
		b.pendingIndexEntry = false
	}
	indexHandle, err := b.writeBlock(b.indexBlock)
	if err != nil {
		b.err = err
		return err
	}

	footer := block.Footer{MetaindexHandle: metaHandle, IndexHandle: indexHandle}
	buf := footer.EncodeTo(nil)
	if _, err := b.w.Write(buf); err != nil {
		b.err = status.IOError(err, "table write")
		return b.err
	}
	b.offset += uint64(len(buf))
	return nil
}

// Abandon stops building. The caller deletes the partial file.
func (b *Builder) Abandon() { b.closed = true }

// NumEntries returns the number of entries added.
func (b *Builder) NumEntries() int { return b.numEntries }

// FileSize returns the bytes written so far; after Finish, the table size.
func (b *Builder) FileSize() uint64 { return b.offset }
