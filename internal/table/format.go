// Package table reads and writes sorted string tables.
//
// A table file is laid out as:
//
//	[data block 1]
//	...
//	[data block N]
//	[filter block]       optional
//	[metaindex block]    "filter.<policy name>" -> filter handle
//	[index block]        separator key -> data block handle
//	[footer]             block.FooterLength bytes
//
// Every block is followed by a one-byte compression type and a masked
// CRC32C of the block contents and the type byte. Keys are internal keys.
package table

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/filter"
	"github.com/aalhour/lsmkv/internal/mempool"
	"github.com/aalhour/lsmkv/internal/status"
)

var (
	// ErrChecksumMismatch is returned when a block fails verification.
	ErrChecksumMismatch = errors.Mark(errors.New("table: block checksum mismatch"), status.ErrCorruption)

	// ErrTruncatedBlock is returned when a block extends past the file.
	ErrTruncatedBlock = errors.Mark(errors.New("table: truncated block read"), status.ErrCorruption)

	// ErrTooShort is returned for a file too small to hold a footer.
	ErrTooShort = errors.Mark(errors.New("table: file is too short to be an sstable"), status.ErrCorruption)
)

// Options configures table building and reading.
type Options struct {
	Comparator           *dbformat.InternalKeyComparator
	BlockSize            int
	BlockRestartInterval int
	Compression          compression.Type
	FilterPolicy         filter.Policy

	// BlockCache caches uncompressed data blocks. May be nil.
	BlockCache *cache.Cache

	// ParanoidChecks verifies every block read, regardless of
	// ReadOptions.
	ParanoidChecks bool
}

func (o *Options) comparator() *dbformat.InternalKeyComparator {
	if o.Comparator == nil {
		return dbformat.NewInternalKeyComparator(dbformat.BytewiseComparator)
	}
	return o.Comparator
}

// ReadOptions controls individual reads.
type ReadOptions struct {
	VerifyChecksums bool
	// FillCache inserts blocks read into the block cache.
	FillCache bool
}

// File is the file a Reader reads from.
type File interface {
	io.ReaderAt
	io.Closer
}

const filterMetaPrefix = "filter."

// readBlock reads the block at h, verifies its checksum when asked, and
// decompresses it.
func readBlock(f io.ReaderAt, h block.Handle, verify bool) ([]byte, error) {
	n := int(h.Size) + block.TrailerSize
	buf := mempool.Blocks.Get(n)
	m, err := f.ReadAt(buf, int64(h.Offset))
	if m != n {
		mempool.Blocks.Put(buf)
		if err != nil && err != io.EOF {
			return nil, status.IOError(err, "table block read")
		}
		return nil, ErrTruncatedBlock
	}

	data := buf[:h.Size]
	typ := compression.Type(buf[h.Size])
	if verify {
		expected := checksum.Unmask(encoding.DecodeFixed32(buf[h.Size+1:]))
		if actual := checksum.Value(buf[:h.Size+1]); actual != expected {
			mempool.Blocks.Put(buf)
			return nil, errors.Wrapf(ErrChecksumMismatch, "block at offset %d", h.Offset)
		}
	}
	if typ == compression.None {
		// The block is served straight out of buf.
		return data, nil
	}
	out, err := compression.Decompress(typ, data)
	mempool.Blocks.Put(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "block at offset %d", h.Offset)
	}
	return out, nil
}
