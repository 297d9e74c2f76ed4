// Package block implements the blocks a table file is made of and the
// fixed-size footer that locates the index.
//
// A block is a sequence of prefix-compressed entries followed by a restart
// array:
//
//	entry:    shared varint32 | unshared varint32 | value_len varint32 |
//	          key_delta[unshared] | value[value_len]
//	restarts: fixed32[num_restarts]
//	          fixed32 num_restarts
//
// Every restart point stores its key in full (shared == 0).
package block

import (
	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

var (
	// ErrBadHandle is returned when a block handle cannot be decoded.
	ErrBadHandle = errors.Mark(errors.New("block: bad block handle"), status.ErrCorruption)

	// ErrBadFooter is returned for a footer with a bad magic number or
	// handles.
	ErrBadFooter = errors.Mark(errors.New("block: not an sstable (bad magic number)"), status.ErrCorruption)

	// ErrBadBlock is returned for a block with inconsistent contents.
	ErrBadBlock = errors.Mark(errors.New("block: bad block contents"), status.ErrCorruption)
)

// MaxEncodedHandleLength is the longest encoding of a Handle.
const MaxEncodedHandleLength = 2 * encoding.MaxVarint64Length

// TrailerSize is the type byte plus CRC stored after every block.
const TrailerSize = 5

// Handle locates a block within a file. Size excludes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the encoding of h to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

// DecodeHandle decodes a handle from the front of src and returns the bytes
// consumed.
func DecodeHandle(src []byte) (Handle, int, error) {
	offset, n1, err := encoding.DecodeVarint64(src)
	if err != nil {
		return Handle{}, 0, ErrBadHandle
	}
	size, n2, err := encoding.DecodeVarint64(src[n1:])
	if err != nil {
		return Handle{}, 0, ErrBadHandle
	}
	return Handle{Offset: offset, Size: size}, n1 + n2, nil
}

// TableMagicNumber ends every table file.
const TableMagicNumber uint64 = 0xdb4775248b80fb57

// FooterLength is the encoded size of a Footer: two padded handles and the
// magic number.
const FooterLength = 2*MaxEncodedHandleLength + 8

// Footer is stored at the end of every table.
type Footer struct {
	MetaindexHandle Handle
	IndexHandle     Handle
}

// EncodeTo appends the FooterLength-byte encoding of f to dst.
func (f Footer) EncodeTo(dst []byte) []byte {
	start := len(dst)
	dst = f.MetaindexHandle.EncodeTo(dst)
	dst = f.IndexHandle.EncodeTo(dst)
	dst = append(dst, make([]byte, start+2*MaxEncodedHandleLength-len(dst))...)
	dst = encoding.AppendFixed32(dst, uint32(TableMagicNumber&0xffffffff))
	return encoding.AppendFixed32(dst, uint32(TableMagicNumber>>32))
}

// DecodeFooter decodes a footer from the last FooterLength bytes of a table.
func DecodeFooter(src []byte) (Footer, error) {
	if len(src) < FooterLength {
		return Footer{}, errors.Wrap(ErrBadFooter, "footer too short")
	}
	src = src[len(src)-FooterLength:]
	magicLo := encoding.DecodeFixed32(src[FooterLength-8:])
	magicHi := encoding.DecodeFixed32(src[FooterLength-4:])
	if uint64(magicHi)<<32|uint64(magicLo) != TableMagicNumber {
		return Footer{}, ErrBadFooter
	}
	var f Footer
	meta, n, err := DecodeHandle(src)
	if err != nil {
		return Footer{}, err
	}
	index, _, err := DecodeHandle(src[n:])
	if err != nil {
		return Footer{}, err
	}
	f.MetaindexHandle = meta
	f.IndexHandle = index
	return f, nil
}
