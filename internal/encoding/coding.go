// Package encoding implements the little-endian fixed-width and varint
// codecs shared by every on-disk structure of the engine: write batches,
// log records, manifest edits and table blocks.
//
// Varints use the usual 7-bits-per-byte encoding with the high bit set on
// every byte except the last.
package encoding

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const (
	// MaxVarint32Length is the longest encoding of a uint32.
	MaxVarint32Length = 5

	// MaxVarint64Length is the longest encoding of a uint64.
	MaxVarint64Length = 10
)

var (
	// ErrBufferTooSmall is returned when src ends before the encoded value does.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint does not fit its target width.
	ErrVarintOverflow = errors.New("encoding: varint overflow")
)

// EncodeFixed32 writes value into dst[0:4].
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 reads a uint32 from src[0:4].
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// EncodeFixed64 writes value into dst[0:8].
func EncodeFixed64(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}

// DecodeFixed64 reads a uint64 from src[0:8].
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends the 4-byte encoding of value.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends the 8-byte encoding of value.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// AppendVarint32 appends the varint encoding of value.
func AppendVarint32(dst []byte, value uint32) []byte {
	return AppendVarint64(dst, uint64(value))
}

// AppendVarint64 appends the varint encoding of value.
func AppendVarint64(dst []byte, value uint64) []byte {
	for value >= 0x80 {
		dst = append(dst, byte(value)|0x80)
		value >>= 7
	}
	return append(dst, byte(value))
}

// DecodeVarint32 decodes a varint32 from the front of src and returns the
// value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	var result uint32
	for i, shift := 0, uint(0); shift <= 28; i, shift = i+1, shift+7 {
		if i >= len(src) {
			return 0, 0, ErrBufferTooSmall
		}
		b := src[i]
		if shift == 28 && b > 0x0f {
			return 0, 0, ErrVarintOverflow
		}
		result |= uint32(b&0x7f) << shift
		if b < 0x80 {
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrVarintOverflow
}

// DecodeVarint64 decodes a varint64 from the front of src and returns the
// value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n > 0:
		return v, n, nil
	case n == 0:
		return 0, 0, ErrBufferTooSmall
	default:
		return 0, 0, ErrVarintOverflow
	}
}

// VarintLength returns the number of bytes the varint encoding of v takes.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends varint32(len(value)) followed by value.
func AppendLengthPrefixedSlice(dst, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a slice written by
// AppendLengthPrefixedSlice. The returned value aliases src.
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(src) || end < n {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n:end], end, nil
}

// Slice is a read cursor over an encoded buffer. The Get methods consume
// from the front and report false when the buffer is malformed, leaving
// the cursor unchanged.
type Slice struct {
	data []byte
}

// NewSlice returns a cursor positioned at the start of data.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Len returns the number of unread bytes.
func (s *Slice) Len() int { return len(s.data) }

// Bytes returns the unread bytes.
func (s *Slice) Bytes() []byte { return s.data }

// GetByte consumes a single byte.
func (s *Slice) GetByte() (byte, bool) {
	if len(s.data) == 0 {
		return 0, false
	}
	b := s.data[0]
	s.data = s.data[1:]
	return b, true
}

// GetFixed32 consumes a fixed 32-bit value.
func (s *Slice) GetFixed32() (uint32, bool) {
	if len(s.data) < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data)
	s.data = s.data[4:]
	return v, true
}

// GetFixed64 consumes a fixed 64-bit value.
func (s *Slice) GetFixed64() (uint64, bool) {
	if len(s.data) < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data)
	s.data = s.data[8:]
	return v, true
}

// GetVarint32 consumes a varint32.
func (s *Slice) GetVarint32() (uint32, bool) {
	v, n, err := DecodeVarint32(s.data)
	if err != nil {
		return 0, false
	}
	s.data = s.data[n:]
	return v, true
}

// GetVarint64 consumes a varint64.
func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data)
	if err != nil {
		return 0, false
	}
	s.data = s.data[n:]
	return v, true
}

// GetLengthPrefixedSlice consumes a length-prefixed slice.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data)
	if err != nil {
		return nil, false
	}
	s.data = s.data[n:]
	return v, true
}
