// Package compression compresses table blocks.
//
// A block is stored with a one-byte type in its trailer, so readers can
// decode blocks written under any setting.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

// Type is a block compression algorithm. Values are part of the on-disk
// format.
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zstd   Type = 2
	LZ4    Type = 3
)

// ErrCorruptedBlock is returned when a compressed block cannot be decoded.
var ErrCorruptedBlock = errors.Mark(errors.New("compression: corrupted compressed block"), status.ErrCorruption)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType parses a compression name as printed by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return None, status.InvalidArgumentf("unknown compression %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress appends the compressed form of raw to dst[:0].
func Compress(t Type, dst, raw []byte) ([]byte, error) {
	switch t {
	case None:
		return append(dst[:0], raw...), nil
	case Snappy:
		return snappy.Encode(dst[:cap(dst)], raw), nil
	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		return enc.EncodeAll(raw, dst[:0]), nil
	case LZ4:
		// lz4 blocks do not record their decoded size.
		out := encoding.AppendVarint64(dst[:0], uint64(len(raw)))
		hdr := len(out)
		out = append(out, make([]byte, lz4.CompressBlockBound(len(raw)))...)
		var c lz4.Compressor
		n, err := c.CompressBlock(raw, out[hdr:])
		if err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		if n == 0 {
			// Incompressible; the caller keeps the raw block.
			return append(dst[:0], raw...), nil
		}
		return out[:hdr+n], nil
	}
	return nil, status.NotSupportedf("compression type %s", t)
}

// Decompress decodes a block compressed with t.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptedBlock, err.Error())
		}
		return out, nil
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptedBlock, err.Error())
		}
		return out, nil
	case LZ4:
		size, n, err := encoding.DecodeVarint64(data)
		if err != nil || size > uint64(1)<<32 {
			return nil, errors.Wrap(ErrCorruptedBlock, "lz4 size")
		}
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(data[n:], out)
		if err != nil || uint64(m) != size {
			return nil, errors.Wrap(ErrCorruptedBlock, "lz4 block")
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrCorruptedBlock, "unknown compression type %d", uint8(t))
}

// Worthwhile reports whether a compressed block is small enough to store
// instead of the raw block: it must save at least 12.5%.
func Worthwhile(compressed, raw int) bool {
	return compressed < raw-raw/8
}
