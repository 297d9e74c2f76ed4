package wal

import (
	"io"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/encoding"
)

var blockPadding [HeaderSize - 1]byte

// Writer appends records to a log.
type Writer struct {
	dest        io.Writer
	blockOffset int

	// typeCRC[t] is the CRC32C of the single type byte t, so each record
	// only has to extend it over the payload.
	typeCRC [maxRecordType + 1]uint32

	header [HeaderSize]byte
}

// NewWriter returns a writer that appends to an empty dest.
func NewWriter(dest io.Writer) *Writer {
	return NewWriterWithOffset(dest, 0)
}

// NewWriterWithOffset returns a writer that appends to dest, which already
// holds destLength bytes of log data. Used when an old log is reused.
func NewWriterWithOffset(dest io.Writer, destLength int64) *Writer {
	w := &Writer{
		dest:        dest,
		blockOffset: int(destLength % BlockSize),
	}
	for i := range w.typeCRC {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AddRecord appends data as one logical record. An empty record is written
// as a single zero-length FULL record.
func (w *Writer) AddRecord(data []byte) error {
	left := data
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				if _, err := w.dest.Write(blockPadding[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		n := min(len(left), avail)
		end := n == len(left)

		var typ RecordType
		switch {
		case begin && end:
			typ = FullType
		case begin:
			typ = FirstType
		case end:
			typ = LastType
		default:
			typ = MiddleType
		}

		if err := w.emitPhysicalRecord(typ, left[:n]); err != nil {
			return err
		}
		left = left[n:]
		begin = false
		if end {
			break
		}
	}
	if f, ok := w.dest.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (w *Writer) emitPhysicalRecord(typ RecordType, payload []byte) error {
	n := len(payload)
	w.header[4] = byte(n)
	w.header[5] = byte(n >> 8)
	w.header[6] = byte(typ)

	crc := checksum.Extend(w.typeCRC[typ], payload)
	encoding.EncodeFixed32(w.header[:4], checksum.Mask(crc))

	if _, err := w.dest.Write(w.header[:]); err != nil {
		return err
	}
	if _, err := w.dest.Write(payload); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + n
	return nil
}

// Sync syncs dest if it supports it.
func (w *Writer) Sync() error {
	if s, ok := w.dest.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Close closes dest if it supports it.
func (w *Writer) Close() error {
	if c, ok := w.dest.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
