package wal

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Reporter is told about data dropped because of corruption or read errors.
type Reporter interface {
	// Corruption reports that approximately bytes bytes were dropped.
	Corruption(bytes int, err error)
}

// Pseudo record types returned by readPhysicalRecord.
const (
	eofRecord = maxRecordType + 1 + iota
	// badRecord is an invalid physical record: bad CRC, zero length, or a
	// record before the initial offset.
	badRecord
)

// Reader reads logical records from a log.
type Reader struct {
	src      io.Reader
	reporter Reporter
	checksum bool

	backing [BlockSize]byte
	buffer  []byte
	eof     bool

	scratch []byte

	// Offset of the first byte past the current buffer.
	endOfBufferOffset uint64
	lastRecordOffset  uint64
	initialOffset     uint64

	// Set while skipping fragments of a record that started before
	// initialOffset.
	resyncing bool
}

// NewReader returns a reader over src that starts at the first record at or
// after initialOffset. reporter may be nil. When verifyChecksums is set every
// payload is checked against its CRC.
//
// src may implement io.Seeker, in which case the bytes before initialOffset
// are not read.
func NewReader(src io.Reader, reporter Reporter, verifyChecksums bool, initialOffset uint64) *Reader {
	return &Reader{
		src:           src,
		reporter:      reporter,
		checksum:      verifyChecksums,
		initialOffset: initialOffset,
		resyncing:     initialOffset > 0,
	}
}

// LastRecordOffset returns the physical offset of the last record returned
// by ReadRecord.
func (r *Reader) LastRecordOffset() uint64 { return r.lastRecordOffset }

// ReadRecord returns the next record, or io.EOF when the log is exhausted.
// The returned slice is valid until the next call.
//
// Corrupted data is reported and skipped. A partial record at the end of the
// log is a writer that died mid-record and ends the log silently.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.lastRecordOffset < r.initialOffset {
		if !r.skipToInitialBlock() {
			return nil, io.EOF
		}
	}

	r.scratch = r.scratch[:0]
	inFragmentedRecord := false
	// Offset of the first fragment of the record being assembled.
	var prospectiveOffset uint64

	for {
		typ, fragment := r.readPhysicalRecord()

		// readPhysicalRecord leaves fragment at the end of the consumed
		// part of the buffer.
		physicalOffset := r.endOfBufferOffset - uint64(len(r.buffer)) - HeaderSize - uint64(len(fragment))

		if r.resyncing {
			switch typ {
			case MiddleType:
				continue
			case LastType:
				r.resyncing = false
				continue
			default:
				r.resyncing = false
			}
		}

		switch typ {
		case FullType:
			if inFragmentedRecord && len(r.scratch) > 0 {
				r.reportCorruption(len(r.scratch), "partial record without end(1)")
			}
			r.scratch = r.scratch[:0]
			r.lastRecordOffset = physicalOffset
			return fragment, nil

		case FirstType:
			if inFragmentedRecord && len(r.scratch) > 0 {
				r.reportCorruption(len(r.scratch), "partial record without end(2)")
			}
			prospectiveOffset = physicalOffset
			r.scratch = append(r.scratch[:0], fragment...)
			inFragmentedRecord = true

		case MiddleType:
			if !inFragmentedRecord {
				r.reportCorruption(len(fragment), "missing start of fragmented record(1)")
			} else {
				r.scratch = append(r.scratch, fragment...)
			}

		case LastType:
			if !inFragmentedRecord {
				r.reportCorruption(len(fragment), "missing start of fragmented record(2)")
			} else {
				r.scratch = append(r.scratch, fragment...)
				r.lastRecordOffset = prospectiveOffset
				return r.scratch, nil
			}

		case eofRecord:
			r.scratch = r.scratch[:0]
			return nil, io.EOF

		case badRecord:
			if inFragmentedRecord {
				r.reportCorruption(len(r.scratch), "error in middle of record")
				inFragmentedRecord = false
				r.scratch = r.scratch[:0]
			}

		default:
			dropped := len(fragment)
			if inFragmentedRecord {
				dropped += len(r.scratch)
			}
			r.reportCorruption(dropped, "unknown record type %d", typ)
			inFragmentedRecord = false
			r.scratch = r.scratch[:0]
		}
	}
}

// skipToInitialBlock positions src at the start of the block holding
// initialOffset.
func (r *Reader) skipToInitialBlock() bool {
	offsetInBlock := r.initialOffset % BlockSize
	blockStart := r.initialOffset - offsetInBlock

	// A block tail too short for a header holds no records.
	if offsetInBlock > BlockSize-6 {
		blockStart += BlockSize
	}
	r.endOfBufferOffset = blockStart

	if blockStart == 0 {
		return true
	}
	var err error
	if s, ok := r.src.(io.Seeker); ok {
		_, err = s.Seek(int64(blockStart), io.SeekStart)
	} else {
		_, err = io.CopyN(io.Discard, r.src, int64(blockStart))
	}
	if err != nil {
		r.reportDrop(int(blockStart), err)
		return false
	}
	return true
}

func (r *Reader) readPhysicalRecord() (RecordType, []byte) {
	for {
		if len(r.buffer) < HeaderSize {
			if !r.eof {
				n, err := io.ReadFull(r.src, r.backing[:])
				r.endOfBufferOffset += uint64(n)
				r.buffer = r.backing[:n]
				if err != nil {
					if err != io.EOF && err != io.ErrUnexpectedEOF {
						r.buffer = nil
						r.reportDrop(BlockSize, err)
						r.eof = true
						return eofRecord, nil
					}
					r.eof = true
				}
				continue
			}
			// A truncated header at the end of the log means the writer
			// died while writing it.
			r.buffer = nil
			return eofRecord, nil
		}

		header := r.buffer[:HeaderSize]
		length := int(header[4]) | int(header[5])<<8
		typ := RecordType(header[6])

		if HeaderSize+length > len(r.buffer) {
			dropSize := len(r.buffer)
			r.buffer = nil
			if !r.eof {
				r.reportCorruption(dropSize, "bad record length")
				return badRecord, nil
			}
			// Payload cut short at the end of the log: the writer died
			// mid-record.
			return eofRecord, nil
		}

		if typ == ZeroType && length == 0 {
			// Preallocated space; skip the rest of the block without
			// reporting.
			r.buffer = nil
			return badRecord, nil
		}

		if r.checksum {
			expected := checksum.Unmask(encoding.DecodeFixed32(header))
			actual := checksum.Value(r.buffer[6 : HeaderSize+length])
			if actual != expected {
				// The length field itself may be corrupt, so drop the rest
				// of the block.
				dropSize := len(r.buffer)
				r.buffer = nil
				r.reportCorruption(dropSize, "checksum mismatch")
				return badRecord, nil
			}
		}

		fragment := r.buffer[HeaderSize : HeaderSize+length]
		r.buffer = r.buffer[HeaderSize+length:]

		if r.endOfBufferOffset-uint64(len(r.buffer))-HeaderSize-uint64(length) < r.initialOffset {
			return badRecord, nil
		}
		return typ, fragment
	}
}

func (r *Reader) reportCorruption(bytes int, format string, args ...any) {
	r.reportDrop(bytes, errors.Wrapf(ErrCorruptedRecord, format, args...))
}

func (r *Reader) reportDrop(bytes int, err error) {
	if r.reporter == nil {
		return
	}
	if int64(r.endOfBufferOffset)-int64(len(r.buffer))-int64(bytes) >= int64(r.initialOffset) {
		r.reporter.Corruption(bytes, err)
	}
}
