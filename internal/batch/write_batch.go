// Package batch implements the WriteBatch: the unit of atomic update and
// the payload of every write-ahead log record.
//
// Layout:
//
//	sequence: fixed64
//	count:    fixed32
//	records:  record*
//
//	record := TypeValue    varstring(key) varstring(value)
//	        | TypeDeletion varstring(key)
//
// Sequence numbers are not stored per record: the i-th record of a batch
// committed at sequence s is applied at s+i.
package batch

import (
	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

// HeaderSize is the length of the sequence and count header.
const HeaderSize = 12

var (
	// ErrCorrupted reports a malformed batch body or a count that does not
	// match the records.
	ErrCorrupted = errors.Mark(errors.New("batch: corrupted write batch"), status.ErrCorruption)

	// ErrTooSmall reports a batch shorter than its header.
	ErrTooSmall = errors.Mark(errors.New("batch: malformed write batch (too small)"), status.ErrCorruption)
)

// Handler receives the records of a batch in order.
type Handler interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// WriteBatch collects updates to be applied atomically. The zero value is
// not usable; call New.
type WriteBatch struct {
	rep []byte
}

// New returns an empty batch.
func New() *WriteBatch {
	return &WriteBatch{rep: make([]byte, HeaderSize)}
}

// Put records the mapping key->value.
func (b *WriteBatch) Put(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(dbformat.TypeValue))
	b.rep = encoding.AppendLengthPrefixedSlice(b.rep, key)
	b.rep = encoding.AppendLengthPrefixedSlice(b.rep, value)
}

// Delete records the removal of key.
func (b *WriteBatch) Delete(key []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(dbformat.TypeDeletion))
	b.rep = encoding.AppendLengthPrefixedSlice(b.rep, key)
}

// Clear drops every record and resets the header.
func (b *WriteBatch) Clear() {
	clear(b.rep[:HeaderSize])
	b.rep = b.rep[:HeaderSize]
}

// Append adds the records of src to b. The sequence of b is unchanged.
func (b *WriteBatch) Append(src *WriteBatch) {
	b.setCount(b.Count() + src.Count())
	b.rep = append(b.rep, src.rep[HeaderSize:]...)
}

// ApproximateSize is the encoded size of the batch.
func (b *WriteBatch) ApproximateSize() int { return len(b.rep) }

// Count returns the number of records.
func (b *WriteBatch) Count() int {
	return int(encoding.DecodeFixed32(b.rep[8:]))
}

func (b *WriteBatch) setCount(n int) {
	encoding.EncodeFixed32(b.rep[8:], uint32(n))
}

// Sequence returns the sequence assigned to the first record.
func (b *WriteBatch) Sequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(encoding.DecodeFixed64(b.rep))
}

// SetSequence assigns seq to the first record.
func (b *WriteBatch) SetSequence(seq dbformat.SequenceNumber) {
	encoding.EncodeFixed64(b.rep, uint64(seq))
}

// Contents returns the encoded batch. It aliases the batch buffer.
func (b *WriteBatch) Contents() []byte { return b.rep }

// SetContents replaces the batch with an encoded batch read from a log.
func (b *WriteBatch) SetContents(contents []byte) error {
	if len(contents) < HeaderSize {
		return ErrTooSmall
	}
	b.rep = append(b.rep[:0], contents...)
	return nil
}

// Iterate feeds every record to h. It fails on a malformed record or when
// the number of records differs from the header count.
func (b *WriteBatch) Iterate(h Handler) error {
	if len(b.rep) < HeaderSize {
		return ErrTooSmall
	}
	input := encoding.NewSlice(b.rep[HeaderSize:])
	found := 0
	for input.Len() > 0 {
		found++
		tag, _ := input.GetByte()
		switch dbformat.ValueType(tag) {
		case dbformat.TypeValue:
			key, ok := input.GetLengthPrefixedSlice()
			if !ok {
				return errors.Wrap(ErrCorrupted, "bad WriteBatch Put")
			}
			value, ok := input.GetLengthPrefixedSlice()
			if !ok {
				return errors.Wrap(ErrCorrupted, "bad WriteBatch Put")
			}
			h.Put(key, value)
		case dbformat.TypeDeletion:
			key, ok := input.GetLengthPrefixedSlice()
			if !ok {
				return errors.Wrap(ErrCorrupted, "bad WriteBatch Delete")
			}
			h.Delete(key)
		default:
			return errors.Wrapf(ErrCorrupted, "unknown WriteBatch tag %d", tag)
		}
	}
	if found != b.Count() {
		return errors.Wrapf(ErrCorrupted, "WriteBatch has wrong count: header says %d, found %d", b.Count(), found)
	}
	return nil
}
