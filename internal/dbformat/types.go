// Package dbformat defines the internal key format shared by the memtable,
// the tables and the version metadata.
//
// An internal key is the user key followed by an 8-byte little-endian
// trailer holding (sequence << 8 | type). Internal keys sort by user key
// ascending, then by trailer descending, so the newest entry for a user key
// is met first by a forward scan.
package dbformat

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/encoding"
)

// SequenceNumber orders every mutation applied to the database. Only the low
// 56 bits are usable; the trailer keeps the type in the remaining byte.
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence number a trailer can carry.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the length of the trailer.
const NumInternalBytes = 8

// ValueType tags an entry as a value or a tombstone. The numeric values are
// part of the on-disk format.
type ValueType uint8

const (
	TypeDeletion ValueType = 0x0
	TypeValue    ValueType = 0x1
)

// ValueTypeForSeek is the type placed in keys built for seeking. Since types
// sort descending inside one sequence number, the highest type lands the
// seek on the first entry at or below the sequence.
const ValueTypeForSeek = TypeValue

// String returns a short name for t.
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "del"
	case TypeValue:
		return "val"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	// ErrKeyTooSmall is returned for internal keys shorter than the trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidValueType is returned when the trailer carries an unknown type.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// PackSequenceAndType builds a trailer.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return uint64(seq)<<8 | uint64(t)
}

// UnpackSequenceAndType splits a trailer.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xff)
}

// ParsedInternalKey is the decoded form of an internal key. UserKey aliases
// the buffer it was parsed from.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

// String renders the key as 'user' @ seq : type.
func (p ParsedInternalKey) String() string {
	return fmt.Sprintf("'%s' @ %d : %s", p.UserKey, p.Sequence, p.Type)
}

// AppendInternalKey appends the encoding of key to dst.
func AppendInternalKey(dst []byte, key ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	return encoding.AppendFixed64(dst, PackSequenceAndType(key.Sequence, key.Type))
}

// ParseInternalKey decodes data. The returned UserKey aliases data.
func ParseInternalKey(data []byte) (ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return ParsedInternalKey{}, ErrKeyTooSmall
	}
	seq, t := UnpackSequenceAndType(encoding.DecodeFixed64(data[n-NumInternalBytes:]))
	p := ParsedInternalKey{UserKey: data[:n-NumInternalBytes], Sequence: seq, Type: t}
	if t > TypeValue {
		return p, ErrInvalidValueType
	}
	return p, nil
}

// ExtractUserKey strips the trailer.
// REQUIRES: len(ikey) >= NumInternalBytes
func ExtractUserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-NumInternalBytes]
}

// ExtractTrailer returns the packed trailer of ikey.
// REQUIRES: len(ikey) >= NumInternalBytes
func ExtractTrailer(ikey []byte) uint64 {
	return encoding.DecodeFixed64(ikey[len(ikey)-NumInternalBytes:])
}

// InternalKey is an owned, encoded internal key. The zero value is the
// empty key, which is used by file metadata before a key has been set.
type InternalKey []byte

// MakeInternalKey encodes a fresh internal key.
func MakeInternalKey(userKey []byte, seq SequenceNumber, t ValueType) InternalKey {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes),
		ParsedInternalKey{UserKey: userKey, Sequence: seq, Type: t})
}

// UserKey returns the user portion of k.
func (k InternalKey) UserKey() []byte { return ExtractUserKey(k) }

// Sequence returns the sequence number of k.
func (k InternalKey) Sequence() SequenceNumber {
	seq, _ := UnpackSequenceAndType(ExtractTrailer(k))
	return seq
}

// Type returns the value type of k.
func (k InternalKey) Type() ValueType {
	_, t := UnpackSequenceAndType(ExtractTrailer(k))
	return t
}

// Empty reports whether k has not been set.
func (k InternalKey) Empty() bool { return len(k) == 0 }

// Clone returns a copy of k that does not alias its buffer.
func (k InternalKey) Clone() InternalKey {
	if k == nil {
		return nil
	}
	return append(InternalKey(make([]byte, 0, len(k))), k...)
}

// DebugString renders k for logs and dumps.
func (k InternalKey) DebugString() string {
	p, err := ParseInternalKey(k)
	if err != nil {
		return fmt.Sprintf("(bad)%x", []byte(k))
	}
	return p.String()
}

// LookupKey is the key the read path seeks with. It is laid out so the
// memtable, the internal-key and the user-key forms are all sub-slices of
// one buffer:
//
//	varint32(len(user)+8) | user key | trailer(seq, ValueTypeForSeek)
type LookupKey struct {
	buf    []byte
	kstart int
}

// NewLookupKey builds the lookup key for userKey as of sequence seq.
func NewLookupKey(userKey []byte, seq SequenceNumber) *LookupKey {
	buf := make([]byte, 0, encoding.MaxVarint32Length+len(userKey)+NumInternalBytes)
	buf = encoding.AppendVarint32(buf, uint32(len(userKey)+NumInternalBytes))
	kstart := len(buf)
	buf = AppendInternalKey(buf, ParsedInternalKey{UserKey: userKey, Sequence: seq, Type: ValueTypeForSeek})
	return &LookupKey{buf: buf, kstart: kstart}
}

// MemtableKey returns the length-prefixed internal key.
func (k *LookupKey) MemtableKey() []byte { return k.buf }

// InternalKey returns the internal key.
func (k *LookupKey) InternalKey() []byte { return k.buf[k.kstart:] }

// UserKey returns the user key.
func (k *LookupKey) UserKey() []byte { return k.buf[k.kstart : len(k.buf)-NumInternalBytes] }
