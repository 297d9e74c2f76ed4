// Package wal implements the write-ahead log format shared by the database
// logs and the MANIFEST.
//
// A log file is a sequence of 32 KiB blocks. Each logical record is split
// into one or more physical records that never cross a block boundary:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// The CRC is the masked CRC32C of Type and Payload. A block tail shorter than
// a header is filled with zeros and never holds a record.
package wal

import (
	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/status"
)

// BlockSize is the size of each block in the log file.
const BlockSize = 32768

// HeaderSize is the size of a physical record header:
// checksum (4) + length (2) + type (1).
const HeaderSize = 7

// RecordType is the type byte of a physical record. Values are part of the
// on-disk format.
type RecordType uint8

const (
	// ZeroType is reserved for preallocated files.
	ZeroType RecordType = 0

	FullType   RecordType = 1
	FirstType  RecordType = 2
	MiddleType RecordType = 3
	LastType   RecordType = 4

	maxRecordType = LastType
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "ZeroType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}

// ErrCorruptedRecord is the cause passed to Reporter.Corruption for every
// dropped physical record.
var ErrCorruptedRecord = errors.Mark(errors.New("wal: corrupted record"), status.ErrCorruption)
