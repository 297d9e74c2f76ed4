// Package manifest encodes and decodes the records of a MANIFEST file.
//
// A MANIFEST is a log (see package wal) of VersionEdit records. Replaying
// every edit in order from an empty state yields the current set of live
// tables and the persisted counters.
package manifest

// Tag identifies a VersionEdit field on disk. Values must not change.
type Tag uint32

const (
	TagComparator     Tag = 1
	TagLogNumber      Tag = 2
	TagNextFileNumber Tag = 3
	TagLastSequence   Tag = 4
	TagCompactPointer Tag = 5
	TagDeletedFile    Tag = 6
	TagNewFile        Tag = 7
	// 8 was used for large value refs.
	TagPrevLogNumber Tag = 9
)

// MaxLevels bounds the level numbers accepted when decoding.
const MaxLevels = 20
