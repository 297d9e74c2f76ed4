package manifest

import (
	"fmt"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
)

// FileMetaData describes one table file.
type FileMetaData struct {
	Number   uint64
	FileSize uint64
	Smallest dbformat.InternalKey
	Largest  dbformat.InternalKey

	// AllowedSeeks counts the seeks left before the file is nominated for
	// a seek-triggered compaction.
	AllowedSeeks atomic.Int32

	refs atomic.Int32
}

// NewFileMetaData returns metadata for a table and sets its seek budget.
func NewFileMetaData(number, size uint64, smallest, largest dbformat.InternalKey) *FileMetaData {
	f := &FileMetaData{
		Number:   number,
		FileSize: size,
		Smallest: smallest,
		Largest:  largest,
	}
	f.ResetAllowedSeeks()
	return f
}

// ResetAllowedSeeks sets the seek budget from the file size.
//
// One seek costs about as much as compacting 40 KB of data, and a compaction
// of 1 MB touches ~25 MB of I/O across two levels. Allowing one seek per
// 16 KB of data makes a compaction no more expensive than the seeks it saves.
func (f *FileMetaData) ResetAllowedSeeks() {
	seeks := int32(f.FileSize / 16384)
	if seeks < 100 {
		seeks = 100
	}
	f.AllowedSeeks.Store(seeks)
}

// Ref increments the reference count.
func (f *FileMetaData) Ref() { f.refs.Add(1) }

// Unref decrements the reference count and reports whether it hit zero.
func (f *FileMetaData) Unref() bool {
	n := f.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("manifest: file %d unreferenced too many times", f.Number))
	}
	return n == 0
}

// Refs returns the current reference count.
func (f *FileMetaData) Refs() int32 { return f.refs.Load() }

func (f *FileMetaData) String() string {
	return fmt.Sprintf("%d:%d[%s .. %s]", f.Number, f.FileSize, f.Smallest.DebugString(), f.Largest.DebugString())
}
