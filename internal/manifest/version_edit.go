package manifest

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

// ErrCorruptedEdit is returned, wrapped with the failing field, when a
// VersionEdit cannot be decoded.
var ErrCorruptedEdit = errors.Mark(errors.New("manifest: corrupted VersionEdit"), status.ErrCorruption)

// DeletedFile names a table removed from a level.
type DeletedFile struct {
	Level  int
	Number uint64
}

// NewFile is a table added to a level.
type NewFile struct {
	Level int
	Meta  *FileMetaData
}

// CompactPointer records where the next compaction of a level starts.
type CompactPointer struct {
	Level int
	Key   dbformat.InternalKey
}

// VersionEdit is a delta between two versions.
type VersionEdit struct {
	Comparator    string
	HasComparator bool

	LogNumber    uint64
	HasLogNumber bool

	PrevLogNumber    uint64
	HasPrevLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    dbformat.SequenceNumber
	HasLastSequence bool

	CompactPointers []CompactPointer
	DeletedFiles    map[DeletedFile]struct{}
	NewFiles        []NewFile
}

// Clear resets e to an empty edit.
func (e *VersionEdit) Clear() { *e = VersionEdit{} }

func (e *VersionEdit) SetComparatorName(name string) {
	e.Comparator = name
	e.HasComparator = true
}

func (e *VersionEdit) SetLogNumber(num uint64) {
	e.LogNumber = num
	e.HasLogNumber = true
}

func (e *VersionEdit) SetPrevLogNumber(num uint64) {
	e.PrevLogNumber = num
	e.HasPrevLogNumber = true
}

func (e *VersionEdit) SetNextFileNumber(num uint64) {
	e.NextFileNumber = num
	e.HasNextFileNumber = true
}

func (e *VersionEdit) SetLastSequence(seq dbformat.SequenceNumber) {
	e.LastSequence = seq
	e.HasLastSequence = true
}

func (e *VersionEdit) SetCompactPointer(level int, key dbformat.InternalKey) {
	e.CompactPointers = append(e.CompactPointers, CompactPointer{Level: level, Key: key})
}

// AddFile adds the table number at level.
// REQUIRES: smallest and largest are the extreme keys of the table.
func (e *VersionEdit) AddFile(level int, number, size uint64, smallest, largest dbformat.InternalKey) {
	e.NewFiles = append(e.NewFiles, NewFile{
		Level: level,
		Meta:  NewFileMetaData(number, size, smallest, largest),
	})
}

// RemoveFile deletes the table number from level.
func (e *VersionEdit) RemoveFile(level int, number uint64) {
	if e.DeletedFiles == nil {
		e.DeletedFiles = make(map[DeletedFile]struct{})
	}
	e.DeletedFiles[DeletedFile{Level: level, Number: number}] = struct{}{}
}

// SortedDeletedFiles returns the deletions ordered by level then number.
func (e *VersionEdit) SortedDeletedFiles() []DeletedFile {
	out := make([]DeletedFile, 0, len(e.DeletedFiles))
	for d := range e.DeletedFiles {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b DeletedFile) int {
		if c := cmp.Compare(a.Level, b.Level); c != 0 {
			return c
		}
		return cmp.Compare(a.Number, b.Number)
	})
	return out
}

// EncodeTo appends the encoded edit to dst.
func (e *VersionEdit) EncodeTo(dst []byte) []byte {
	if e.HasComparator {
		dst = encoding.AppendVarint32(dst, uint32(TagComparator))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(e.Comparator))
	}
	if e.HasLogNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagLogNumber))
		dst = encoding.AppendVarint64(dst, e.LogNumber)
	}
	if e.HasPrevLogNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagPrevLogNumber))
		dst = encoding.AppendVarint64(dst, e.PrevLogNumber)
	}
	if e.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextFileNumber))
		dst = encoding.AppendVarint64(dst, e.NextFileNumber)
	}
	if e.HasLastSequence {
		dst = encoding.AppendVarint32(dst, uint32(TagLastSequence))
		dst = encoding.AppendVarint64(dst, uint64(e.LastSequence))
	}

	for _, cp := range e.CompactPointers {
		dst = encoding.AppendVarint32(dst, uint32(TagCompactPointer))
		dst = encoding.AppendVarint32(dst, uint32(cp.Level))
		dst = encoding.AppendLengthPrefixedSlice(dst, cp.Key)
	}

	for _, d := range e.SortedDeletedFiles() {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedFile))
		dst = encoding.AppendVarint32(dst, uint32(d.Level))
		dst = encoding.AppendVarint64(dst, d.Number)
	}

	for _, nf := range e.NewFiles {
		f := nf.Meta
		dst = encoding.AppendVarint32(dst, uint32(TagNewFile))
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encoding.AppendVarint64(dst, f.Number)
		dst = encoding.AppendVarint64(dst, f.FileSize)
		dst = encoding.AppendLengthPrefixedSlice(dst, f.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, f.Largest)
	}
	return dst
}

// DecodeFrom replaces e with the edit encoded in src.
func (e *VersionEdit) DecodeFrom(src []byte) error {
	e.Clear()
	in := encoding.NewSlice(src)

	corrupt := func(field string) error {
		return errors.Wrap(ErrCorruptedEdit, field)
	}

	for in.Len() > 0 {
		tag, ok := in.GetVarint32()
		if !ok {
			return corrupt("tag")
		}
		switch Tag(tag) {
		case TagComparator:
			name, ok := in.GetLengthPrefixedSlice()
			if !ok {
				return corrupt("comparator name")
			}
			e.SetComparatorName(string(name))

		case TagLogNumber:
			v, ok := in.GetVarint64()
			if !ok {
				return corrupt("log number")
			}
			e.SetLogNumber(v)

		case TagPrevLogNumber:
			v, ok := in.GetVarint64()
			if !ok {
				return corrupt("previous log number")
			}
			e.SetPrevLogNumber(v)

		case TagNextFileNumber:
			v, ok := in.GetVarint64()
			if !ok {
				return corrupt("next file number")
			}
			e.SetNextFileNumber(v)

		case TagLastSequence:
			v, ok := in.GetVarint64()
			if !ok {
				return corrupt("last sequence number")
			}
			e.SetLastSequence(dbformat.SequenceNumber(v))

		case TagCompactPointer:
			level, ok := getLevel(in)
			if !ok {
				return corrupt("compaction pointer")
			}
			key, ok := getInternalKey(in)
			if !ok {
				return corrupt("compaction pointer")
			}
			e.SetCompactPointer(level, key)

		case TagDeletedFile:
			level, ok := getLevel(in)
			if !ok {
				return corrupt("deleted file")
			}
			num, ok := in.GetVarint64()
			if !ok {
				return corrupt("deleted file")
			}
			e.RemoveFile(level, num)

		case TagNewFile:
			level, ok := getLevel(in)
			if !ok {
				return corrupt("new-file entry")
			}
			num, ok1 := in.GetVarint64()
			size, ok2 := in.GetVarint64()
			smallest, ok3 := getInternalKey(in)
			largest, ok4 := getInternalKey(in)
			if !ok1 || !ok2 || !ok3 || !ok4 {
				return corrupt("new-file entry")
			}
			e.AddFile(level, num, size, smallest, largest)

		default:
			return errors.Wrapf(ErrCorruptedEdit, "unknown tag %d", tag)
		}
	}
	return nil
}

func getLevel(in *encoding.Slice) (int, bool) {
	v, ok := in.GetVarint32()
	if !ok || v >= MaxLevels {
		return 0, false
	}
	return int(v), true
}

func getInternalKey(in *encoding.Slice) (dbformat.InternalKey, bool) {
	v, ok := in.GetLengthPrefixedSlice()
	if !ok || len(v) < dbformat.NumInternalBytes {
		return nil, false
	}
	return dbformat.InternalKey(append([]byte(nil), v...)), true
}

// DebugString renders e for logs and the ldb tool.
func (e *VersionEdit) DebugString() string {
	var sb strings.Builder
	sb.WriteString("VersionEdit {")
	if e.HasComparator {
		fmt.Fprintf(&sb, "\n  Comparator: %s", e.Comparator)
	}
	if e.HasLogNumber {
		fmt.Fprintf(&sb, "\n  LogNumber: %d", e.LogNumber)
	}
	if e.HasPrevLogNumber {
		fmt.Fprintf(&sb, "\n  PrevLogNumber: %d", e.PrevLogNumber)
	}
	if e.HasNextFileNumber {
		fmt.Fprintf(&sb, "\n  NextFile: %d", e.NextFileNumber)
	}
	if e.HasLastSequence {
		fmt.Fprintf(&sb, "\n  LastSeq: %d", e.LastSequence)
	}
	for _, cp := range e.CompactPointers {
		fmt.Fprintf(&sb, "\n  CompactPointer: %d %s", cp.Level, cp.Key.DebugString())
	}
	for _, d := range e.SortedDeletedFiles() {
		fmt.Fprintf(&sb, "\n  RemoveFile: %d %d", d.Level, d.Number)
	}
	for _, nf := range e.NewFiles {
		fmt.Fprintf(&sb, "\n  AddFile: %d %s", nf.Level, nf.Meta)
	}
	sb.WriteString("\n}\n")
	return sb.String()
}
