// Package version tracks the set of table files that make up each
// consistent state of the database.
//
// A Version is an immutable list of files per level. A VersionSet owns the
// chain of live Versions and the MANIFEST that records how one Version
// becomes the next. New Versions are built by applying a VersionEdit to the
// current one through a Builder.
package version

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
)

// TableCache opens table files by number. Implementations cache open
// readers.
type TableCache interface {
	// NewIterator returns an iterator over the table. Errors opening the
	// table are reported through the iterator.
	NewIterator(ro table.ReadOptions, number, size uint64) iterator.Iterator

	// Get calls fn with the first entry at or after ikey, if the table may
	// hold it.
	Get(ro table.ReadOptions, number, size uint64, ikey []byte, fn func(key, value []byte)) error

	// ApproximateOffsetOf returns the approximate offset of ikey in the
	// table, or 0 when the table cannot be opened.
	ApproximateOffsetOf(number, size uint64, ikey []byte) uint64
}

// Version is a consistent set of table files. Its file lists never change
// once it is installed.
type Version struct {
	vset *VersionSet
	refs atomic.Int32

	// files[level] is sorted by file number at level 0 and by smallest key
	// elsewhere.
	files [][]*manifest.FileMetaData

	// Next file to compact based on seek stats.
	fileToCompact      *manifest.FileMetaData
	fileToCompactLevel int

	// Level that should be compacted next and its score. A score < 1 means
	// compaction is not strictly needed. Set by VersionSet.finalize.
	compactionScore float64
	compactionLevel int
}

func newVersion(vs *VersionSet) *Version {
	return &Version{
		vset:               vs,
		files:              make([][]*manifest.FileMetaData, vs.opts.NumLevels),
		fileToCompactLevel: -1,
		compactionScore:    -1,
		compactionLevel:    -1,
	}
}

// Ref increments the reference count.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops a reference. The last reference unlinks v from its
// VersionSet and releases its files.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n < 0 {
		panic("version: unreferenced too many times")
	}
	if n == 0 {
		v.vset.removeVersion(v)
		v.unrefFiles()
	}
}

func (v *Version) unrefFiles() {
	for _, files := range v.files {
		for _, f := range files {
			f.Unref()
		}
	}
}

// NumLevels returns the number of levels.
func (v *Version) NumLevels() int { return len(v.files) }

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= len(v.files) {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level. The slice must not be modified.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// CompactionScore returns the best size-compaction score and its level.
func (v *Version) CompactionScore() (float64, int) {
	return v.compactionScore, v.compactionLevel
}

// FileToCompact returns the file nominated by seek stats, if any.
func (v *Version) FileToCompact() (*manifest.FileMetaData, int) {
	return v.fileToCompact, v.fileToCompactLevel
}

// GetStats records the first file probed by a Get that consulted more
// than one file.
type GetStats struct {
	SeekFile      *manifest.FileMetaData
	SeekFileLevel int
}

// Get looks up lk. It returns a NotFound error when the key is absent or
// deleted. Does not require the DB mutex.
func (v *Version) Get(ro table.ReadOptions, lk *dbformat.LookupKey) ([]byte, GetStats, error) {
	return v.get(ro, lk, true)
}

// Has is Get without copying the value out of the table block.
func (v *Version) Has(ro table.ReadOptions, lk *dbformat.LookupKey) (GetStats, error) {
	_, stats, err := v.get(ro, lk, false)
	return stats, err
}

func (v *Version) get(ro table.ReadOptions, lk *dbformat.LookupKey, copyValue bool) ([]byte, GetStats, error) {
	stats := GetStats{SeekFileLevel: -1}
	ikey := lk.InternalKey()
	userKey := lk.UserKey()
	ucmp := v.vset.icmp.UserComparator()

	var (
		lastFileRead      *manifest.FileMetaData
		lastFileReadLevel = -1
		value             []byte
		err               error
		done              bool
	)
	v.forEachOverlapping(userKey, ikey, func(level int, f *manifest.FileMetaData) bool {
		if stats.SeekFile == nil && lastFileRead != nil {
			// More than one seek for this read; charge the first file.
			stats.SeekFile = lastFileRead
			stats.SeekFileLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level

		getErr := v.vset.tableCache.Get(ro, f.Number, f.FileSize, ikey, func(k, val []byte) {
			parsed, perr := dbformat.ParseInternalKey(k)
			if perr != nil {
				err = status.Corruptionf("corrupted key for %q", userKey)
				done = true
				return
			}
			if ucmp.Compare(parsed.UserKey, userKey) != 0 {
				return
			}
			done = true
			switch parsed.Type {
			case dbformat.TypeValue:
				if copyValue {
					value = append([]byte(nil), val...)
				}
			case dbformat.TypeDeletion:
				err = status.ErrNotFound
			}
		})
		if getErr != nil {
			err = getErr
			return false
		}
		return !done
	})
	if err != nil {
		return nil, stats, err
	}
	if !done {
		return nil, stats, status.ErrNotFound
	}
	return value, stats, nil
}

// UpdateStats charges a seek to stats.SeekFile and reports whether a new
// seek compaction should be triggered. Requires the DB mutex.
func (v *Version) UpdateStats(stats GetStats) bool {
	f := stats.SeekFile
	if f == nil {
		return false
	}
	if f.AllowedSeeks.Add(-1) <= 0 && v.fileToCompact == nil {
		v.fileToCompact = f
		v.fileToCompactLevel = stats.SeekFileLevel
		return true
	}
	return false
}

// RecordReadSample charges a seek when ikey overlaps more than one file. It
// reports whether a new compaction may be needed. Requires the DB mutex.
func (v *Version) RecordReadSample(ikey []byte) bool {
	parsed, err := dbformat.ParseInternalKey(ikey)
	if err != nil {
		return false
	}
	var stats GetStats
	matches := 0
	v.forEachOverlapping(parsed.UserKey, ikey, func(level int, f *manifest.FileMetaData) bool {
		matches++
		if matches == 1 {
			stats.SeekFile = f
			stats.SeekFileLevel = level
		}
		return matches < 2
	})
	if matches >= 2 {
		return v.UpdateStats(stats)
	}
	return false
}

// forEachOverlapping calls fn for every file that may hold userKey, newest
// first, until fn returns false.
func (v *Version) forEachOverlapping(userKey, ikey []byte, fn func(level int, f *manifest.FileMetaData) bool) {
	icmp := v.vset.icmp
	ucmp := icmp.UserComparator()

	var tmp []*manifest.FileMetaData
	for _, f := range v.files[0] {
		if ucmp.Compare(userKey, f.Smallest.UserKey()) >= 0 &&
			ucmp.Compare(userKey, f.Largest.UserKey()) <= 0 {
			tmp = append(tmp, f)
		}
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i].Number > tmp[j].Number })
	for _, f := range tmp {
		if !fn(0, f) {
			return
		}
	}

	for level := 1; level < len(v.files); level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		i := FindFile(icmp, files, ikey)
		if i < len(files) && ucmp.Compare(userKey, files[i].Smallest.UserKey()) >= 0 {
			if !fn(level, files[i]) {
				return
			}
		}
	}
}

// OverlapInLevel reports whether any file at level overlaps the user key
// range [smallest, largest]. A nil bound is unbounded.
func (v *Version) OverlapInLevel(level int, smallest, largest []byte) bool {
	return SomeFileOverlapsRange(v.vset.icmp, level > 0, v.files[level], smallest, largest)
}

// PickLevelForMemTableOutput returns the level a flushed memtable covering
// [smallest, largest] should go to. Output is pushed past level 0 while
// it does not overlap the next level and its grandparent overlap stays
// small.
func (v *Version) PickLevelForMemTableOutput(smallest, largest []byte) int {
	level := 0
	if v.OverlapInLevel(0, smallest, largest) {
		return level
	}
	start := dbformat.MakeInternalKey(smallest, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	limit := dbformat.MakeInternalKey(largest, 0, 0)
	for level < v.vset.opts.MaxMemCompactLevel {
		if v.OverlapInLevel(level+1, smallest, largest) {
			break
		}
		if level+2 < len(v.files) {
			overlaps := v.GetOverlappingInputs(level+2, start, limit)
			if totalFileSize(overlaps) > v.vset.maxGrandParentOverlapBytes() {
				break
			}
		}
		level++
	}
	return level
}

// GetOverlappingInputs returns the files at level that overlap
// [begin, end]. A nil bound is unbounded. At level 0 the range grows to
// cover every file that transitively overlaps it.
func (v *Version) GetOverlappingInputs(level int, begin, end dbformat.InternalKey) []*manifest.FileMetaData {
	ucmp := v.vset.icmp.UserComparator()
	var userBegin, userEnd []byte
	if begin != nil {
		userBegin = begin.UserKey()
	}
	if end != nil {
		userEnd = end.UserKey()
	}

	var inputs []*manifest.FileMetaData
	files := v.files[level]
	for i := 0; i < len(files); {
		f := files[i]
		i++
		fileStart, fileLimit := f.Smallest.UserKey(), f.Largest.UserKey()
		if userBegin != nil && ucmp.Compare(fileLimit, userBegin) < 0 {
			continue
		}
		if userEnd != nil && ucmp.Compare(fileStart, userEnd) > 0 {
			continue
		}
		inputs = append(inputs, f)
		if level != 0 {
			continue
		}
		// Level-0 files may overlap each other. If the new file widens the
		// range, restart the search with the wider range.
		if userBegin != nil && ucmp.Compare(fileStart, userBegin) < 0 {
			userBegin = fileStart
			inputs = inputs[:0]
			i = 0
		} else if userEnd != nil && ucmp.Compare(fileLimit, userEnd) > 0 {
			userEnd = fileLimit
			inputs = inputs[:0]
			i = 0
		}
	}
	return inputs
}

// AddIterators returns iterators that together yield the version's
// contents: one per level-0 file and one concatenating iterator per
// non-empty deeper level.
func (v *Version) AddIterators(ro table.ReadOptions) []iterator.Iterator {
	var iters []iterator.Iterator
	for _, f := range v.files[0] {
		iters = append(iters, v.vset.tableCache.NewIterator(ro, f.Number, f.FileSize))
	}
	for level := 1; level < len(v.files); level++ {
		if len(v.files[level]) > 0 {
			iters = append(iters, v.vset.newConcatenatingIterator(ro, v.files[level]))
		}
	}
	return iters
}

// DebugString lists the files per level.
func (v *Version) DebugString() string {
	var b strings.Builder
	for level, files := range v.files {
		fmt.Fprintf(&b, "--- level %d ---\n", level)
		for _, f := range files {
			fmt.Fprintf(&b, " %s\n", f)
		}
	}
	return b.String()
}

// FindFile returns the index of the first file whose largest key is
// >= key, or len(files) when there is none. files must be sorted and
// disjoint.
func FindFile(icmp *dbformat.InternalKeyComparator, files []*manifest.FileMetaData, key []byte) int {
	return sort.Search(len(files), func(i int) bool {
		return icmp.Compare(files[i].Largest, key) >= 0
	})
}

func afterFile(ucmp dbformat.Comparator, userKey []byte, f *manifest.FileMetaData) bool {
	// nil userKey occurs before all keys and is therefore never after f.
	return userKey != nil && ucmp.Compare(userKey, f.Largest.UserKey()) > 0
}

func beforeFile(ucmp dbformat.Comparator, userKey []byte, f *manifest.FileMetaData) bool {
	// nil userKey occurs after all keys and is therefore never before f.
	return userKey != nil && ucmp.Compare(userKey, f.Smallest.UserKey()) < 0
}

// SomeFileOverlapsRange reports whether any file overlaps the user key
// range [smallest, largest]. A nil smallest is before all keys and a nil
// largest is after all keys. disjoint means files are sorted and do not
// overlap, which allows a binary search.
func SomeFileOverlapsRange(icmp *dbformat.InternalKeyComparator, disjoint bool, files []*manifest.FileMetaData, smallest, largest []byte) bool {
	ucmp := icmp.UserComparator()
	if !disjoint {
		for _, f := range files {
			if afterFile(ucmp, smallest, f) || beforeFile(ucmp, largest, f) {
				continue
			}
			return true
		}
		return false
	}

	index := 0
	if smallest != nil {
		small := dbformat.MakeInternalKey(smallest, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
		index = FindFile(icmp, files, small)
	}
	if index >= len(files) {
		// Beginning of range is after all files.
		return false
	}
	return !beforeFile(ucmp, largest, files[index])
}

func totalFileSize(files []*manifest.FileMetaData) uint64 {
	var sum uint64
	for _, f := range files {
		sum += f.FileSize
	}
	return sum
}

// levelFileNumIterator walks the files of one sorted level. Its key is a
// file's largest key and its value is the file's number and size, each as
// a fixed64.
type levelFileNumIterator struct {
	icmp  *dbformat.InternalKeyComparator
	files []*manifest.FileMetaData
	index int
	value [16]byte
}

func newLevelFileNumIterator(icmp *dbformat.InternalKeyComparator, files []*manifest.FileMetaData) *levelFileNumIterator {
	return &levelFileNumIterator{icmp: icmp, files: files, index: len(files)}
}

func (it *levelFileNumIterator) Valid() bool { return it.index >= 0 && it.index < len(it.files) }

func (it *levelFileNumIterator) Seek(target []byte) { it.index = FindFile(it.icmp, it.files, target) }

func (it *levelFileNumIterator) SeekToFirst() { it.index = 0 }

func (it *levelFileNumIterator) SeekToLast() {
	if len(it.files) == 0 {
		it.index = 0
		return
	}
	it.index = len(it.files) - 1
}

func (it *levelFileNumIterator) Next() { it.index++ }

func (it *levelFileNumIterator) Prev() {
	if it.index == 0 {
		it.index = len(it.files) // marks as invalid
		return
	}
	it.index--
}

func (it *levelFileNumIterator) Key() []byte { return it.files[it.index].Largest }

func (it *levelFileNumIterator) Value() []byte {
	f := it.files[it.index]
	encoding.EncodeFixed64(it.value[:8], f.Number)
	encoding.EncodeFixed64(it.value[8:], f.FileSize)
	return it.value[:]
}

func (it *levelFileNumIterator) Error() error { return nil }

func (it *levelFileNumIterator) Close() error { return nil }

// newConcatenatingIterator returns an iterator over the sorted, disjoint
// files of one level that opens each table lazily.
func (vs *VersionSet) newConcatenatingIterator(ro table.ReadOptions, files []*manifest.FileMetaData) iterator.Iterator {
	index := newLevelFileNumIterator(vs.icmp, files)
	return table.NewTwoLevelIterator(index, func(value []byte) iterator.Iterator {
		if len(value) != 16 {
			return iterator.NewEmptyIterator(status.Corruptionf("file reader invoked with unexpected value"))
		}
		return vs.tableCache.NewIterator(ro, encoding.DecodeFixed64(value[:8]), encoding.DecodeFixed64(value[8:]))
	})
}
