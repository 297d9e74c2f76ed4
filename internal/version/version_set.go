package version

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipset"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// Options configures a VersionSet.
type Options struct {
	FS     vfs.FS
	Logger logging.Logger

	NumLevels           int
	MaxFileSize         uint64
	L0CompactionTrigger int
	MaxMemCompactLevel  int

	// ReuseLogs appends to the existing MANIFEST on recovery when it is
	// small enough.
	ReuseLogs      bool
	ParanoidChecks bool
}

func (o *Options) setDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	o.Logger = logging.OrDefault(o.Logger)
	if o.NumLevels <= 1 {
		o.NumLevels = 7
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = 4
	}
	if o.MaxMemCompactLevel >= o.NumLevels-1 {
		o.MaxMemCompactLevel = o.NumLevels - 2
	}
}

// VersionSet owns the live Versions and the MANIFEST.
//
// Unless noted otherwise, methods require the caller to hold the DB mutex.
type VersionSet struct {
	dbname     string
	opts       Options
	tableCache TableCache
	icmp       *dbformat.InternalKeyComparator

	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       atomic.Uint64
	logNumber          uint64
	prevLogNumber      uint64 // 0 or the log backing a memtable being compacted

	descriptorFile vfs.WritableFile
	descriptorLog  *wal.Writer

	// versions lists the live versions, oldest first. The last entry is
	// current. Guarded by listMu so Unref works without the DB mutex.
	listMu   sync.Mutex
	versions []*Version
	current  *Version

	// compactPointer[level] is the key where the next compaction of level
	// starts, or empty to start at the beginning.
	compactPointer []dbformat.InternalKey
}

// NewVersionSet returns a VersionSet with an empty current version. Call
// Recover to load the persisted state.
func NewVersionSet(dbname string, opts Options, tc TableCache, icmp *dbformat.InternalKeyComparator) *VersionSet {
	opts.setDefaults()
	vs := &VersionSet{
		dbname:         dbname,
		opts:           opts,
		tableCache:     tc,
		icmp:           icmp,
		nextFileNumber: 2,
		compactPointer: make([]dbformat.InternalKey, opts.NumLevels),
	}
	vs.appendVersion(newVersion(vs))
	return vs
}

// Current returns the current version.
func (vs *VersionSet) Current() *Version { return vs.current }

// NumLevels returns the number of levels.
func (vs *VersionSet) NumLevels() int { return vs.opts.NumLevels }

// ManifestFileNumber returns the number of the current MANIFEST.
func (vs *VersionSet) ManifestFileNumber() uint64 { return vs.manifestFileNumber }

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// ReuseFileNumber returns number to the allocator if it was the last one
// handed out.
func (vs *VersionSet) ReuseFileNumber(number uint64) {
	if vs.nextFileNumber == number+1 {
		vs.nextFileNumber = number
	}
}

// MarkFileNumberUsed makes sure number is never allocated.
func (vs *VersionSet) MarkFileNumberUsed(number uint64) {
	if vs.nextFileNumber <= number {
		vs.nextFileNumber = number + 1
	}
}

// LastSequence returns the last sequence number written. Safe without the
// DB mutex.
func (vs *VersionSet) LastSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(vs.lastSequence.Load())
}

// SetLastSequence advances the last sequence number.
func (vs *VersionSet) SetLastSequence(seq dbformat.SequenceNumber) {
	if seq < vs.LastSequence() {
		panic(fmt.Sprintf("version: last sequence moving backwards: %d < %d", seq, vs.LastSequence()))
	}
	vs.lastSequence.Store(uint64(seq))
}

// LogNumber returns the number of the oldest log still needed.
func (vs *VersionSet) LogNumber() uint64 { return vs.logNumber }

// PrevLogNumber returns the log being compacted, or 0.
func (vs *VersionSet) PrevLogNumber() uint64 { return vs.prevLogNumber }

func (vs *VersionSet) appendVersion(v *Version) {
	if v == vs.current {
		panic("version: appending current version")
	}
	vs.listMu.Lock()
	old := vs.current
	vs.current = v
	v.Ref()
	vs.versions = append(vs.versions, v)
	vs.listMu.Unlock()
	if old != nil {
		old.Unref()
	}
}

func (vs *VersionSet) removeVersion(v *Version) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	for i, lv := range vs.versions {
		if lv == v {
			vs.versions = append(vs.versions[:i], vs.versions[i+1:]...)
			return
		}
	}
}

// NumLiveVersions returns the number of versions still referenced.
func (vs *VersionSet) NumLiveVersions() int {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	return len(vs.versions)
}

// LogAndApply applies edit to the current version, records it in the
// MANIFEST and installs the result as the new current version. mu is the
// DB mutex; it must be held and is released while the MANIFEST is written.
// On failure the current version is unchanged.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit, mu *sync.Mutex) error {
	if edit.HasLogNumber {
		if edit.LogNumber < vs.logNumber || edit.LogNumber >= vs.nextFileNumber {
			return status.InvalidArgumentf("log number %d outside [%d, %d)", edit.LogNumber, vs.logNumber, vs.nextFileNumber)
		}
	} else {
		edit.SetLogNumber(vs.logNumber)
	}
	if !edit.HasPrevLogNumber {
		edit.SetPrevLogNumber(vs.prevLogNumber)
	}
	edit.SetNextFileNumber(vs.nextFileNumber)
	edit.SetLastSequence(vs.LastSequence())

	v := newVersion(vs)
	b := NewBuilder(vs, vs.current)
	err := b.Apply(edit)
	if err == nil {
		err = b.SaveTo(v)
	}
	b.Release()
	if err != nil {
		v.unrefFiles()
		return err
	}
	vs.finalize(v)

	// Initialize a new descriptor log file if necessary by creating a
	// temporary file that contains a snapshot of the current version.
	var newManifest string
	if vs.descriptorLog == nil {
		// No reason to unlock mu here since we only hit this path in the
		// first call to LogAndApply (when opening the database).
		newManifest = filename.Descriptor(vs.dbname, vs.manifestFileNumber)
		f, cerr := vs.opts.FS.Create(newManifest)
		if cerr != nil {
			err = cerr
		} else {
			vs.descriptorFile = f
			vs.descriptorLog = wal.NewWriter(f)
			err = vs.writeSnapshot(vs.descriptorLog)
		}
	}

	// Unlock during the expensive MANIFEST log write.
	mu.Unlock()
	if err == nil {
		record := edit.EncodeTo(nil)
		err = vs.descriptorLog.AddRecord(record)
		if err == nil {
			err = vs.descriptorFile.Sync()
		}
		if err != nil {
			vs.opts.Logger.Errorf("%sMANIFEST write: %v", logging.NSManifest, err)
		}
	}
	// If we just created a new descriptor file, install it by writing a
	// new CURRENT file that points to it.
	if err == nil && newManifest != "" {
		err = filename.SetCurrentFile(vs.opts.FS, vs.dbname, vs.manifestFileNumber)
	}
	mu.Lock()

	if err != nil {
		v.unrefFiles()
		if newManifest != "" {
			if vs.descriptorFile != nil {
				_ = vs.descriptorFile.Close()
			}
			vs.descriptorLog = nil
			vs.descriptorFile = nil
			_ = vs.opts.FS.Remove(newManifest)
		}
		return status.IOError(err, "log and apply")
	}

	vs.appendVersion(v)
	vs.logNumber = edit.LogNumber
	vs.prevLogNumber = edit.PrevLogNumber
	return nil
}

type manifestReporter struct {
	err *error
}

func (r manifestReporter) Corruption(_ int, err error) {
	if *r.err == nil {
		*r.err = err
	}
}

// Recover loads the last saved state from the MANIFEST named by CURRENT.
// saveManifest reports that the caller must write a new MANIFEST because
// the existing one is not reused.
func (vs *VersionSet) Recover() (saveManifest bool, err error) {
	fs := vs.opts.FS
	cf, err := fs.Open(filename.Current(vs.dbname))
	if err != nil {
		return false, status.IOError(err, "read CURRENT")
	}
	data, err := io.ReadAll(cf)
	_ = cf.Close()
	if err != nil {
		return false, status.IOError(err, "read CURRENT")
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return false, status.Corruptionf("CURRENT file does not end with newline")
	}
	current := strings.TrimSuffix(string(data), "\n")

	dscname := filepath.Join(vs.dbname, current)
	file, err := fs.Open(dscname)
	if err != nil {
		if os.IsNotExist(err) {
			return false, status.Corruptionf("CURRENT points to a non-existent file: %s", current)
		}
		return false, status.IOError(err, "open MANIFEST")
	}
	defer file.Close()

	var (
		hasLogNumber, hasPrevLogNumber, hasNextFile, hasLastSequence bool
		logNumber, prevLogNumber, nextFile                           uint64
		lastSequence                                                 dbformat.SequenceNumber
		readErr                                                      error
	)
	b := NewBuilder(vs, vs.current)
	defer b.Release()

	reader := wal.NewReader(file, manifestReporter{&readErr}, true, 0)
	for readErr == nil {
		record, rerr := reader.ReadRecord()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			readErr = rerr
			break
		}
		var edit manifest.VersionEdit
		if derr := edit.DecodeFrom(record); derr != nil {
			readErr = derr
			break
		}
		if edit.HasComparator && edit.Comparator != vs.icmp.UserComparator().Name() {
			readErr = status.InvalidArgumentf("%s does not match existing comparator %s",
				edit.Comparator, vs.icmp.UserComparator().Name())
			break
		}
		if aerr := b.Apply(&edit); aerr != nil {
			readErr = aerr
			break
		}
		if edit.HasLogNumber {
			logNumber, hasLogNumber = edit.LogNumber, true
		}
		if edit.HasPrevLogNumber {
			prevLogNumber, hasPrevLogNumber = edit.PrevLogNumber, true
		}
		if edit.HasNextFileNumber {
			nextFile, hasNextFile = edit.NextFileNumber, true
		}
		if edit.HasLastSequence {
			lastSequence, hasLastSequence = edit.LastSequence, true
		}
	}
	if readErr != nil {
		return false, errors.Wrapf(readErr, "recover %s", current)
	}

	switch {
	case !hasNextFile:
		return false, status.Corruptionf("no meta-nextfile entry in descriptor")
	case !hasLogNumber:
		return false, status.Corruptionf("no meta-lognumber entry in descriptor")
	case !hasLastSequence:
		return false, status.Corruptionf("no last-sequence-number entry in descriptor")
	}
	if !hasPrevLogNumber {
		prevLogNumber = 0
	}

	v := newVersion(vs)
	if err := b.SaveTo(v); err != nil {
		v.unrefFiles()
		return false, errors.Wrapf(err, "recover %s", current)
	}
	vs.finalize(v)
	vs.appendVersion(v)
	vs.manifestFileNumber = nextFile
	vs.nextFileNumber = nextFile + 1
	vs.MarkFileNumberUsed(prevLogNumber)
	vs.MarkFileNumberUsed(logNumber)
	vs.lastSequence.Store(uint64(lastSequence))
	vs.logNumber = logNumber
	vs.prevLogNumber = prevLogNumber

	if vs.reuseManifest(dscname, current) {
		return false, nil
	}
	return true, nil
}

func (vs *VersionSet) reuseManifest(dscname, dscbase string) bool {
	if !vs.opts.ReuseLogs {
		return false
	}
	number, kind, ok := filename.Parse(dscbase)
	if !ok || kind != filename.KindDescriptor {
		return false
	}
	info, err := vs.opts.FS.Stat(dscname)
	if err != nil || uint64(info.Size()) >= vs.opts.MaxFileSize {
		// Make new compacted MANIFEST if old one is too big.
		return false
	}
	f, err := vs.opts.FS.OpenAppend(dscname)
	if err != nil {
		vs.opts.Logger.Warnf("%sreuse MANIFEST: %v", logging.NSManifest, err)
		return false
	}
	vs.opts.Logger.Infof("%sreusing MANIFEST %s", logging.NSManifest, dscname)
	vs.descriptorFile = f
	vs.descriptorLog = wal.NewWriterWithOffset(f, info.Size())
	vs.manifestFileNumber = number
	return true
}

// writeSnapshot saves the current state as a single edit.
func (vs *VersionSet) writeSnapshot(w *wal.Writer) error {
	var edit manifest.VersionEdit
	edit.SetComparatorName(vs.icmp.UserComparator().Name())
	for level, key := range vs.compactPointer {
		if !key.Empty() {
			edit.SetCompactPointer(level, key)
		}
	}
	for level, files := range vs.current.files {
		for _, f := range files {
			edit.AddFile(level, f.Number, f.FileSize, f.Smallest, f.Largest)
		}
	}
	return w.AddRecord(edit.EncodeTo(nil))
}

// Close closes the MANIFEST.
func (vs *VersionSet) Close() error {
	if vs.descriptorFile == nil {
		return nil
	}
	err := vs.descriptorFile.Close()
	vs.descriptorFile = nil
	vs.descriptorLog = nil
	return err
}

func maxBytesForLevel(level int) float64 {
	// Note: the result for level zero is not really used since we set
	// the level-0 compaction threshold based on number of files.
	result := 10.0 * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

func (vs *VersionSet) maxGrandParentOverlapBytes() uint64 { return 10 * vs.opts.MaxFileSize }

func (vs *VersionSet) expandedCompactionByteSizeLimit() uint64 { return 25 * vs.opts.MaxFileSize }

// finalize computes the best level to compact next.
func (vs *VersionSet) finalize(v *Version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < len(v.files)-1; level++ {
		var score float64
		if level == 0 {
			// Level 0 is bounded by file count rather than bytes: with
			// larger write buffers it is better not to do too many level-0
			// compactions, and every read merges all level-0 files.
			score = float64(len(v.files[0])) / float64(vs.opts.L0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / maxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel = level
			bestScore = score
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// NeedsCompaction reports whether some level needs a size or seek
// compaction.
func (vs *VersionSet) NeedsCompaction() bool {
	v := vs.current
	return v.compactionScore >= 1 || v.fileToCompact != nil
}

// AddLiveFiles adds the number of every file in a live version to live.
func (vs *VersionSet) AddLiveFiles(live *skipset.OrderedSet[uint64]) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	for _, v := range vs.versions {
		for _, files := range v.files {
			for _, f := range files {
				live.Add(f.Number)
			}
		}
	}
}

// NumLevelFiles returns the number of files at level in the current version.
func (vs *VersionSet) NumLevelFiles(level int) int { return vs.current.NumFiles(level) }

// NumLevelBytes returns the combined size of the files at level.
func (vs *VersionSet) NumLevelBytes(level int) uint64 {
	return totalFileSize(vs.current.Files(level))
}

// LevelSummary returns the file count per level, as in "files[ 1 0 0 ]".
func (vs *VersionSet) LevelSummary() string {
	var b strings.Builder
	b.WriteString("files[")
	for _, files := range vs.current.files {
		fmt.Fprintf(&b, " %d", len(files))
	}
	b.WriteString(" ]")
	return b.String()
}

// ApproximateOffsetOf returns the approximate byte offset of ikey in the
// data of version v.
func (vs *VersionSet) ApproximateOffsetOf(v *Version, ikey []byte) uint64 {
	var result uint64
	for level, files := range v.files {
		for _, f := range files {
			if vs.icmp.Compare(f.Largest, ikey) <= 0 {
				// Entire file is before ikey.
				result += f.FileSize
			} else if vs.icmp.Compare(f.Smallest, ikey) > 0 {
				// Entire file is after ikey. Files above level 0 are sorted,
				// so no later file at this level can contain it either.
				if level > 0 {
					break
				}
			} else {
				result += vs.tableCache.ApproximateOffsetOf(f.Number, f.FileSize, ikey)
			}
		}
	}
	return result
}

// MaxNextLevelOverlappingBytes returns the largest overlap, in bytes,
// between a file at some level >= 1 and the next level.
func (vs *VersionSet) MaxNextLevelOverlappingBytes() uint64 {
	var result uint64
	v := vs.current
	for level := 1; level < len(v.files)-1; level++ {
		for _, f := range v.files[level] {
			overlaps := v.GetOverlappingInputs(level+1, f.Smallest, f.Largest)
			if sum := totalFileSize(overlaps); sum > result {
				result = sum
			}
		}
	}
	return result
}

// MakeInputIterator returns an iterator over the merged inputs of c.
func (vs *VersionSet) MakeInputIterator(c *Compaction) iterator.Iterator {
	ro := table.ReadOptions{VerifyChecksums: vs.opts.ParanoidChecks, FillCache: false}

	// Level-0 files have to be merged together. For other levels, one
	// concatenating iterator per level is enough.
	var list []iterator.Iterator
	for which := 0; which < 2; which++ {
		files := c.inputs[which]
		if len(files) == 0 {
			continue
		}
		if c.level+which == 0 {
			for _, f := range files {
				list = append(list, vs.tableCache.NewIterator(ro, f.Number, f.FileSize))
			}
		} else {
			list = append(list, vs.newConcatenatingIterator(ro, files))
		}
	}
	return iterator.NewMergingIterator(vs.icmp.Compare, list...)
}
