package version

import (
	"sort"
	"sync"
	"testing"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// openingTableCache opens the table on every call.
type openingTableCache struct {
	dir string
	fs  vfs.FS
}

func (tc *openingTableCache) open(number, size uint64) (*table.Reader, error) {
	f, err := tc.fs.OpenRandomAccess(filename.Table(tc.dir, number))
	if err != nil {
		return nil, err
	}
	r, err := table.Open(f, size, table.Options{Comparator: testICmp})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (tc *openingTableCache) NewIterator(ro table.ReadOptions, number, size uint64) iterator.Iterator {
	r, err := tc.open(number, size)
	if err != nil {
		return iterator.NewEmptyIterator(err)
	}
	return iterator.WithCleanup(r.NewIterator(ro), func() { _ = r.Close() })
}

func (tc *openingTableCache) Get(ro table.ReadOptions, number, size uint64, ikey []byte, fn func(k, v []byte)) error {
	r, err := tc.open(number, size)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.InternalGet(ro, ikey, fn)
}

func (tc *openingTableCache) ApproximateOffsetOf(number, size uint64, ikey []byte) uint64 {
	r, err := tc.open(number, size)
	if err != nil {
		return 0
	}
	defer r.Close()
	return r.ApproximateOffsetOf(ikey)
}

type entry struct {
	key   string
	seq   dbformat.SequenceNumber
	typ   dbformat.ValueType
	value string
}

func put(key string, seq dbformat.SequenceNumber, value string) entry {
	return entry{key, seq, dbformat.TypeValue, value}
}

func del(key string, seq dbformat.SequenceNumber) entry {
	return entry{key, seq, dbformat.TypeDeletion, ""}
}

// testDB is a database directory with a VersionSet over it.
type testDB struct {
	t   *testing.T
	dir string
	fs  vfs.FS
	mu  sync.Mutex
	vs  *VersionSet
	tc  *openingTableCache
}

func newTestDB(t *testing.T, opts Options) *testDB {
	t.Helper()
	dir := t.TempDir()
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	createDB(t, opts.FS, dir)
	d := &testDB{t: t, dir: dir, fs: opts.FS, tc: &openingTableCache{dir: dir, fs: opts.FS}}
	d.vs = NewVersionSet(dir, opts, d.tc, testICmp)
	if _, err := d.vs.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	return d
}

// createDB writes the MANIFEST of an empty database, the way Open does.
func createDB(t *testing.T, fs vfs.FS, dir string) {
	t.Helper()
	var edit manifest.VersionEdit
	edit.SetComparatorName(testICmp.UserComparator().Name())
	edit.SetLogNumber(0)
	edit.SetNextFileNumber(2)
	edit.SetLastSequence(0)

	f, err := fs.Create(filename.Descriptor(dir, 1))
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	w := wal.NewWriter(f)
	if err := w.AddRecord(edit.EncodeTo(nil)); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close manifest: %v", err)
	}
	if err := filename.SetCurrentFile(fs, dir, 1); err != nil {
		t.Fatalf("SetCurrentFile: %v", err)
	}
}

// buildTable writes entries to a new table file and returns its metadata.
func (d *testDB) buildTable(entries ...entry) *manifest.FileMetaData {
	d.t.Helper()
	sort.Slice(entries, func(i, j int) bool {
		a := dbformat.MakeInternalKey([]byte(entries[i].key), entries[i].seq, entries[i].typ)
		b := dbformat.MakeInternalKey([]byte(entries[j].key), entries[j].seq, entries[j].typ)
		return testICmp.Compare(a, b) < 0
	})
	number := d.vs.NewFileNumber()
	f, err := d.fs.Create(filename.Table(d.dir, number))
	if err != nil {
		d.t.Fatalf("create table: %v", err)
	}
	b := table.NewBuilder(f, table.Options{Comparator: testICmp})
	var smallest, largest dbformat.InternalKey
	for i, e := range entries {
		ik := dbformat.MakeInternalKey([]byte(e.key), e.seq, e.typ)
		if i == 0 {
			smallest = ik
		}
		largest = ik
		b.Add(ik, []byte(e.value))
	}
	if err := b.Finish(); err != nil {
		d.t.Fatalf("finish table: %v", err)
	}
	if err := f.Close(); err != nil {
		d.t.Fatalf("close table: %v", err)
	}
	for _, e := range entries {
		if e.seq > d.vs.LastSequence() {
			d.vs.SetLastSequence(e.seq)
		}
	}
	return manifest.NewFileMetaData(number, b.FileSize(), smallest, largest)
}

func (d *testDB) apply(edit *manifest.VersionEdit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vs.LogAndApply(edit, &d.mu)
}

// addFiles installs files at level.
func (d *testDB) addFiles(level int, files ...*manifest.FileMetaData) {
	d.t.Helper()
	var edit manifest.VersionEdit
	for _, f := range files {
		edit.AddFile(level, f.Number, f.FileSize, f.Smallest, f.Largest)
	}
	if err := d.apply(&edit); err != nil {
		d.t.Fatalf("LogAndApply: %v", err)
	}
}

// reopen closes the VersionSet and recovers a new one from disk.
func (d *testDB) reopen(opts Options) (saveManifest bool) {
	d.t.Helper()
	if err := d.vs.Close(); err != nil {
		d.t.Fatalf("Close: %v", err)
	}
	if opts.FS == nil {
		opts.FS = d.fs
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	d.vs = NewVersionSet(d.dir, opts, d.tc, testICmp)
	save, err := d.vs.Recover()
	if err != nil {
		d.t.Fatalf("Recover: %v", err)
	}
	return save
}

func ikey(key string, seq dbformat.SequenceNumber) dbformat.InternalKey {
	return dbformat.MakeInternalKey([]byte(key), seq, dbformat.TypeValue)
}

func fileNumbers(files []*manifest.FileMetaData) []uint64 {
	nums := make([]uint64, len(files))
	for i, f := range files {
		nums[i] = f.Number
	}
	return nums
}
