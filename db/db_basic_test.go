// db_basic_test.go - Core database operations: Open/Close, Put/Get/Delete/Has, properties
//
// These tests verify the fundamental correctness of basic database operations.
// They should pass before any other tests are considered.

package db

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, dir string, opts *Options) *DBImpl {
	t.Helper()
	d, err := OpenImpl(dir, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return d
}

func mustPut(t *testing.T, d DB, key, value string) {
	t.Helper()
	if err := d.Put(nil, []byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q) error = %v", key, err)
	}
}

// getString returns the value of key, "NOT_FOUND" or the error text.
func getString(d DB, ro *ReadOptions, key string) string {
	v, err := d.Get(ro, []byte(key))
	if IsNotFound(err) {
		return "NOT_FOUND"
	}
	if err != nil {
		return err.Error()
	}
	return string(v)
}

// contents renders every visible entry as "k->v" pairs.
func contents(t *testing.T, d DB, ro *ReadOptions) string {
	t.Helper()
	it := d.NewIterator(ro)
	defer it.Close()
	var parts []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		parts = append(parts, string(it.Key())+"->"+string(it.Value()))
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error = %v", err)
	}
	return strings.Join(parts, ",")
}

// =============================================================================
// Open/Close Tests
// =============================================================================

func TestOpenCreate(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	for _, name := range []string{filename.Current(dir), filename.Lock(dir), filename.Identity(dir)} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Stat(%s) error = %v", name, err)
		}
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	opts := testOptions()
	opts.CreateIfMissing = false
	_, err := Open(filepath.Join(t.TempDir(), "missing"), opts)
	if !IsInvalidArgument(err) {
		t.Fatalf("Open() error = %v, want invalid argument", err)
	}
}

func TestOpenErrorIfExists(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, testOptions())
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	opts := testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(dir, opts); !IsInvalidArgument(err) {
		t.Fatalf("Open() error = %v, want invalid argument", err)
	}
}

func TestOpenLocked(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, testOptions())
	defer d.Close()

	if _, err := Open(dir, testOptions()); err == nil {
		t.Fatal("second Open() of a locked DB succeeded")
	}
}

func TestRepeatedOpenClose(t *testing.T) {
	dir := t.TempDir()
	for i := range 5 {
		d := openTestDB(t, dir, testOptions())
		mustPut(t, d, fmt.Sprintf("key%d", i), "v")
		if err := d.Close(); err != nil {
			t.Fatalf("Close %d error = %v", i, err)
		}
	}

	d := openTestDB(t, dir, testOptions())
	defer d.Close()
	for i := range 5 {
		if got := getString(d, nil, fmt.Sprintf("key%d", i)); got != "v" {
			t.Errorf("key%d = %q, want v", i, got)
		}
	}
}

func TestIdentityStable(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, testOptions())
	id1, ok := d.GetProperty(PropertyIdentity)
	if !ok || id1 == "" {
		t.Fatalf("identity = %q, %v", id1, ok)
	}
	d.Close()

	d = openTestDB(t, dir, testOptions())
	defer d.Close()
	if id2, _ := d.GetProperty(PropertyIdentity); id2 != id1 {
		t.Errorf("identity after reopen = %q, want %q", id2, id1)
	}
}

func TestClosedDB(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Put(nil, []byte("k"), []byte("v")); err == nil {
		t.Error("Put() after Close succeeded")
	}
	if _, err := d.Get(nil, []byte("k")); err == nil {
		t.Error("Get() after Close succeeded")
	}
}

// =============================================================================
// Put/Get/Delete Tests
// =============================================================================

func TestPutGetDelete(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "foo", "v1")
	if got := getString(d, nil, "foo"); got != "v1" {
		t.Fatalf("Get(foo) = %q, want v1", got)
	}
	mustPut(t, d, "foo", "v2")
	if got := getString(d, nil, "foo"); got != "v2" {
		t.Fatalf("Get(foo) = %q, want v2", got)
	}
	if err := d.Delete(nil, []byte("foo")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := getString(d, nil, "foo"); got != "NOT_FOUND" {
		t.Fatalf("Get(foo) after delete = %q", got)
	}
	// Deleting a missing key is not an error.
	if err := d.Delete(nil, []byte("missing")); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
}

func TestGetFromTables(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "foo", "v1")
	mustPut(t, d, "bar", "v2")
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatalf("CompactMemTableForTest() error = %v", err)
	}
	mustPut(t, d, "foo", "v3")

	tests := []struct {
		key  string
		want string
	}{
		{"foo", "v3"},
		{"bar", "v2"},
		{"baz", "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := getString(d, nil, tt.key); got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestEmptyKeyAndValue(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "", "empty-key")
	mustPut(t, d, "k", "")
	if got := getString(d, nil, ""); got != "empty-key" {
		t.Errorf("Get(\"\") = %q", got)
	}
	v, err := d.Get(nil, []byte("k"))
	if err != nil || len(v) != 0 {
		t.Errorf("Get(k) = %q, %v; want empty value", v, err)
	}
}

func TestLargeValue(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	big := bytes.Repeat([]byte("x"), 1<<20)
	if err := d.Put(nil, []byte("big"), big); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatalf("CompactMemTableForTest() error = %v", err)
	}
	got, err := d.Get(nil, []byte("big"))
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("Get(big) len = %d, err = %v", len(got), err)
	}
}

func TestHas(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "a", "1")
	mustPut(t, d, "b", "2")
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatalf("CompactMemTableForTest() error = %v", err)
	}
	if err := d.Delete(nil, []byte("b")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key  string
		want bool
	}{
		{"a", true},
		{"b", false},
		{"c", false},
	}
	for _, tt := range tests {
		got, err := d.Has(nil, []byte(tt.key))
		if err != nil {
			t.Fatalf("Has(%q) error = %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("Has(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestWriteBatch(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "gone", "x")
	b := NewWriteBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("gone"))
	b.Put([]byte("a"), []byte("3"))
	if err := d.Write(&WriteOptions{Sync: true}, b); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := contents(t, d, nil); got != "a->3,b->2" {
		t.Errorf("contents = %q", got)
	}
}

func TestSequenceAdvancesPerEntry(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	snap := d.GetSnapshot()
	before := snap.Sequence()
	d.ReleaseSnapshot(snap)
	b := NewWriteBatch()
	for i := range 5 {
		b.Put([]byte(strconv.Itoa(i)), nil)
	}
	if err := d.Write(nil, b); err != nil {
		t.Fatal(err)
	}
	snap = d.GetSnapshot()
	defer d.ReleaseSnapshot(snap)
	if after := snap.Sequence(); after != before+5 {
		t.Errorf("sequence = %d, want %d", after, before+5)
	}
}

// =============================================================================
// Property Tests
// =============================================================================

func TestGetProperty(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "k", "v")
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatal(err)
	}

	files, ok := d.GetProperty(PropertyNumFilesAtLevelPrefix + "0")
	if !ok {
		t.Fatal("num-files-at-level0 not recognised")
	}
	total := 0
	for level := range d.opts.NumLevels {
		s, _ := d.GetProperty(PropertyNumFilesAtLevelPrefix + strconv.Itoa(level))
		n, err := strconv.Atoi(s)
		if err != nil {
			t.Fatalf("level %d: %q is not a number", level, s)
		}
		total += n
	}
	if total != 1 {
		t.Errorf("total files = %d (level0 %s), want 1", total, files)
	}

	if _, ok := d.GetProperty(PropertyNumFilesAtLevelPrefix + "99"); ok {
		t.Error("num-files-at-level99 recognised")
	}
	if s, ok := d.GetProperty(PropertyStats); !ok || !strings.Contains(s, "Compactions") {
		t.Errorf("stats = %q, %v", s, ok)
	}
	if s, ok := d.GetProperty(PropertySSTables); !ok || !strings.Contains(s, "level") {
		t.Errorf("sstables = %q, %v", s, ok)
	}
	if s, ok := d.GetProperty(PropertyApproximateMemoryUsage); !ok || s == "" {
		t.Errorf("approximate-memory-usage = %q, %v", s, ok)
	}
	if _, ok := d.GetProperty("lsmkv.unknown"); ok {
		t.Error("unknown property recognised")
	}
	if _, ok := d.GetProperty("other.stats"); ok {
		t.Error("property without prefix recognised")
	}
}

func TestApproximateSizes(t *testing.T) {
	opts := testOptions()
	opts.Compression = NoCompression
	d := openTestDB(t, t.TempDir(), opts)
	defer d.Close()

	value := bytes.Repeat([]byte("v"), 1000)
	for i := range 100 {
		if err := d.Put(nil, []byte(fmt.Sprintf("key%03d", i)), value); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatal(err)
	}

	sizes := d.GetApproximateSizes([]Range{
		{Start: []byte("key000"), Limit: []byte("key050")},
		{Start: []byte("key000"), Limit: []byte("key100")},
		{Start: []byte("zzz"), Limit: []byte("zzzz")},
	})
	if sizes[0] < 40000 || sizes[0] > 60000 {
		t.Errorf("half range size = %d", sizes[0])
	}
	if sizes[1] < sizes[0] {
		t.Errorf("full range %d smaller than half range %d", sizes[1], sizes[0])
	}
	if sizes[2] != 0 {
		t.Errorf("empty range size = %d, want 0", sizes[2])
	}
}

func TestMetrics(t *testing.T) {
	d := openTestDB(t, t.TempDir(), testOptions())
	defer d.Close()

	mustPut(t, d, "a", "1")
	if err := d.Put(&WriteOptions{Sync: true}, []byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	_ = getString(d, nil, "a")
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatal(err)
	}
	_ = getString(d, nil, "b")

	m := d.Metrics()
	if m.BytesWritten == 0 {
		t.Error("BytesWritten = 0")
	}
	if m.WALSyncs != 1 {
		t.Errorf("WALSyncs = %d, want 1", m.WALSyncs)
	}
	if m.Flushes != 1 {
		t.Errorf("Flushes = %d, want 1", m.Flushes)
	}
	if m.MemTableHits != 1 || m.TableHits != 1 {
		t.Errorf("hits mem=%d table=%d, want 1 and 1", m.MemTableHits, m.TableHits)
	}
}

// =============================================================================
// Destroy Tests
// =============================================================================

func TestDestroy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	d := openTestDB(t, dir, testOptions())
	mustPut(t, d, "k", "v")
	if err := d.CompactMemTableForTest(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	if err := Destroy(dir, testOptions()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("Stat(%s) error = %v, want not exist", dir, err)
	}
	// Destroying a missing database is not an error.
	if err := Destroy(dir, testOptions()); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
}
