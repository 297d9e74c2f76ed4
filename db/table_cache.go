package db

// table_cache.go keeps table readers open between reads.

import (
	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// tableCache maps file numbers to open table readers. Each entry has a
// charge of one, so the capacity is a number of open files.
type tableCache struct {
	dbname string
	fs     vfs.FS
	opts   table.Options
	cache  *cache.Cache
}

func newTableCache(dbname string, fs vfs.FS, opts table.Options, entries int) *tableCache {
	return &tableCache{
		dbname: dbname,
		fs:     fs,
		opts:   opts,
		cache:  cache.New(int64(entries)),
	}
}

func tableCacheKey(number uint64) []byte {
	var buf [8]byte
	encoding.EncodeFixed64(buf[:], number)
	return buf[:]
}

func (tc *tableCache) findTable(number, size uint64) (*cache.Handle, error) {
	key := tableCacheKey(number)
	if h := tc.cache.Lookup(key); h != nil {
		return h, nil
	}
	f, err := tc.fs.OpenRandomAccess(filename.Table(tc.dbname, number))
	if err != nil {
		// Tables written by older releases use the .sst suffix.
		var oldErr error
		f, oldErr = tc.fs.OpenRandomAccess(filename.SSTTable(tc.dbname, number))
		if oldErr != nil {
			return nil, status.IOError(err, "open table")
		}
	}
	r, err := table.Open(f, size, tc.opts)
	if err != nil {
		_ = f.Close()
		// Errors are not cached, so a transient failure or a repaired
		// file is retried on the next lookup.
		return nil, err
	}
	return tc.cache.Insert(key, r, 1, func(_ []byte, v any) {
		_ = v.(*table.Reader).Close()
	}), nil
}

// NewIterator returns an iterator over the table. The table stays open
// until the iterator is closed.
func (tc *tableCache) NewIterator(ro table.ReadOptions, number, size uint64) iterator.Iterator {
	h, err := tc.findTable(number, size)
	if err != nil {
		return iterator.NewEmptyIterator(err)
	}
	r := h.Value().(*table.Reader)
	return iterator.WithCleanup(r.NewIterator(ro), func() { tc.cache.Release(h) })
}

// Get calls fn with the first entry at or after ikey in the table, if the
// table may contain it.
func (tc *tableCache) Get(ro table.ReadOptions, number, size uint64, ikey []byte, fn func(k, v []byte)) error {
	h, err := tc.findTable(number, size)
	if err != nil {
		return err
	}
	defer tc.cache.Release(h)
	return h.Value().(*table.Reader).InternalGet(ro, ikey, fn)
}

// ApproximateOffsetOf returns the approximate file offset of ikey, or 0 if
// the table cannot be opened.
func (tc *tableCache) ApproximateOffsetOf(number, size uint64, ikey []byte) uint64 {
	h, err := tc.findTable(number, size)
	if err != nil {
		return 0
	}
	defer tc.cache.Release(h)
	return h.Value().(*table.Reader).ApproximateOffsetOf(ikey)
}

// Evict drops the entry for a deleted file.
func (tc *tableCache) Evict(number uint64) {
	tc.cache.Erase(tableCacheKey(number))
}

// Close frees every table not pinned by an open iterator.
func (tc *tableCache) Close() {
	tc.cache.Prune()
}
