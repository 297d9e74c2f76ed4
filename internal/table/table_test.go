package table

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filter"
	"github.com/aalhour/lsmkv/internal/status"
)

// memFile is an in-memory table file.
type memFile struct {
	*bytes.Reader
	closed bool
}

func (m *memFile) Close() error {
	m.closed = true
	return nil
}

func ikey(user string, seq dbformat.SequenceNumber) []byte {
	return dbformat.MakeInternalKey([]byte(user), seq, dbformat.TypeValue)
}

func buildTable(t *testing.T, opts Options, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	b := NewBuilder(&buf, opts)
	for i := 0; i < n; i++ {
		b.Add(ikey(fmt.Sprintf("key%06d", i), dbformat.SequenceNumber(i+1)), []byte(fmt.Sprintf("value%06d", i)))
	}
	require.NoError(t, b.Finish())
	require.Equal(t, n, b.NumEntries())
	require.Equal(t, uint64(buf.Len()), b.FileSize())
	return buf.Bytes()
}

func openTable(t *testing.T, data []byte, opts Options) *Reader {
	t.Helper()
	r, err := Open(&memFile{Reader: bytes.NewReader(data)}, uint64(len(data)), opts)
	require.NoError(t, err)
	return r
}

func TestTableRoundTrip(t *testing.T) {
	for _, c := range []compression.Type{compression.None, compression.Snappy, compression.Zstd, compression.LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			opts := Options{BlockSize: 256, BlockRestartInterval: 4, Compression: c}
			data := buildTable(t, opts, 500)
			r := openTable(t, data, opts)
			defer r.Close()

			it := r.NewIterator(ReadOptions{VerifyChecksums: true})
			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				require.Equal(t, fmt.Sprintf("key%06d", i), string(dbformat.ExtractUserKey(it.Key())))
				require.Equal(t, fmt.Sprintf("value%06d", i), string(it.Value()))
				i++
			}
			require.Equal(t, 500, i)

			for it.SeekToLast(); it.Valid(); it.Prev() {
				i--
				require.Equal(t, fmt.Sprintf("key%06d", i), string(dbformat.ExtractUserKey(it.Key())))
			}
			require.Equal(t, 0, i)

			it.Seek(ikey("key000250", dbformat.MaxSequenceNumber))
			require.True(t, it.Valid())
			require.Equal(t, "value000250", string(it.Value()))

			it.Seek(ikey("key9", dbformat.MaxSequenceNumber))
			require.False(t, it.Valid())
			require.NoError(t, it.Close())
		})
	}
}

func TestEmptyTable(t *testing.T) {
	opts := Options{}
	data := buildTable(t, opts, 0)
	r := openTable(t, data, opts)
	it := r.NewIterator(ReadOptions{})
	it.SeekToFirst()
	require.False(t, it.Valid())
	require.NoError(t, it.Close())
}

func TestInternalGetWithFilter(t *testing.T) {
	opts := Options{BlockSize: 512, FilterPolicy: filter.NewBloomPolicy(10)}
	data := buildTable(t, opts, 200)
	r := openTable(t, data, opts)
	require.NotNil(t, r.filter)

	var found []byte
	err := r.InternalGet(ReadOptions{}, ikey("key000042", dbformat.MaxSequenceNumber), func(k, v []byte) {
		found = append([]byte(nil), v...)
	})
	require.NoError(t, err)
	require.Equal(t, "value000042", string(found))

	// Absent keys inside the table's range reach the data block only on a
	// filter false positive.
	calls := 0
	for i := 0; i < 100; i++ {
		missing := fmt.Sprintf("key%06dx", i)
		err := r.InternalGet(ReadOptions{}, ikey(missing, dbformat.MaxSequenceNumber), func(k, v []byte) {
			require.NotEqual(t, missing, string(dbformat.ExtractUserKey(k)))
			calls++
		})
		require.NoError(t, err)
	}
	require.Less(t, calls, 10, "filter let through too many absent keys")
}

func TestFilterFromOtherPolicyIgnored(t *testing.T) {
	data := buildTable(t, Options{FilterPolicy: filter.NewBloomPolicy(10)}, 10)
	r := openTable(t, data, Options{})
	require.Nil(t, r.filter)
}

func TestBlockCache(t *testing.T) {
	bc := cache.New(1 << 20)
	opts := Options{BlockSize: 256, BlockCache: bc}
	data := buildTable(t, opts, 300)
	r := openTable(t, data, opts)

	it := r.NewIterator(ReadOptions{FillCache: true})
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	require.NoError(t, it.Close())
	filled := bc.TotalCharge()
	require.Greater(t, filled, int64(0))

	// A second scan is served from the cache without growing it.
	it = r.NewIterator(ReadOptions{FillCache: true})
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	require.NoError(t, it.Close())
	require.Equal(t, 300, n)
	require.Equal(t, filled, bc.TotalCharge())
}

func TestNoFillCache(t *testing.T) {
	bc := cache.New(1 << 20)
	opts := Options{BlockCache: bc}
	r := openTable(t, buildTable(t, opts, 100), opts)
	it := r.NewIterator(ReadOptions{FillCache: false})
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	require.NoError(t, it.Close())
	require.Equal(t, int64(0), bc.TotalCharge())
}

func TestApproximateOffsetOf(t *testing.T) {
	var buf bytes.Buffer
	opts := Options{BlockSize: 1024, Compression: compression.None}
	b := NewBuilder(&buf, opts)
	b.Add(ikey("k01", 1), []byte("hello"))
	b.Add(ikey("k02", 1), []byte("hello2"))
	b.Add(ikey("k03", 1), bytes.Repeat([]byte("x"), 10000))
	b.Add(ikey("k04", 1), bytes.Repeat([]byte("x"), 200000))
	b.Add(ikey("k05", 1), bytes.Repeat([]byte("x"), 300000))
	b.Add(ikey("k06", 1), []byte("hello3"))
	b.Add(ikey("k07", 1), bytes.Repeat([]byte("x"), 100000))
	require.NoError(t, b.Finish())
	r := openTable(t, buf.Bytes(), opts)

	between := func(key string, lo, hi uint64) {
		t.Helper()
		got := r.ApproximateOffsetOf(ikey(key, dbformat.MaxSequenceNumber))
		require.GreaterOrEqual(t, got, lo, key)
		require.LessOrEqual(t, got, hi, key)
	}
	between("abc", 0, 0)
	between("k01", 0, 0)
	between("k01a", 0, 0)
	between("k02", 0, 0)
	between("k03", 0, 0)
	between("k04", 10000, 11000)
	between("k04a", 210000, 211000)
	between("k05", 210000, 211000)
	between("k06", 510000, 511000)
	between("k07", 510000, 511000)
	between("xyz", 610000, 612000)
}

func TestChecksumMismatch(t *testing.T) {
	opts := Options{BlockSize: 128, Compression: compression.None}
	data := buildTable(t, opts, 100)
	// Corrupt a byte inside the first data block.
	data[10] ^= 0xff
	r := openTable(t, data, opts)

	it := r.NewIterator(ReadOptions{VerifyChecksums: true})
	it.SeekToFirst()
	for it.Valid() {
		it.Next()
	}
	err := it.Error()
	if err == nil {
		err = it.Close()
	} else {
		_ = it.Close()
	}
	require.True(t, status.IsCorruption(err), "error %v", err)

	// Keys outside the damaged block are still readable.
	var found []byte
	require.NoError(t, r.InternalGet(ReadOptions{VerifyChecksums: true}, ikey("key000099", dbformat.MaxSequenceNumber), func(k, v []byte) {
		found = append([]byte(nil), v...)
	}))
	require.Equal(t, "value000099", string(found))

	err = r.InternalGet(ReadOptions{VerifyChecksums: true}, ikey("key000000", dbformat.MaxSequenceNumber), func(k, v []byte) {})
	require.True(t, status.IsCorruption(err), "error %v", err)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(&memFile{Reader: bytes.NewReader([]byte("short"))}, 5, Options{})
	require.True(t, status.IsCorruption(err))

	junk := bytes.Repeat([]byte{0xab}, 100)
	_, err = Open(&memFile{Reader: bytes.NewReader(junk)}, uint64(len(junk)), Options{})
	require.True(t, status.IsCorruption(err))
}

func TestReaderOnDisk(t *testing.T) {
	path := t.TempDir() + "/000001.ldb"
	f, err := os.Create(path)
	require.NoError(t, err)
	opts := Options{Compression: compression.Snappy}
	b := NewBuilder(f, opts)
	b.Add(ikey("a", 1), []byte("1"))
	b.Add(ikey("b", 2), []byte("2"))
	require.NoError(t, b.Finish())
	require.NoError(t, f.Close())

	rf, err := os.Open(path)
	require.NoError(t, err)
	r, err := Open(rf, b.FileSize(), opts)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator(ReadOptions{})
	defer it.Close()
	it.SeekToLast()
	require.True(t, it.Valid())
	require.Equal(t, "2", string(it.Value()))
}

func TestFilterHasEveryKey(t *testing.T) {
	opts := Options{BlockSize: 256, FilterPolicy: filter.NewBloomPolicy(10)}
	var keys []string
	for c := 'a'; c <= 'z'; c++ {
		keys = append(keys, string(c))
	}
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("long-user-key-%06d", i))
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	b := NewBuilder(&buf, opts)
	for i, k := range keys {
		b.Add(ikey(k, dbformat.SequenceNumber(i+1)), []byte("v-"+k))
	}
	require.NoError(t, b.Finish())
	r := openTable(t, buf.Bytes(), opts)
	defer r.Close()

	for _, k := range keys {
		var got []byte
		err := r.InternalGet(ReadOptions{}, ikey(k, dbformat.MaxSequenceNumber), func(_, v []byte) {
			got = append([]byte(nil), v...)
		})
		require.NoError(t, err)
		require.Equal(t, "v-"+k, string(got), "key %q", k)
	}
}
