package db

// options.go implements database configuration options.

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/filter"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// Comparator orders user keys. Its Name is stored in the MANIFEST and must
// match on every Open.
type Comparator = dbformat.Comparator

// BytewiseComparator orders keys lexicographically by bytes.
var BytewiseComparator = dbformat.BytewiseComparator

// Logger is the logger the engine writes its LOG through.
type Logger = logging.Logger

// FS is the filesystem all files are accessed through.
type FS = vfs.FS

// FilterPolicy builds the per-table filters.
type FilterPolicy = filter.Policy

// Cache is the block cache type.
type Cache = cache.Cache

// CompressionType selects the block compression codec.
type CompressionType = compression.Type

// Compression codecs.
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	ZstdCompression   = compression.Zstd
	LZ4Compression    = compression.LZ4
)

// WriteBatch is a set of updates applied atomically.
type WriteBatch = batch.WriteBatch

// Iterator iterates over the key/value pairs of the database in key order.
type Iterator = iterator.Iterator

// NewWriteBatch returns an empty WriteBatch.
func NewWriteBatch() *WriteBatch { return batch.New() }

// NewLRUCache returns a block cache holding up to capacity bytes.
func NewLRUCache(capacity int64) *Cache { return cache.New(capacity) }

// NewBloomFilterPolicy returns a Bloom filter policy using about
// bitsPerKey bits per key. 10 yields a ~1% false positive rate.
func NewBloomFilterPolicy(bitsPerKey int) FilterPolicy { return filter.NewBloomPolicy(bitsPerKey) }

// DefaultFS returns the operating system filesystem.
func DefaultFS() FS { return vfs.Default() }

// Options contains all configuration options for opening a database.
type Options struct {
	// Comparator defines the order of keys in the database.
	// Default: BytewiseComparator
	Comparator Comparator

	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks makes the engine stop at the first sign of corruption:
	// a damaged log record aborts Open instead of being skipped, and every
	// block read is verified.
	ParanoidChecks bool

	// FS is the filesystem implementation to use.
	// If nil, the OS filesystem is used.
	FS FS

	// Logger receives informational messages. If nil, messages go to a LOG
	// file in the database directory.
	Logger Logger

	// Metrics, if non-nil, is where the engine registers its prometheus
	// collectors.
	Metrics prometheus.Registerer

	// WriteBufferSize is the amount of data to build up in memory before
	// converting it to a sorted on-disk file.
	// Default: 4MB
	WriteBufferSize int

	// MaxOpenFiles is the number of open files the engine may use. About
	// ten are reserved for logs and the MANIFEST; the rest cache tables.
	// Default: 1000
	MaxOpenFiles int

	// BlockCache caches uncompressed data blocks. If nil, an 8MB cache is
	// created.
	BlockCache *Cache

	// BlockSize is the approximate size of user data packed per block.
	// Default: 4KB
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	// Default: 16
	BlockRestartInterval int

	// MaxFileSize is the size at which compaction starts a new table file.
	// Default: 2MB
	MaxFileSize int

	// Compression is the block compression codec.
	// Default: SnappyCompression
	Compression CompressionType

	// ReuseLogs appends to the existing MANIFEST and log files on Open
	// instead of starting new ones.
	ReuseLogs bool

	// FilterPolicy, if non-nil, builds a filter per table to avoid block
	// reads for missing keys.
	FilterPolicy FilterPolicy

	// UseDirectReads reads table files with O_DIRECT.
	UseDirectReads bool

	// L0CompactionTrigger is the number of level-0 files that starts a
	// compaction.
	// Default: 4
	L0CompactionTrigger int

	// L0SlowdownWritesTrigger is the number of level-0 files at which each
	// write is delayed by 1ms.
	// Default: 8
	L0SlowdownWritesTrigger int

	// L0StopWritesTrigger is the number of level-0 files at which writes
	// stop until compaction catches up.
	// Default: 12
	L0StopWritesTrigger int

	// NumLevels is the number of levels in the tree.
	// Default: 7
	NumLevels int

	// MaxMemCompactLevel is the highest level a flushed memtable may be
	// placed at when it overlaps nothing.
	// Default: 2
	MaxMemCompactLevel int
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		Comparator:              BytewiseComparator,
		WriteBufferSize:         4 << 20,
		MaxOpenFiles:            1000,
		BlockSize:               4 << 10,
		BlockRestartInterval:    16,
		MaxFileSize:             2 << 20,
		Compression:             SnappyCompression,
		L0CompactionTrigger:     4,
		L0SlowdownWritesTrigger: 8,
		L0StopWritesTrigger:     12,
		NumLevels:               7,
		MaxMemCompactLevel:      2,
	}
}

// ReadOptions control read operations.
type ReadOptions struct {
	// VerifyChecksums verifies all data read from table files.
	VerifyChecksums bool

	// FillCache caches the blocks read by this read. Bulk scans may want
	// to turn this off.
	// Default: true via DefaultReadOptions
	FillCache bool

	// Snapshot, if non-nil, reads as of the snapshot. Otherwise reads see
	// the state at the start of the read.
	Snapshot *Snapshot
}

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{FillCache: true}
}

// WriteOptions control write operations.
type WriteOptions struct {
	// Sync flushes the write from the operating system buffer cache before
	// the write is considered complete. Without it a machine crash may lose
	// recent writes; a process crash does not.
	Sync bool
}

const (
	numNonTableCacheFiles = 10
	defaultBlockCacheSize = 8 << 20
)

func clipToRange[T int | int64](v *T, lo, hi T) {
	if *v > hi {
		*v = hi
	}
	if *v < lo {
		*v = lo
	}
}

// sanitizeOptions fills in defaults and clamps sizes to sane ranges. The
// caller's Options are not modified. When no Logger is given, the LOG file
// is opened in dbname, after rotating the previous one to LOG.old; the
// returned file must be closed with the DB.
func sanitizeOptions(dbname string, src *Options) (*Options, vfs.WritableFile) {
	opts := DefaultOptions()
	if src != nil {
		o := *src
		opts = &o
	}
	if opts.Comparator == nil {
		opts.Comparator = BytewiseComparator
	}
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.UseDirectReads {
		opts.FS = vfs.NewDirectIOFS(opts.FS)
	}
	defaults := DefaultOptions()
	if opts.MaxOpenFiles == 0 {
		opts.MaxOpenFiles = defaults.MaxOpenFiles
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = defaults.WriteBufferSize
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = defaults.MaxFileSize
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = defaults.BlockSize
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = defaults.BlockRestartInterval
	}
	clipToRange(&opts.MaxOpenFiles, 64+numNonTableCacheFiles, 50000)
	clipToRange(&opts.WriteBufferSize, 64<<10, 1<<30)
	clipToRange(&opts.MaxFileSize, 1<<20, 1<<30)
	clipToRange(&opts.BlockSize, 1<<10, 4<<20)

	if opts.NumLevels <= 1 {
		opts.NumLevels = defaults.NumLevels
	}
	if opts.L0CompactionTrigger <= 0 {
		opts.L0CompactionTrigger = defaults.L0CompactionTrigger
	}
	if opts.L0SlowdownWritesTrigger < opts.L0CompactionTrigger {
		opts.L0SlowdownWritesTrigger = opts.L0CompactionTrigger
	}
	if opts.L0StopWritesTrigger < opts.L0SlowdownWritesTrigger {
		opts.L0StopWritesTrigger = opts.L0SlowdownWritesTrigger
	}
	clipToRange(&opts.MaxMemCompactLevel, 0, opts.NumLevels-2)

	var infoLog vfs.WritableFile
	if logging.IsNil(opts.Logger) {
		opts.Logger, infoLog = openInfoLog(opts.FS, dbname)
	}
	if opts.BlockCache == nil {
		opts.BlockCache = cache.New(defaultBlockCacheSize)
	}
	return opts, infoLog
}

// openInfoLog rotates LOG to LOG.old and starts a new LOG. Without a
// usable directory, messages are discarded.
func openInfoLog(fs vfs.FS, dbname string) (logging.Logger, vfs.WritableFile) {
	_ = fs.MkdirAll(dbname, 0o755)
	_ = fs.Rename(filename.InfoLog(dbname), filename.OldInfoLog(dbname))
	f, err := fs.Create(filename.InfoLog(dbname))
	if err != nil {
		return logging.Discard, nil
	}
	return logging.NewLogger(lineFlusher{f}, logging.LevelInfo), f
}

// lineFlusher pushes every LOG line past the file's write buffer.
type lineFlusher struct {
	f vfs.WritableFile
}

func (w lineFlusher) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.f.Flush()
}
