package lsmkv

// lsmkv.go re-exports the public API of the db package.

import (
	"log/slog"

	"github.com/aalhour/lsmkv/db"
	"github.com/aalhour/lsmkv/internal/logging"
)

type (
	// DB is an open database.
	DB = db.DB
	// Options configures Open.
	Options = db.Options
	// ReadOptions configures reads.
	ReadOptions = db.ReadOptions
	// WriteOptions configures writes.
	WriteOptions = db.WriteOptions
	// WriteBatch holds updates applied atomically by DB.Write.
	WriteBatch = db.WriteBatch
	// Iterator walks the keys of a DB in order.
	Iterator = db.Iterator
	// Snapshot is a consistent read-only view of a DB.
	Snapshot = db.Snapshot
	// Range is a key range for DB.GetApproximateSizes.
	Range = db.Range
	// Metrics is a copy of the engine counters.
	Metrics = db.Metrics
	// Comparator orders user keys.
	Comparator = db.Comparator
	// Logger receives the engine's info log.
	Logger = db.Logger
	// CompressionType selects the block compression codec.
	CompressionType = db.CompressionType
)

// Compression codecs.
const (
	NoCompression     = db.NoCompression
	SnappyCompression = db.SnappyCompression
	ZstdCompression   = db.ZstdCompression
	LZ4Compression    = db.LZ4Compression
)

// Errors returned by the engine. Match them with errors.Is.
var (
	ErrNotFound        = db.ErrNotFound
	ErrCorruption      = db.ErrCorruption
	ErrNotSupported    = db.ErrNotSupported
	ErrInvalidArgument = db.ErrInvalidArgument
	ErrIOError         = db.ErrIOError
	ErrDBClosed        = db.ErrDBClosed
)

// Properties understood by DB.GetProperty.
const (
	PropertyNumFilesAtLevelPrefix  = db.PropertyNumFilesAtLevelPrefix
	PropertyStats                  = db.PropertyStats
	PropertySSTables               = db.PropertySSTables
	PropertyApproximateMemoryUsage = db.PropertyApproximateMemoryUsage
	PropertyIdentity               = db.PropertyIdentity
)

// BytewiseComparator orders keys lexicographically by byte.
var BytewiseComparator = db.BytewiseComparator

// Open opens the database at path.
func Open(path string, opts *Options) (DB, error) { return db.Open(path, opts) }

// Destroy deletes the database at path. The database must not be open.
func Destroy(path string, opts *Options) error { return db.Destroy(path, opts) }

// Repair rebuilds the MANIFEST of the database at path from the log and
// table files that survive. Some data may be lost.
func Repair(path string, opts *Options) error { return db.Repair(path, opts) }

// DefaultOptions returns the default options.
func DefaultOptions() *Options { return db.DefaultOptions() }

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions { return db.DefaultReadOptions() }

// NewWriteBatch returns an empty write batch.
func NewWriteBatch() *WriteBatch { return db.NewWriteBatch() }

// NewLRUCache returns a block cache holding up to capacity bytes.
func NewLRUCache(capacity int64) *db.Cache { return db.NewLRUCache(capacity) }

// NewBloomFilterPolicy returns a Bloom filter policy using bitsPerKey bits
// per key.
func NewBloomFilterPolicy(bitsPerKey int) db.FilterPolicy { return db.NewBloomFilterPolicy(bitsPerKey) }

// NewSlogLogger returns a Logger that writes the engine's LOG messages to l.
func NewSlogLogger(l *slog.Logger) Logger { return logging.NewSlogLogger(l, nil) }

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool { return db.IsNotFound(err) }

// IsCorruption reports whether err reports corrupted data.
func IsCorruption(err error) bool { return db.IsCorruption(err) }
