package db

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipset"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// DB is an ordered key-value store.
type DB interface {
	// Put sets the value for key.
	Put(wo *WriteOptions, key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(wo *WriteOptions, key []byte) error

	// Write applies the updates in b atomically.
	Write(wo *WriteOptions, b *WriteBatch) error

	// Get returns the value for key. Returns an error marked ErrNotFound if
	// the key does not exist.
	Get(ro *ReadOptions, key []byte) ([]byte, error)

	// Has reports whether key exists without reading its value out.
	Has(ro *ReadOptions, key []byte) (bool, error)

	// NewIterator returns an iterator over the database. The iterator must
	// be closed before the DB.
	NewIterator(ro *ReadOptions) Iterator

	// GetSnapshot returns a handle to the current state of the database.
	GetSnapshot() *Snapshot

	// ReleaseSnapshot releases a snapshot obtained from GetSnapshot.
	ReleaseSnapshot(s *Snapshot)

	// GetProperty returns the value of a named property. See the Property*
	// constants.
	GetProperty(name string) (string, bool)

	// GetApproximateSizes returns the approximate file space used by the
	// keys in each range.
	GetApproximateSizes(ranges []Range) []uint64

	// CompactRange compacts the key range [begin, end]. A nil begin means
	// before all keys; a nil end means after all keys.
	CompactRange(begin, end []byte) error

	// Metrics returns a copy of the engine counters.
	Metrics() Metrics

	// Close waits for background work and releases all resources.
	Close() error
}

// Range is a key range. Start is included, Limit is not.
type Range struct {
	Start []byte
	Limit []byte
}

// Properties understood by GetProperty.
const (
	PropertyPrefix                 = "lsmkv."
	PropertyNumFilesAtLevelPrefix  = "lsmkv.num-files-at-level"
	PropertyStats                  = "lsmkv.stats"
	PropertySSTables               = "lsmkv.sstables"
	PropertyApproximateMemoryUsage = "lsmkv.approximate-memory-usage"
	PropertyIdentity               = "lsmkv.identity"
)

// DBImpl is the concrete implementation of the DB interface.
type DBImpl struct {
	dbname     string
	opts       *Options
	fs         vfs.FS
	logger     logging.Logger
	infoLog    vfs.WritableFile
	icmp       *dbformat.InternalKeyComparator
	tableOpts  table.Options
	tableCache *tableCache
	metrics    *metrics
	identity   string

	// dbLock holds the LOCK file for the life of the DB.
	dbLock io.Closer

	shuttingDown atomic.Bool
	// hasImm mirrors imm != nil for the compaction loop, which runs
	// without the mutex.
	hasImm atomic.Bool
	// fatalErr is set by the logger's fatal handler.
	fatalErr atomic.Pointer[error]

	// mu guards everything below.
	mu sync.Mutex
	// bgCond is signalled when background work finishes.
	bgCond *sync.Cond

	mem           *memtable.MemTable
	imm           *memtable.MemTable
	logFile       vfs.WritableFile
	logFileNumber uint64
	log           *wal.Writer

	writers  []*writer
	tmpBatch *batch.WriteBatch

	snapshots *snapshotList

	// pendingOutputs protects table files being written from deletion.
	pendingOutputs *skipset.OrderedSet[uint64]

	bgCompactionScheduled bool
	manualCompaction      *manualCompaction

	versions *version.VersionSet

	// bgErr is sticky: once set, writes fail with it.
	bgErr error

	stats  []compactionStats
	closed bool
}

var _ DB = (*DBImpl)(nil)

func newDBImpl(dbname string, src *Options) *DBImpl {
	opts, infoLog := sanitizeOptions(dbname, src)
	icmp := dbformat.NewInternalKeyComparator(opts.Comparator)
	d := &DBImpl{
		dbname:         dbname,
		opts:           opts,
		fs:             opts.FS,
		logger:         opts.Logger,
		infoLog:        infoLog,
		icmp:           icmp,
		tmpBatch:       batch.New(),
		snapshots:      newSnapshotList(),
		pendingOutputs: skipset.New[uint64](),
		stats:          make([]compactionStats, opts.NumLevels),
	}
	d.bgCond = sync.NewCond(&d.mu)
	d.tableOpts = table.Options{
		Comparator:           icmp,
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          opts.Compression,
		FilterPolicy:         opts.FilterPolicy,
		BlockCache:           opts.BlockCache,
		ParanoidChecks:       opts.ParanoidChecks,
	}
	d.tableCache = newTableCache(dbname, d.fs, d.tableOpts, opts.MaxOpenFiles-numNonTableCacheFiles)
	d.versions = version.NewVersionSet(dbname, version.Options{
		FS:                  d.fs,
		Logger:              d.logger,
		NumLevels:           opts.NumLevels,
		MaxFileSize:         uint64(opts.MaxFileSize),
		L0CompactionTrigger: opts.L0CompactionTrigger,
		MaxMemCompactLevel:  opts.MaxMemCompactLevel,
		ReuseLogs:           opts.ReuseLogs,
		ParanoidChecks:      opts.ParanoidChecks,
	}, d.tableCache, icmp)
	d.metrics = newMetrics(dbname, opts.Metrics, d.logger)
	if l, ok := d.logger.(*logging.DefaultLogger); ok && infoLog != nil {
		// Only the LOG logger owned by this DB is wired to the sticky error.
		l.SetFatalHandler(func(msg string) {
			err := errors.Newf("fatal: %s", msg)
			d.fatalErr.CompareAndSwap(nil, &err)
		})
	}
	return d
}

// Open opens the database at dbname.
func Open(dbname string, opts *Options) (DB, error) {
	d, err := open(dbname, opts)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// OpenImpl is Open returning the concrete type, for tests and tools that
// use the *ForTest hooks.
func OpenImpl(dbname string, opts *Options) (*DBImpl, error) {
	return open(dbname, opts)
}

func open(dbname string, opts *Options) (*DBImpl, error) {
	d := newDBImpl(dbname, opts)

	d.mu.Lock()
	var edit manifest.VersionEdit
	// Recover handles create_if_missing and error_if_exists.
	saveManifest, err := d.recover(&edit)
	if err == nil && d.mem == nil {
		// Create a new log and a corresponding memtable.
		newLogNumber := d.versions.NewFileNumber()
		var f vfs.WritableFile
		f, err = d.fs.Create(filename.Log(dbname, newLogNumber))
		if err == nil {
			edit.SetLogNumber(newLogNumber)
			d.logFile = f
			d.logFileNumber = newLogNumber
			d.log = wal.NewWriter(f)
			d.mem = memtable.New(d.icmp)
			d.mem.Ref()
		} else {
			err = status.IOError(err, "create log")
		}
	}
	if err == nil && saveManifest {
		// No older logs are needed after recovery.
		edit.SetPrevLogNumber(0)
		edit.SetLogNumber(d.logFileNumber)
		err = d.logAndApply(&edit)
	}
	if err == nil {
		d.removeObsoleteFiles()
		d.maybeScheduleCompaction()
		d.updateLevelMetrics()
		d.logger.Infof("%sopened %s: %s", logging.NSDB, dbname, d.versions.LevelSummary())
	}
	d.mu.Unlock()

	if err != nil {
		_ = d.release()
		return nil, err
	}
	return d, nil
}

// release frees everything Open acquired. The background goroutine must
// not be running.
func (d *DBImpl) release() error {
	var err error
	if d.log != nil {
		err = errors.CombineErrors(err, d.log.Close())
		d.log = nil
		d.logFile = nil
	}
	err = errors.CombineErrors(err, d.versions.Close())
	if d.mem != nil {
		d.mem.Unref()
		d.mem = nil
	}
	if d.imm != nil {
		d.imm.Unref()
		d.imm = nil
	}
	d.tableCache.Close()
	if d.dbLock != nil {
		err = errors.CombineErrors(err, d.dbLock.Close())
		d.dbLock = nil
	}
	if d.infoLog != nil {
		err = errors.CombineErrors(err, d.infoLog.Close())
		d.infoLog = nil
	}
	return err
}

// Close waits for any running compaction and releases all resources.
func (d *DBImpl) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.shuttingDown.Store(true)
	// Wake writers stalled on background work.
	d.bgCond.Broadcast()
	for d.bgCompactionScheduled {
		d.bgCond.Wait()
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Infof("%sclosing %s", logging.NSDB, d.dbname)
	return d.release()
}

// backgroundError returns the sticky background error, if any. Requires
// the mutex.
func (d *DBImpl) backgroundError() error {
	if d.bgErr != nil {
		return d.bgErr
	}
	if p := d.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// recordBackgroundError records the first background failure. Requires the
// mutex.
func (d *DBImpl) recordBackgroundError(err error) {
	if d.bgErr == nil {
		d.bgErr = err
		d.bgCond.Broadcast()
	}
}

func (d *DBImpl) logAndApply(edit *manifest.VersionEdit) error {
	if err := d.versions.LogAndApply(edit, &d.mu); err != nil {
		return err
	}
	d.updateLevelMetrics()
	return nil
}

func (d *DBImpl) updateLevelMetrics() {
	counts := make([]int, d.versions.NumLevels())
	for level := range counts {
		counts[level] = d.versions.NumLevelFiles(level)
	}
	d.metrics.setLevelFiles(counts)
}

// Put sets the value for key.
func (d *DBImpl) Put(wo *WriteOptions, key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return d.Write(wo, b)
}

// Delete removes key.
func (d *DBImpl) Delete(wo *WriteOptions, key []byte) error {
	b := batch.New()
	b.Delete(key)
	return d.Write(wo, b)
}

func (d *DBImpl) tableReadOptions(ro *ReadOptions) table.ReadOptions {
	return table.ReadOptions{
		VerifyChecksums: ro.VerifyChecksums,
		FillCache:       ro.FillCache,
	}
}

// Get returns the value for key.
func (d *DBImpl) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	return d.get(ro, key, true)
}

// Has reports whether key exists. The value is never copied.
func (d *DBImpl) Has(ro *ReadOptions, key []byte) (bool, error) {
	_, err := d.get(ro, key, false)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DBImpl) get(ro *ReadOptions, key []byte, copyValue bool) ([]byte, error) {
	if ro == nil {
		ro = DefaultReadOptions()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDBClosed
	}
	var snapshot dbformat.SequenceNumber
	if ro.Snapshot != nil {
		snapshot = ro.Snapshot.seq
	} else {
		snapshot = d.versions.LastSequence()
	}
	mem := d.mem
	imm := d.imm
	current := d.versions.Current()
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	current.Ref()
	d.mu.Unlock()

	// Unlock while reading from files and memtables.
	lk := dbformat.NewLookupKey(key, snapshot)
	var (
		value          []byte
		found          bool
		err            error
		stats          version.GetStats
		haveStatUpdate bool
	)
	if copyValue {
		value, found, err = mem.Get(lk)
	} else {
		found, err = mem.Has(lk)
	}
	if !found && imm != nil {
		if copyValue {
			value, found, err = imm.Get(lk)
		} else {
			found, err = imm.Has(lk)
		}
	}
	if found {
		d.metrics.memHits.Add(1)
	} else {
		tro := d.tableReadOptions(ro)
		if copyValue {
			value, stats, err = current.Get(tro, lk)
		} else {
			stats, err = current.Has(tro, lk)
		}
		haveStatUpdate = true
		if err == nil {
			d.metrics.tableHits.Add(1)
		}
	}

	d.mu.Lock()
	if haveStatUpdate && current.UpdateStats(stats) {
		d.maybeScheduleCompaction()
	}
	mem.Unref()
	if imm != nil {
		imm.Unref()
	}
	current.Unref()
	d.mu.Unlock()
	return value, err
}

// GetSnapshot returns a snapshot of the current state.
func (d *DBImpl) GetSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots.acquire(d.versions.LastSequence())
}

// ReleaseSnapshot releases s. Releasing a snapshot twice is a no-op.
func (d *DBImpl) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots.release(s)
}

// GetProperty returns the value of a property:
//
//	lsmkv.num-files-at-level<N>    number of files at level N
//	lsmkv.stats                    per-level compaction statistics
//	lsmkv.sstables                 the files of every level
//	lsmkv.approximate-memory-usage bytes held by memtables and block cache
//	lsmkv.identity                 the unique id written at creation
func (d *DBImpl) GetProperty(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !strings.HasPrefix(name, PropertyPrefix) {
		return "", false
	}
	if rest, ok := strings.CutPrefix(name, PropertyNumFilesAtLevelPrefix); ok {
		level, err := strconv.Atoi(rest)
		if err != nil || level < 0 || level >= d.versions.NumLevels() {
			return "", false
		}
		return strconv.Itoa(d.versions.NumLevelFiles(level)), true
	}
	switch name {
	case PropertyStats:
		var b strings.Builder
		b.WriteString("                               Compactions\n")
		b.WriteString("Level  Files Size(MB) Time(sec) Read(MB) Write(MB)\n")
		b.WriteString("--------------------------------------------------\n")
		for level := 0; level < d.versions.NumLevels(); level++ {
			files := d.versions.NumLevelFiles(level)
			s := d.stats[level]
			if s.micros > 0 || files > 0 {
				fmt.Fprintf(&b, "%3d %8d %8.0f %9.0f %8.0f %9.0f\n",
					level, files,
					float64(d.versions.NumLevelBytes(level))/1048576.0,
					float64(s.micros)/1e6,
					float64(s.bytesRead)/1048576.0,
					float64(s.bytesWritten)/1048576.0)
			}
		}
		return b.String(), true
	case PropertySSTables:
		return d.versions.Current().DebugString(), true
	case PropertyApproximateMemoryUsage:
		return strconv.FormatInt(d.approximateMemoryUsage(), 10), true
	case PropertyIdentity:
		return d.identity, d.identity != ""
	}
	return "", false
}

func (d *DBImpl) approximateMemoryUsage() int64 {
	total := d.opts.BlockCache.TotalCharge()
	if d.mem != nil {
		total += d.mem.ApproximateMemoryUsage()
	}
	if d.imm != nil {
		total += d.imm.ApproximateMemoryUsage()
	}
	return total
}

// GetApproximateSizes returns, for each range, the approximate number of
// table bytes between its start and limit. Data still in memtables is not
// counted.
func (d *DBImpl) GetApproximateSizes(ranges []Range) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.versions.Current()
	v.Ref()
	defer v.Unref()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		k1 := dbformat.MakeInternalKey(r.Start, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
		k2 := dbformat.MakeInternalKey(r.Limit, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
		start := d.versions.ApproximateOffsetOf(v, k1)
		limit := d.versions.ApproximateOffsetOf(v, k2)
		if limit >= start {
			sizes[i] = limit - start
		}
	}
	return sizes
}

// Metrics returns a copy of the engine counters.
func (d *DBImpl) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := Metrics{
		BytesWritten:   d.metrics.bytesWritten.Load(),
		WALSyncs:       d.metrics.walSyncs.Load(),
		Flushes:        d.metrics.flushes.Load(),
		Compactions:    d.metrics.compactions.Load(),
		WriteStalls:    d.metrics.writeStalls.Load(),
		MemTableHits:   d.metrics.memHits.Load(),
		TableHits:      d.metrics.tableHits.Load(),
		LiveSnapshots:  d.snapshots.len(),
		BlockCacheSize: d.opts.BlockCache.TotalCharge(),
	}
	if d.mem != nil {
		m.MemTableUsage = d.mem.ApproximateMemoryUsage()
	}
	if d.imm != nil {
		m.MemTableUsage += d.imm.ApproximateMemoryUsage()
	}
	for level := 0; level < d.versions.NumLevels(); level++ {
		m.FilesPerLevel = append(m.FilesPerLevel, d.versions.NumLevelFiles(level))
		m.BytesPerLevel = append(m.BytesPerLevel, d.versions.NumLevelBytes(level))
	}
	return m
}

// Destroy deletes the database at dbname. The database must not be open.
func Destroy(dbname string, opts *Options) error {
	fs := vfs.Default()
	if opts != nil && opts.FS != nil {
		fs = opts.FS
	}
	names, err := fs.ListDir(dbname)
	if err != nil {
		// Ignore error in case directory does not exist.
		return nil
	}

	lockname := filename.Lock(dbname)
	lock, err := fs.Lock(lockname)
	if err != nil {
		return status.IOError(err, "lock "+lockname)
	}
	var result error
	for _, name := range names {
		_, kind, ok := filename.Parse(name)
		if ok && kind != filename.KindLock {
			result = errors.CombineErrors(result, fs.Remove(filepath.Join(dbname, name)))
		}
	}
	_ = lock.Close()
	_ = fs.Remove(lockname)
	// Fails when the directory holds files that are not ours, such as lost/.
	_ = fs.Remove(dbname)
	return result
}
