package db

// repair.go implements Repair, which rebuilds a usable MANIFEST from
// whatever log and table files survive.
//
// Every log is converted into a table, every table is scanned for its key
// range and largest sequence number, and a fresh descriptor is written with
// all tables at level 0. Files that cannot be used are moved to lost/
// rather than deleted. Some data may be lost, but Open succeeds afterwards.

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// Repair recovers as much of the database at dbname as possible. It fails
// only when the directory cannot be read or the new MANIFEST cannot be
// written.
func Repair(dbname string, opts *Options) error {
	r := newRepairer(dbname, opts)
	defer r.close()
	return r.run()
}

type repairedTable struct {
	meta        tableMeta
	maxSequence dbformat.SequenceNumber
}

type repairer struct {
	dbname     string
	fs         vfs.FS
	opts       *Options
	logger     logging.Logger
	infoLog    vfs.WritableFile
	icmp       *dbformat.InternalKeyComparator
	tableOpts  table.Options
	tableCache *tableCache

	manifests      []string
	tableNumbers   []uint64
	logs           []uint64
	tables         []repairedTable
	nextFileNumber uint64
}

func newRepairer(dbname string, src *Options) *repairer {
	opts, infoLog := sanitizeOptions(dbname, src)
	icmp := dbformat.NewInternalKeyComparator(opts.Comparator)
	tableOpts := table.Options{
		Comparator:           icmp,
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          opts.Compression,
		FilterPolicy:         opts.FilterPolicy,
		BlockCache:           opts.BlockCache,
	}
	return &repairer{
		dbname:         dbname,
		fs:             opts.FS,
		opts:           opts,
		logger:         opts.Logger,
		infoLog:        infoLog,
		icmp:           icmp,
		tableOpts:      tableOpts,
		tableCache:     newTableCache(dbname, opts.FS, tableOpts, 10),
		nextFileNumber: 1,
	}
}

func (r *repairer) close() {
	r.tableCache.Close()
	if r.infoLog != nil {
		_ = r.infoLog.Close()
	}
}

func (r *repairer) run() error {
	if err := r.findFiles(); err != nil {
		return err
	}
	r.convertLogFilesToTables()
	r.extractMetaData()
	if err := r.writeDescriptor(); err != nil {
		return err
	}

	var bytes uint64
	for _, t := range r.tables {
		bytes += t.meta.size
	}
	r.logger.Warnf("%s**** Repaired database %s; recovered %d files; %d bytes. "+
		"Some data may have been lost. ****", logging.NSRepair, r.dbname, len(r.tables), bytes)
	return nil
}

func (r *repairer) findFiles() error {
	names, err := r.fs.ListDir(r.dbname)
	if err != nil {
		return status.IOError(err, "repair: list "+r.dbname)
	}
	for _, name := range names {
		number, kind, ok := filename.Parse(name)
		if !ok {
			continue
		}
		switch kind {
		case filename.KindDescriptor:
			r.manifests = append(r.manifests, name)
		case filename.KindLog:
			r.logs = append(r.logs, number)
		case filename.KindTable:
			r.tableNumbers = append(r.tableNumbers, number)
		default:
			// Ignore other files.
			continue
		}
		if number+1 > r.nextFileNumber {
			r.nextFileNumber = number + 1
		}
	}
	if len(r.manifests) == 0 && len(r.logs) == 0 && len(r.tableNumbers) == 0 {
		return status.IOError(errors.New("repair found no files"), r.dbname)
	}
	return nil
}

func (r *repairer) convertLogFilesToTables() {
	for _, number := range r.logs {
		name := filename.Log(r.dbname, number)
		if err := r.convertLogToTable(number); err != nil {
			r.logger.Warnf("%slog #%d: ignoring conversion error: %v", logging.NSRepair, number, err)
		}
		r.archiveFile(name)
	}
}

// repairReporter logs dropped log data and carries on.
type repairReporter struct {
	logger logging.Logger
	number uint64
}

func (rr repairReporter) Corruption(bytes int, err error) {
	// We print error messages for corruption, but continue repairing.
	rr.logger.Warnf("%slog #%d: dropping %d bytes; %v", logging.NSRepair, rr.number, bytes, err)
}

func (r *repairer) convertLogToTable(number uint64) error {
	f, err := r.fs.Open(filename.Log(r.dbname, number))
	if err != nil {
		return err
	}
	defer f.Close()

	// We intentionally make the reader do checksumming so that corruptions
	// cause entire commits to be skipped instead of propagating bad
	// information (like overly large sequence numbers).
	reader := wal.NewReader(f, repairReporter{logger: r.logger, number: number}, true, 0)

	mem := memtable.New(r.icmp)
	mem.Ref()
	defer mem.Unref()

	b := batch.New()
	counter := 0
	for {
		record, rerr := reader.ReadRecord()
		if rerr != nil {
			break
		}
		if len(record) < batch.HeaderSize {
			r.logger.Warnf("%slog #%d: dropping record; too small", logging.NSRepair, number)
			continue
		}
		if err := b.SetContents(record); err != nil {
			continue
		}
		if err := b.InsertInto(mem); err != nil {
			r.logger.Warnf("%slog #%d: ignoring %v", logging.NSRepair, number, err)
			continue
		}
		counter += b.Count()
	}

	// Do not record a version edit for this conversion to a table since
	// extractMetaData() will also generate edits.
	tableNumber := r.nextFileNumber
	r.nextFileNumber++
	it := mem.NewIterator()
	meta, err := buildTable(r.dbname, r.fs, r.tableOpts, r.tableCache, it, tableNumber)
	_ = it.Close()
	if err != nil {
		return err
	}
	if meta.size > 0 {
		r.tableNumbers = append(r.tableNumbers, tableNumber)
	}
	r.logger.Infof("%slog #%d: %d ops saved to table #%d", logging.NSRepair, number, counter, tableNumber)
	return nil
}

func (r *repairer) extractMetaData() {
	for _, number := range r.tableNumbers {
		r.scanTable(number)
	}
}

// tableFile returns the name and size of table number under either suffix.
func (r *repairer) tableFile(number uint64) (string, uint64, error) {
	name := filename.Table(r.dbname, number)
	info, err := r.fs.Stat(name)
	if err != nil {
		sst := filename.SSTTable(r.dbname, number)
		var sstErr error
		if info, sstErr = r.fs.Stat(sst); sstErr != nil {
			return name, 0, err
		}
		name = sst
	}
	return name, uint64(info.Size()), nil
}

func (r *repairer) scanTable(number uint64) {
	name, size, err := r.tableFile(number)
	if err != nil {
		r.logger.Warnf("%stable #%d: dropped: %v", logging.NSRepair, number, err)
		r.archiveFile(name)
		return
	}
	t := repairedTable{meta: tableMeta{number: number, size: size}}

	// Extract metadata by scanning through the table.
	it := r.tableCache.NewIterator(table.ReadOptions{VerifyChecksums: true}, number, size)
	counter := r.scanEntries(&t, it, number)
	err = it.Error()
	_ = it.Close()
	r.logger.Infof("%stable #%d: %d entries %s", logging.NSRepair, number, counter, errOK(err))

	if err == nil {
		r.tables = append(r.tables, t)
	} else {
		r.repairTable(name, t)
	}
}

// scanEntries records the key range and largest sequence of the entries
// of it into t and returns how many it saw.
func (r *repairer) scanEntries(t *repairedTable, it iterator.Iterator, number uint64) int {
	counter := 0
	empty := true
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		parsed, err := dbformat.ParseInternalKey(key)
		if err != nil {
			r.logger.Warnf("%stable #%d: unparsable key %q", logging.NSRepair, number, key)
			continue
		}
		counter++
		if empty {
			empty = false
			t.meta.smallest = dbformat.InternalKey(key).Clone()
		}
		t.meta.largest = append(t.meta.largest[:0], key...)
		if parsed.Sequence > t.maxSequence {
			t.maxSequence = parsed.Sequence
		}
	}
	return counter
}

// repairTable copies the readable entries of a damaged table into a new
// file and replaces the original with it.
func (r *repairer) repairTable(src string, t repairedTable) {
	copyName := filepath.Join(r.dbname, fmt.Sprintf("%06d.rebuild", t.meta.number))
	f, err := r.fs.Create(copyName)
	if err != nil {
		r.archiveFile(src)
		return
	}
	b := table.NewBuilder(f, r.tableOpts)

	it := r.tableCache.NewIterator(table.ReadOptions{}, t.meta.number, t.meta.size)
	counter := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		b.Add(it.Key(), it.Value())
		counter++
	}
	_ = it.Close()
	r.tableCache.Evict(t.meta.number)

	r.archiveFile(src)
	if counter == 0 {
		// Nothing to save.
		b.Abandon()
		_ = f.Close()
		_ = r.fs.Remove(copyName)
		return
	}
	err = b.Finish()
	if err == nil {
		t.meta.size = b.FileSize()
		err = f.Sync()
	}
	err = errors.CombineErrors(err, f.Close())
	if err == nil {
		err = r.fs.Rename(copyName, filename.Table(r.dbname, t.meta.number))
	}
	if err != nil {
		_ = r.fs.Remove(copyName)
		r.logger.Warnf("%stable #%d: rebuild failed: %v", logging.NSRepair, t.meta.number, err)
		return
	}
	r.logger.Infof("%stable #%d: %d entries repaired", logging.NSRepair, t.meta.number, counter)
	r.tables = append(r.tables, t)
}

func (r *repairer) writeDescriptor() error {
	tmp := filename.Temp(r.dbname, 1)
	f, err := r.fs.Create(tmp)
	if err != nil {
		return status.IOError(err, "repair: create descriptor")
	}

	var maxSequence dbformat.SequenceNumber
	for _, t := range r.tables {
		if t.maxSequence > maxSequence {
			maxSequence = t.maxSequence
		}
	}

	var edit manifest.VersionEdit
	edit.SetComparatorName(r.icmp.UserComparator().Name())
	edit.SetLogNumber(0)
	edit.SetNextFileNumber(r.nextFileNumber)
	edit.SetLastSequence(maxSequence)
	// TODO: split tables into non-overlapping runs and place them above
	// level 0 so the first compactions after a repair are cheaper.
	for _, t := range r.tables {
		edit.AddFile(0, t.meta.number, t.meta.size, t.meta.smallest, t.meta.largest)
	}

	err = wal.NewWriter(f).AddRecord(edit.EncodeTo(nil))
	if err == nil {
		err = f.Sync()
	}
	err = errors.CombineErrors(err, f.Close())
	if err != nil {
		_ = r.fs.Remove(tmp)
		return status.IOError(err, "repair: write descriptor")
	}

	// Discard older manifests.
	for _, name := range r.manifests {
		r.archiveFile(filepath.Join(r.dbname, name))
	}

	// Install new manifest.
	if err := r.fs.Rename(tmp, filename.Descriptor(r.dbname, 1)); err != nil {
		_ = r.fs.Remove(tmp)
		return status.IOError(err, "repair: install descriptor")
	}
	return filename.SetCurrentFile(r.fs, r.dbname, 1)
}

// archiveFile moves name into a lost/ directory next to it.
func (r *repairer) archiveFile(name string) {
	dir, base := filepath.Split(name)
	lost := filepath.Join(dir, "lost")
	// Ignore error; the rename below reports a missing directory.
	_ = r.fs.MkdirAll(lost, 0o755)
	err := r.fs.Rename(name, filepath.Join(lost, base))
	r.logger.Infof("%sarchiving %s: %s", logging.NSRepair, name, errOK(err))
}
