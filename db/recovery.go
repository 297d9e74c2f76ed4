package db

// recovery.go implements database creation and crash recovery.
//
// Recovery loads the last MANIFEST, checks that every table it names is
// present and replays the logs written since the last flush into fresh
// level-0 tables.

import (
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipset"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/wal"
)

// newDB writes the MANIFEST and CURRENT of an empty database, plus its
// IDENTITY.
func (d *DBImpl) newDB() error {
	var edit manifest.VersionEdit
	edit.SetComparatorName(d.icmp.UserComparator().Name())
	edit.SetLogNumber(0)
	edit.SetNextFileNumber(2)
	edit.SetLastSequence(0)

	const manifestNumber = 1
	name := filename.Descriptor(d.dbname, manifestNumber)
	f, err := d.fs.Create(name)
	if err != nil {
		return status.IOError(err, "create MANIFEST")
	}
	err = wal.NewWriter(f).AddRecord(edit.EncodeTo(nil))
	if err == nil {
		err = f.Sync()
	}
	err = errors.CombineErrors(err, f.Close())
	if err == nil {
		// Make CURRENT point to the new manifest.
		err = filename.SetCurrentFile(d.fs, d.dbname, manifestNumber)
	}
	if err != nil {
		_ = d.fs.Remove(name)
		return status.IOError(err, "create database")
	}
	return d.writeIdentity()
}

func (d *DBImpl) writeIdentity() error {
	id := uuid.NewString()
	f, err := d.fs.Create(filename.Identity(d.dbname))
	if err != nil {
		return status.IOError(err, "create IDENTITY")
	}
	_, err = f.Write([]byte(id + "\n"))
	if err == nil {
		err = f.Sync()
	}
	if err = errors.CombineErrors(err, f.Close()); err != nil {
		return status.IOError(err, "write IDENTITY")
	}
	d.identity = id
	return nil
}

func (d *DBImpl) readIdentity() error {
	f, err := d.fs.Open(filename.Identity(d.dbname))
	if err != nil {
		// Databases created by repair or by older releases have none.
		return d.writeIdentity()
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return status.IOError(err, "read IDENTITY")
	}
	d.identity = strings.TrimSpace(string(data))
	return nil
}

// recover restores the state of the database into the VersionSet and
// replays its logs. Changes that must be recorded in the MANIFEST are
// added to edit. Requires the mutex.
func (d *DBImpl) recover(edit *manifest.VersionEdit) (saveManifest bool, err error) {
	// Ignore the error from MkdirAll since the creation of the DB is
	// committed only when the descriptor is created, and this directory
	// may already exist from a previous failed creation attempt.
	_ = d.fs.MkdirAll(d.dbname, 0o755)
	lock, err := d.fs.Lock(filename.Lock(d.dbname))
	if err != nil {
		return false, status.IOError(err, "lock "+filename.Lock(d.dbname))
	}
	d.dbLock = lock

	if !d.fs.Exists(filename.Current(d.dbname)) {
		if !d.opts.CreateIfMissing {
			return false, status.InvalidArgumentf("%s: does not exist (create_if_missing is false)", d.dbname)
		}
		d.logger.Infof("%screating database %s", logging.NSRecovery, d.dbname)
		if err := d.newDB(); err != nil {
			return false, err
		}
	} else if d.opts.ErrorIfExists {
		return false, status.InvalidArgumentf("%s: exists (error_if_exists is true)", d.dbname)
	}

	saveManifest, err = d.versions.Recover()
	if err != nil {
		return false, err
	}
	if err := d.readIdentity(); err != nil {
		return false, err
	}

	// Recover from all newer log files than the ones named in the
	// descriptor (new log files may have been added by the previous
	// incarnation without registering them in the descriptor).
	//
	// Note that the previous log number is no longer used, but we pay
	// attention to it in case we are recovering a database produced by an
	// older release.
	minLog := d.versions.LogNumber()
	prevLog := d.versions.PrevLogNumber()
	names, err := d.fs.ListDir(d.dbname)
	if err != nil {
		return false, status.IOError(err, "list "+d.dbname)
	}
	expected := skipset.New[uint64]()
	d.versions.AddLiveFiles(expected)
	var logs []uint64
	for _, name := range names {
		number, kind, ok := filename.Parse(name)
		if !ok {
			continue
		}
		expected.Remove(number)
		if kind == filename.KindLog && (number >= minLog || number == prevLog) {
			logs = append(logs, number)
		}
	}
	if n := expected.Len(); n != 0 {
		var missing uint64
		expected.Range(func(number uint64) bool {
			missing = number
			return false
		})
		return false, status.Corruptionf("%d missing files; e.g.: %s", n, filename.Table(d.dbname, missing))
	}

	// Recover in the order in which the logs were generated.
	slices.Sort(logs)
	var maxSequence dbformat.SequenceNumber
	for i, number := range logs {
		if err := d.recoverLogFile(number, i == len(logs)-1, &saveManifest, edit, &maxSequence); err != nil {
			return false, err
		}
		// The previous incarnation may not have written any MANIFEST
		// records after allocating this log number, so manually update
		// the file number allocation counter.
		d.versions.MarkFileNumberUsed(number)
	}
	if d.versions.LastSequence() < maxSequence {
		d.versions.SetLastSequence(maxSequence)
	}
	return saveManifest, nil
}

// logReporter logs dropped log data. Under ParanoidChecks the first
// corruption fails recovery.
type logReporter struct {
	logger   logging.Logger
	filename string
	err      *error
}

func (r *logReporter) Corruption(bytes int, err error) {
	prefix := ""
	if r.err == nil {
		prefix = "(ignoring error) "
	}
	r.logger.Warnf("%s%s%s: dropping %d bytes; %v", logging.NSRecovery, prefix, r.filename, bytes, err)
	if r.err != nil && *r.err == nil {
		*r.err = err
	}
}

// recoverLogFile replays one log into memtables, flushing them to level-0
// tables as they fill. The memtable of the last log is kept as the live
// memtable when logs are reused. Requires the mutex.
func (d *DBImpl) recoverLogFile(logNumber uint64, lastLog bool, saveManifest *bool,
	edit *manifest.VersionEdit, maxSequence *dbformat.SequenceNumber) error {

	name := filename.Log(d.dbname, logNumber)
	f, err := d.fs.Open(name)
	if err != nil {
		return d.maybeIgnoreError(status.IOError(err, "open "+name))
	}
	defer f.Close()

	// We intentionally make the log reader do checksumming even if
	// ParanoidChecks is off, so that corruptions cause entire commits to be
	// skipped instead of propagating bad information (like overly large
	// sequence numbers).
	var readErr error
	reporter := &logReporter{logger: d.logger, filename: name}
	if d.opts.ParanoidChecks {
		reporter.err = &readErr
	}
	reader := wal.NewReader(f, reporter, true, 0)
	d.logger.Infof("%srecovering log #%d", logging.NSRecovery, logNumber)

	var (
		mem         *memtable.MemTable
		compactions int
		b           = batch.New()
	)
	for readErr == nil {
		record, rerr := reader.ReadRecord()
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = d.maybeIgnoreError(status.IOError(rerr, "read "+name))
			}
			break
		}
		if len(record) < batch.HeaderSize {
			reporter.Corruption(len(record), status.Corruptionf("log record too small"))
			continue
		}
		if err = b.SetContents(record); err != nil {
			break
		}
		if mem == nil {
			mem = memtable.New(d.icmp)
			mem.Ref()
		}
		if err = b.InsertInto(mem); err != nil {
			if err = d.maybeIgnoreError(err); err != nil {
				break
			}
			continue
		}
		last := b.Sequence() + dbformat.SequenceNumber(b.Count()) - 1
		if last > *maxSequence {
			*maxSequence = last
		}

		if mem.ApproximateMemoryUsage() > int64(d.opts.WriteBufferSize) {
			compactions++
			*saveManifest = true
			err = d.writeLevel0Table(mem, edit, nil)
			mem.Unref()
			mem = nil
			if err != nil {
				// Reflect errors immediately so that conditions like full
				// file-systems cause Open to fail.
				break
			}
		}
	}
	if err == nil {
		err = readErr
	}

	// See if we should keep reusing the last log file.
	if err == nil && d.opts.ReuseLogs && lastLog && compactions == 0 && d.reuseLog(logNumber, name) {
		if mem != nil {
			// mem can be nil if the log held no records.
			d.mem = mem
			mem = nil
		} else {
			d.mem = memtable.New(d.icmp)
			d.mem.Ref()
		}
	}

	if mem != nil {
		// mem did not get reused; compact it.
		if err == nil {
			*saveManifest = true
			err = d.writeLevel0Table(mem, edit, nil)
		}
		mem.Unref()
	}
	return err
}

// reuseLog opens the log for appending and makes it the live log.
func (d *DBImpl) reuseLog(logNumber uint64, name string) bool {
	info, err := d.fs.Stat(name)
	if err != nil {
		return false
	}
	f, err := d.fs.OpenAppend(name)
	if err != nil {
		return false
	}
	d.logger.Infof("%sreusing old log %s", logging.NSRecovery, name)
	d.logFile = f
	d.logFileNumber = logNumber
	d.log = wal.NewWriterWithOffset(f, info.Size())
	return true
}

// maybeIgnoreError drops err unless ParanoidChecks is set.
func (d *DBImpl) maybeIgnoreError(err error) error {
	if err == nil || d.opts.ParanoidChecks {
		return err
	}
	d.logger.Warnf("%signoring error %v", logging.NSRecovery, err)
	return nil
}

// removeObsoleteFiles deletes every file that is neither live nor needed
// for recovery. Requires the mutex; it is released while deleting.
func (d *DBImpl) removeObsoleteFiles() {
	if d.bgErr != nil {
		// After a background error, we do not know whether a new version
		// may or may not have been committed, so we cannot safely
		// garbage collect.
		return
	}

	// Make a set of all of the live files.
	live := skipset.New[uint64]()
	d.pendingOutputs.Range(func(number uint64) bool {
		live.Add(number)
		return true
	})
	d.versions.AddLiveFiles(live)

	names, err := d.fs.ListDir(d.dbname)
	if err != nil {
		// Ignoring errors on purpose.
		return
	}
	var toDelete []string
	for _, name := range names {
		number, kind, ok := filename.Parse(name)
		if !ok {
			continue
		}
		keep := true
		switch kind {
		case filename.KindLog:
			keep = number >= d.versions.LogNumber() || number == d.versions.PrevLogNumber()
		case filename.KindDescriptor:
			// Keep my manifest file, and any newer incarnations' (in case
			// there is a race that allows other incarnations).
			keep = number >= d.versions.ManifestFileNumber()
		case filename.KindTable, filename.KindTemp:
			// Any temp files that are currently being written to must be
			// recorded in pendingOutputs.
			keep = live.Contains(number)
		}
		if keep {
			continue
		}
		toDelete = append(toDelete, name)
		if kind == filename.KindTable {
			d.tableCache.Evict(number)
		}
		d.logger.Infof("%sdelete type=%s #%d", logging.NSDB, kind, number)
	}

	// While deleting all files unblock other threads. All files being
	// deleted have unique names which will not collide with newly created
	// files and are therefore safe to delete while allowing other threads
	// to proceed.
	d.mu.Unlock()
	var result error
	for _, name := range toDelete {
		result = errors.CombineErrors(result, d.fs.Remove(filepath.Join(d.dbname, name)))
	}
	if result != nil {
		d.logger.Warnf("%sremove obsolete files: %v", logging.NSDB, result)
	}
	d.mu.Lock()
}
