package db

// flush.go implements writing memtables out as table files.

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// tableMeta describes a table written by buildTable.
type tableMeta struct {
	number   uint64
	size     uint64
	smallest dbformat.InternalKey
	largest  dbformat.InternalKey
}

// buildTable writes the contents of it to table file number. An empty
// iterator produces no file and a zero size. On error the partial file is
// removed.
func buildTable(dbname string, fs vfs.FS, opts table.Options, tc *tableCache,
	it iterator.Iterator, number uint64) (tableMeta, error) {

	meta := tableMeta{number: number}
	name := filename.Table(dbname, number)

	it.SeekToFirst()
	var err error
	if it.Valid() {
		var f vfs.WritableFile
		f, err = fs.Create(name)
		if err != nil {
			return meta, status.IOError(err, "create table")
		}
		b := table.NewBuilder(f, opts)
		meta.smallest = dbformat.InternalKey(it.Key()).Clone()
		for ; it.Valid(); it.Next() {
			key := it.Key()
			meta.largest = append(meta.largest[:0], key...)
			b.Add(key, it.Value())
		}

		err = it.Error()
		if err == nil {
			err = b.Finish()
			meta.size = b.FileSize()
		} else {
			b.Abandon()
		}
		if err == nil {
			err = f.Sync()
		}
		err = errors.CombineErrors(err, f.Close())

		if err == nil {
			// Verify that the table is usable.
			check := tc.NewIterator(table.ReadOptions{}, number, meta.size)
			err = check.Error()
			_ = check.Close()
		}
	} else {
		err = it.Error()
	}

	if err != nil || meta.size == 0 {
		_ = fs.Remove(name)
		meta.size = 0
	}
	return meta, err
}

// writeLevel0Table flushes mem to a new table and records it in edit. When
// base is non-nil the table may be placed above level 0. Requires the
// mutex; it is released while the table is written.
func (d *DBImpl) writeLevel0Table(mem *memtable.MemTable, edit *manifest.VersionEdit, base *version.Version) error {
	start := time.Now()
	number := d.versions.NewFileNumber()
	d.pendingOutputs.Add(number)
	it := mem.NewIterator()
	d.logger.Infof("%slevel-0 table #%d: started", logging.NSFlush, number)

	d.mu.Unlock()
	meta, err := buildTable(d.dbname, d.fs, d.tableOpts, d.tableCache, it, number)
	_ = it.Close()
	d.mu.Lock()

	d.logger.Infof("%slevel-0 table #%d: %d bytes %v", logging.NSFlush, number, meta.size, errOK(err))
	d.pendingOutputs.Remove(number)

	// Note that if the file size is zero, the file has been deleted and
	// should not be added to the manifest.
	level := 0
	if err == nil && meta.size > 0 {
		if base != nil {
			level = base.PickLevelForMemTableOutput(meta.smallest.UserKey(), meta.largest.UserKey())
		}
		edit.AddFile(level, meta.number, meta.size, meta.smallest, meta.largest)
	}

	d.stats[level].add(compactionStats{
		micros:       time.Since(start).Microseconds(),
		bytesWritten: int64(meta.size),
	})
	if err == nil {
		d.metrics.flushes.Add(1)
	}
	return err
}

// compactMemTable flushes the immutable memtable and installs the result.
// Requires the mutex and a non-nil imm.
func (d *DBImpl) compactMemTable() {
	// Save the contents of the memtable as a new table.
	var edit manifest.VersionEdit
	base := d.versions.Current()
	base.Ref()
	err := d.writeLevel0Table(d.imm, &edit, base)
	base.Unref()

	if err == nil && d.shuttingDown.Load() {
		err = errShuttingDown
	}

	// Replace the immutable memtable with the generated table.
	if err == nil {
		// Earlier logs are no longer needed.
		edit.SetPrevLogNumber(0)
		edit.SetLogNumber(d.logFileNumber)
		err = d.logAndApply(&edit)
	}

	if err == nil {
		// Commit to the new state.
		d.imm.Unref()
		d.imm = nil
		d.hasImm.Store(false)
		d.removeObsoleteFiles()
	} else {
		d.recordBackgroundError(err)
	}
}

// CompactMemTableForTest forces the current memtable to be flushed and
// waits for the flush to finish.
func (d *DBImpl) CompactMemTableForTest() error {
	// A nil batch means just wait for earlier writes to be done and rotate
	// the memtable.
	err := d.Write(nil, nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitForImmutableFlush()
}

// waitForImmutableFlush blocks until the immutable memtable is flushed.
// Close stops background flushes, so shutdown ends the wait too. Requires
// the mutex.
func (d *DBImpl) waitForImmutableFlush() error {
	for d.imm != nil && d.bgErr == nil && !d.shuttingDown.Load() {
		d.bgCond.Wait()
	}
	if d.imm != nil {
		if d.bgErr != nil {
			return d.bgErr
		}
		return ErrDBClosed
	}
	return nil
}

// errOK renders a nil error as OK for the LOG.
func errOK(err error) string {
	if err == nil {
		return "OK"
	}
	return err.Error()
}
