package db

// write.go implements the write path: the writer queue, group commit and
// memtable rotation.

import (
	"sync"
	"time"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/wal"
)

// writer is a pending Write waiting in the queue.
type writer struct {
	batch *batch.WriteBatch
	sync  bool
	done  bool
	err   error
	cond  *sync.Cond
}

const (
	maxBatchGroupSize   = 1 << 20
	smallBatchThreshold = 128 << 10
)

// Write applies updates atomically. A nil batch forces the memtable to be
// rotated and is used to trigger flushes.
//
// Writers queue up. The writer at the head of the queue commits its own
// batch together with the compatible batches queued behind it, appending
// them as one log record, and wakes their owners with the result.
func (d *DBImpl) Write(wo *WriteOptions, updates *WriteBatch) error {
	w := &writer{
		batch: updates,
		sync:  wo != nil && wo.Sync,
		cond:  sync.NewCond(&d.mu),
	}

	d.mu.Lock()
	if d.closed || d.shuttingDown.Load() {
		d.mu.Unlock()
		return ErrDBClosed
	}
	d.writers = append(d.writers, w)
	for !w.done && w != d.writers[0] {
		w.cond.Wait()
	}
	if w.done {
		d.mu.Unlock()
		return w.err
	}

	// May temporarily unlock and wait.
	err := d.makeRoomForWrite(updates == nil)
	lastSequence := d.versions.LastSequence()
	lastWriter := w
	if err == nil && updates != nil {
		var group *batch.WriteBatch
		group, lastWriter = d.buildBatchGroup()
		group.SetSequence(lastSequence + 1)
		lastSequence += dbformat.SequenceNumber(group.Count())

		// Add to the log and apply to the memtable. The mutex can be
		// released here because w is the only writer touching the log and
		// mem until it leaves the head of the queue.
		d.mu.Unlock()
		d.metrics.bytesWritten.Add(uint64(group.ApproximateSize()))
		err = d.log.AddRecord(group.Contents())
		syncErr := false
		if err == nil && w.sync {
			start := time.Now()
			err = d.logFile.Sync()
			d.metrics.observeSync(start)
			if err != nil {
				syncErr = true
			}
		}
		if err == nil {
			err = group.InsertInto(d.mem)
		}
		d.mu.Lock()
		if err != nil {
			err = status.IOError(err, "write")
		}
		if syncErr {
			// The state of the log file is indeterminate: the record just
			// added may or may not show up when the DB is reopened. Force
			// the DB into a mode where all future writes fail.
			d.recordBackgroundError(err)
		}
		if group == d.tmpBatch {
			d.tmpBatch.Clear()
		}
		d.versions.SetLastSequence(lastSequence)
	}

	for {
		ready := d.writers[0]
		d.writers = d.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cond.Signal()
		}
		if ready == lastWriter {
			break
		}
	}
	// Notify the new head of the queue.
	if len(d.writers) > 0 {
		d.writers[0].cond.Signal()
	}
	d.mu.Unlock()
	return err
}

// buildBatchGroup merges the batch at the head of the queue with the
// batches behind it. Requires the mutex and a non-nil head batch.
func (d *DBImpl) buildBatchGroup() (*batch.WriteBatch, *writer) {
	first := d.writers[0]
	result := first.batch

	size := first.batch.ApproximateSize()
	// Allow the group to grow up to a maximum size, but if the original
	// write is small, limit the growth so we do not slow down the small
	// write too much.
	maxSize := maxBatchGroupSize
	if size <= smallBatchThreshold {
		maxSize = size + smallBatchThreshold
	}

	lastWriter := first
	for _, w := range d.writers[1:] {
		if w.sync && !first.sync {
			// Do not include a sync write into a batch handled by a
			// non-sync write.
			break
		}
		if w.batch == nil {
			// A forced rotation has to run makeRoomForWrite itself.
			break
		}
		size += w.batch.ApproximateSize()
		if size > maxSize {
			break
		}
		// Append to the scratch batch so the caller's batch is untouched.
		if result == first.batch {
			result = d.tmpBatch
			result.Append(first.batch)
		}
		result.Append(w.batch)
		lastWriter = w
	}
	return result, lastWriter
}

// makeRoomForWrite makes sure the memtable has room for a write, rotating
// it and stalling as needed. force rotates even a non-full memtable.
// Requires the mutex and that the caller is at the head of the queue.
func (d *DBImpl) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		if err := d.backgroundError(); err != nil {
			return err
		}
		if d.shuttingDown.Load() {
			return ErrDBClosed
		}
		l0 := d.versions.NumLevelFiles(0)
		switch {
		case allowDelay && l0 >= d.opts.L0SlowdownWritesTrigger:
			// We are getting close to hitting a hard limit on the number
			// of level-0 files. Rather than delaying a single write by
			// several seconds when we hit the hard limit, start delaying
			// each individual write by 1ms. This also hands some CPU to
			// the compaction thread in case it shares a core.
			d.metrics.writeStalls.Add(1)
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			// Do not delay a single write more than once.
			allowDelay = false
		case !force && d.mem.ApproximateMemoryUsage() <= int64(d.opts.WriteBufferSize):
			// There is room in the current memtable.
			return nil
		case d.imm != nil:
			// The previous memtable is still being flushed.
			d.logger.Infof("%scurrent memtable full; waiting...", logging.NSDB)
			d.metrics.writeStalls.Add(1)
			d.bgCond.Wait()
		case l0 >= d.opts.L0StopWritesTrigger:
			d.logger.Infof("%stoo many L0 files; waiting...", logging.NSDB)
			d.metrics.writeStalls.Add(1)
			d.bgCond.Wait()
		default:
			// Switch to a new memtable and trigger a flush of the old one.
			newLogNumber := d.versions.NewFileNumber()
			f, err := d.fs.Create(filename.Log(d.dbname, newLogNumber))
			if err != nil {
				// Avoid chewing through file numbers in a tight loop.
				d.versions.ReuseFileNumber(newLogNumber)
				return status.IOError(err, "create log")
			}
			if err := d.log.Close(); err != nil {
				// We may have lost some data written to the old log. Fail
				// future writes so the caller does not think it succeeded.
				d.recordBackgroundError(status.IOError(err, "close log"))
			}
			d.logFile = f
			d.logFileNumber = newLogNumber
			d.log = wal.NewWriter(f)
			d.imm = d.mem
			d.hasImm.Store(true)
			d.mem = memtable.New(d.icmp)
			d.mem.Ref()
			// Do not force another compaction if we have room.
			force = false
			d.maybeScheduleCompaction()
		}
	}
}
