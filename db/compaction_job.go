package db

// compaction_job.go implements background compaction: scheduling, the
// merge of compaction inputs into new tables, and manual compaction.

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// compactionStats accumulates per-level compaction work.
type compactionStats struct {
	micros       int64
	bytesRead    int64
	bytesWritten int64
}

func (s *compactionStats) add(c compactionStats) {
	s.micros += c.micros
	s.bytesRead += c.bytesRead
	s.bytesWritten += c.bytesWritten
}

// manualCompaction is a CompactRange request for one level.
type manualCompaction struct {
	level int
	done  bool
	begin dbformat.InternalKey // nil means beginning of key range
	end   dbformat.InternalKey // nil means end of key range
}

// compactionOutput is one table produced by a compaction.
type compactionOutput struct {
	number   uint64
	fileSize uint64
	smallest dbformat.InternalKey
	largest  dbformat.InternalKey
}

// compactionState is the in-progress state of a compaction.
type compactionState struct {
	c *version.Compaction

	// Sequence numbers < smallestSnapshot are not significant since we
	// will never have to service a snapshot below smallestSnapshot.
	// Therefore if we have seen a sequence number S <= smallestSnapshot,
	// we can drop all entries for the same key with sequence numbers < S.
	smallestSnapshot dbformat.SequenceNumber

	outputs []compactionOutput

	// State kept for the output being generated.
	outfile vfs.WritableFile
	builder *table.Builder

	totalBytes uint64
}

func (cs *compactionState) currentOutput() *compactionOutput {
	return &cs.outputs[len(cs.outputs)-1]
}

// maybeScheduleCompaction starts the background goroutine when there is
// work to do. Requires the mutex.
func (d *DBImpl) maybeScheduleCompaction() {
	switch {
	case d.bgCompactionScheduled:
		// Already scheduled.
	case d.shuttingDown.Load():
		// DB is being closed; no more background compactions.
	case d.bgErr != nil:
		// Already got an error; no more changes.
	case d.imm == nil && d.manualCompaction == nil && !d.versions.NeedsCompaction():
		// No work to be done.
	default:
		d.bgCompactionScheduled = true
		go d.backgroundCall()
	}
}

func (d *DBImpl) backgroundCall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown.Load() {
		// No more background work when shutting down.
	} else if d.bgErr != nil {
		// No more background work after a background error.
	} else {
		d.backgroundCompaction()
	}
	d.bgCompactionScheduled = false

	// The previous compaction may have produced too many files in a level,
	// so reschedule another compaction if needed.
	d.maybeScheduleCompaction()
	d.bgCond.Broadcast()
}

// backgroundCompaction runs one unit of background work: a memtable flush,
// a manual compaction step or a picked compaction. Requires the mutex.
func (d *DBImpl) backgroundCompaction() {
	if d.imm != nil {
		d.compactMemTable()
		return
	}

	var (
		c         *version.Compaction
		manualEnd dbformat.InternalKey
	)
	isManual := d.manualCompaction != nil
	if isManual {
		m := d.manualCompaction
		c = d.versions.CompactRange(m.level, m.begin, m.end)
		m.done = c == nil
		if c != nil {
			manualEnd = c.Input(0, c.NumInputFiles(0)-1).Largest
		}
		d.logger.Infof("%smanual compaction at level-%d from %s .. %s; will stop at %s",
			logging.NSCompact, m.level, debugKey(m.begin), debugKey(m.end), debugKey(manualEnd))
	} else {
		c = d.versions.PickCompaction()
	}

	var err error
	switch {
	case c == nil:
		// Nothing to do.
	case !isManual && c.IsTrivialMove():
		// Move file to next level.
		f := c.Input(0, 0)
		edit := c.Edit()
		edit.RemoveFile(c.Level(), f.Number)
		edit.AddFile(c.Level()+1, f.Number, f.FileSize, f.Smallest, f.Largest)
		err = d.logAndApply(edit)
		if err != nil {
			d.recordBackgroundError(err)
		} else {
			d.metrics.compactions.Add(1)
		}
		d.logger.Infof("%smoved #%d to level-%d %d bytes %s: %s",
			logging.NSCompact, f.Number, c.Level()+1, f.FileSize, errOK(err), d.versions.LevelSummary())
		c.ReleaseInputs()
	default:
		cs := &compactionState{c: c}
		err = d.doCompactionWork(cs)
		if err != nil {
			d.recordBackgroundError(err)
		}
		d.cleanupCompaction(cs)
		c.ReleaseInputs()
		d.removeObsoleteFiles()
	}

	if err != nil && !d.shuttingDown.Load() {
		d.logger.Errorf("%scompaction error: %v", logging.NSCompact, err)
	}

	if isManual {
		m := d.manualCompaction
		if err != nil {
			m.done = true
		}
		if !m.done {
			// We only compacted part of the requested range. Update m to
			// the range that is left to be compacted.
			m.begin = manualEnd
		}
		d.manualCompaction = nil
	}
}

func debugKey(k dbformat.InternalKey) string {
	if k == nil {
		return "(nil)"
	}
	return k.DebugString()
}

// cleanupCompaction abandons any unfinished output. Requires the mutex.
func (d *DBImpl) cleanupCompaction(cs *compactionState) {
	if cs.builder != nil {
		// May happen if we get a shutdown call in the middle of compaction.
		cs.builder.Abandon()
		_ = cs.outfile.Close()
		cs.builder = nil
		cs.outfile = nil
	}
	for _, out := range cs.outputs {
		d.pendingOutputs.Remove(out.number)
	}
}

func (d *DBImpl) openCompactionOutputFile(cs *compactionState) error {
	d.mu.Lock()
	number := d.versions.NewFileNumber()
	d.pendingOutputs.Add(number)
	cs.outputs = append(cs.outputs, compactionOutput{number: number})
	d.mu.Unlock()

	f, err := d.fs.Create(filename.Table(d.dbname, number))
	if err != nil {
		return status.IOError(err, "create compaction output")
	}
	cs.outfile = f
	cs.builder = table.NewBuilder(f, d.tableOpts)
	return nil
}

func (d *DBImpl) finishCompactionOutputFile(cs *compactionState, input iterator.Iterator) error {
	out := cs.currentOutput()
	entries := cs.builder.NumEntries()

	// Check for iterator errors.
	err := input.Error()
	if err == nil {
		err = cs.builder.Finish()
	} else {
		cs.builder.Abandon()
	}
	out.fileSize = cs.builder.FileSize()
	cs.totalBytes += out.fileSize
	cs.builder = nil

	// Finish and check for file errors.
	if err == nil {
		err = cs.outfile.Sync()
	}
	err = errors.CombineErrors(err, cs.outfile.Close())
	cs.outfile = nil

	if err == nil && entries > 0 {
		// Verify that the table is usable.
		it := d.tableCache.NewIterator(table.ReadOptions{}, out.number, out.fileSize)
		err = it.Error()
		_ = it.Close()
		if err == nil {
			d.logger.Infof("%sgenerated table #%d@%d: %d keys, %d bytes",
				logging.NSCompact, out.number, cs.c.Level(), entries, out.fileSize)
		}
	}
	return err
}

// installCompactionResults records the outputs of cs in place of its
// inputs. Requires the mutex.
func (d *DBImpl) installCompactionResults(cs *compactionState) error {
	c := cs.c
	d.logger.Infof("%scompacted %d@%d + %d@%d files => %d bytes",
		logging.NSCompact, c.NumInputFiles(0), c.Level(), c.NumInputFiles(1), c.Level()+1, cs.totalBytes)

	// Add compaction outputs.
	edit := c.Edit()
	c.AddInputDeletions(edit)
	for _, out := range cs.outputs {
		edit.AddFile(c.Level()+1, out.number, out.fileSize, out.smallest, out.largest)
	}
	return d.logAndApply(edit)
}

// doCompactionWork merges the inputs of cs into new tables at the next
// level and installs them. Requires the mutex; it is released during the
// merge.
func (d *DBImpl) doCompactionWork(cs *compactionState) error {
	start := time.Now()
	var immMicros int64 // Micros spent doing imm compactions
	c := cs.c

	d.logger.Infof("%scompacting %d@%d + %d@%d files",
		logging.NSCompact, c.NumInputFiles(0), c.Level(), c.NumInputFiles(1), c.Level()+1)

	if d.snapshots.empty() {
		cs.smallestSnapshot = d.versions.LastSequence()
	} else {
		cs.smallestSnapshot = d.snapshots.oldest()
	}

	input := d.versions.MakeInputIterator(c)

	// Release the mutex while we are actually doing the compaction work.
	d.mu.Unlock()

	ucmp := d.icmp.UserComparator()
	var (
		err            error
		currentUserKey []byte
		hasCurrentKey  bool
		lastSequence   = dbformat.MaxSequenceNumber
	)
	input.SeekToFirst()
	for input.Valid() && !d.shuttingDown.Load() {
		// Prioritize immutable compaction work.
		if d.hasImm.Load() {
			immStart := time.Now()
			d.mu.Lock()
			if d.imm != nil {
				d.compactMemTable()
				// Wake up makeRoomForWrite if necessary.
				d.bgCond.Broadcast()
			}
			d.mu.Unlock()
			immMicros += time.Since(immStart).Microseconds()
		}

		key := input.Key()
		if cs.builder != nil && c.ShouldStopBefore(key) {
			if err = d.finishCompactionOutputFile(cs, input); err != nil {
				break
			}
		}

		// Handle key/value, add to state, etc.
		drop := false
		ikey, perr := dbformat.ParseInternalKey(key)
		if perr != nil {
			// Do not hide error keys.
			currentUserKey = currentUserKey[:0]
			hasCurrentKey = false
			lastSequence = dbformat.MaxSequenceNumber
		} else {
			if !hasCurrentKey || ucmp.Compare(ikey.UserKey, currentUserKey) != 0 {
				// First occurrence of this user key.
				currentUserKey = append(currentUserKey[:0], ikey.UserKey...)
				hasCurrentKey = true
				lastSequence = dbformat.MaxSequenceNumber
			}

			if lastSequence <= cs.smallestSnapshot {
				// Hidden by a newer entry for the same user key.
				drop = true // (A)
			} else if ikey.Type == dbformat.TypeDeletion &&
				ikey.Sequence <= cs.smallestSnapshot &&
				c.IsBaseLevelForKey(ikey.UserKey) {
				// For this user key:
				// (1) there is no data in higher levels
				// (2) data in lower levels will have larger sequence numbers
				// (3) data in layers that are being compacted here and have
				//     smaller sequence numbers will be dropped in the next
				//     few iterations of this loop (by rule (A) above).
				// Therefore this deletion marker is obsolete and can be
				// dropped.
				drop = true // (B)
			}
			lastSequence = ikey.Sequence
		}

		if !drop {
			// Open output file if necessary.
			if cs.builder == nil {
				if err = d.openCompactionOutputFile(cs); err != nil {
					break
				}
			}
			out := cs.currentOutput()
			if cs.builder.NumEntries() == 0 {
				out.smallest = dbformat.InternalKey(key).Clone()
			}
			out.largest = append(out.largest[:0], key...)
			cs.builder.Add(key, input.Value())

			// Close output file if it is big enough.
			if cs.builder.FileSize() >= c.MaxOutputFileSize() {
				if err = d.finishCompactionOutputFile(cs, input); err != nil {
					break
				}
			}
		}

		input.Next()
	}

	if err == nil && d.shuttingDown.Load() {
		err = errShuttingDown
	}
	if err == nil && cs.builder != nil {
		err = d.finishCompactionOutputFile(cs, input)
	}
	if err == nil {
		err = input.Error()
	}
	_ = input.Close()

	stats := compactionStats{
		micros: time.Since(start).Microseconds() - immMicros,
	}
	for which := 0; which < 2; which++ {
		for _, f := range c.Inputs(which) {
			stats.bytesRead += int64(f.FileSize)
		}
	}
	for _, out := range cs.outputs {
		stats.bytesWritten += int64(out.fileSize)
	}

	d.mu.Lock()
	d.stats[c.Level()+1].add(stats)

	if err == nil {
		err = d.installCompactionResults(cs)
	}
	if err == nil {
		d.metrics.compactions.Add(1)
	}
	d.logger.Infof("%scompacted to: %s", logging.NSCompact, d.versions.LevelSummary())
	return err
}

// CompactRange compacts every level that overlaps [begin, end], after
// flushing the memtable. It returns the background error, if any.
func (d *DBImpl) CompactRange(begin, end []byte) error {
	maxLevelWithFiles := 1
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDBClosed
	}
	base := d.versions.Current()
	for level := 1; level < d.versions.NumLevels(); level++ {
		if base.OverlapInLevel(level, begin, end) {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	// The memtable flush returns the background error if one is set.
	if err := d.CompactMemTableForTest(); err != nil {
		return err
	}
	for level := 0; level < maxLevelWithFiles; level++ {
		if err := d.CompactRangeForTest(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// CompactRangeForTest compacts the files of level overlapping
// [begin, end] into level+1 and waits for it to finish.
func (d *DBImpl) CompactRangeForTest(level int, begin, end []byte) error {
	if level < 0 || level+1 >= d.opts.NumLevels {
		return status.InvalidArgumentf("compact range: level %d out of range", level)
	}
	manual := &manualCompaction{level: level}
	if begin != nil {
		manual.begin = dbformat.MakeInternalKey(begin, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	}
	if end != nil {
		manual.end = dbformat.MakeInternalKey(end, 0, dbformat.TypeDeletion)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for !manual.done && !d.shuttingDown.Load() && d.bgErr == nil {
		if d.manualCompaction == nil {
			// Idle.
			d.manualCompaction = manual
			d.maybeScheduleCompaction()
		} else {
			// Running either my compaction or another compaction.
			d.bgCond.Wait()
		}
	}
	// Finish the current background compaction in the case where the wait
	// above was interrupted.
	for d.bgCompactionScheduled && d.manualCompaction == manual {
		d.bgCond.Wait()
	}
	if d.manualCompaction == manual {
		// Cancel my manual compaction since we aborted early for some
		// reason.
		d.manualCompaction = nil
	}
	return d.bgErr
}

// MaxNextLevelOverlappingBytesForTest returns the largest number of bytes
// any file at level >= 1 overlaps in the next level.
func (d *DBImpl) MaxNextLevelOverlappingBytesForTest() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions.MaxNextLevelOverlappingBytes()
}

// NumLevelFilesForTest returns the number of files at level.
func (d *DBImpl) NumLevelFilesForTest(level int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions.NumLevelFiles(level)
}

// LiveFilesForTest returns the table files of level in the current
// version.
func (d *DBImpl) LiveFilesForTest(level int) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var numbers []uint64
	for _, f := range d.versions.Current().Files(level) {
		numbers = append(numbers, f.Number)
	}
	return numbers
}
