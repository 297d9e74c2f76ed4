package db

// iterator.go implements the user-facing iterator: a merge of the
// memtables and the current version, with older entries and deletions
// hidden.

import (
	"math/rand/v2"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/status"
)

// readBytesPeriod is the average number of bytes read between samples used
// for seek-triggered compaction.
const readBytesPeriod = 1 << 20

// NewIterator returns an iterator over the state at ro.Snapshot, or the
// latest state when there is none.
func (d *DBImpl) NewIterator(ro *ReadOptions) Iterator {
	if ro == nil {
		ro = DefaultReadOptions()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return iterator.NewEmptyIterator(ErrDBClosed)
	}
	latest := d.versions.LastSequence()
	internal := d.newInternalIterator(ro)
	d.mu.Unlock()

	seq := latest
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	return newDBIterator(d, internal, seq, rand.Uint32())
}

// newInternalIterator merges the memtables and every table of the current
// version. Requires the mutex.
func (d *DBImpl) newInternalIterator(ro *ReadOptions) iterator.Iterator {
	mem := d.mem
	imm := d.imm
	current := d.versions.Current()

	children := []iterator.Iterator{mem.NewIterator()}
	mem.Ref()
	if imm != nil {
		children = append(children, imm.NewIterator())
		imm.Ref()
	}
	children = append(children, current.AddIterators(d.tableReadOptions(ro))...)
	current.Ref()

	merged := iterator.NewMergingIterator(d.icmp.Compare, children...)
	return iterator.WithCleanup(merged, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		current.Unref()
	})
}

// recordReadSample charges a read of key to the files that overlap it.
func (d *DBImpl) recordReadSample(key []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.versions.Current().RecordReadSample(key) {
		d.maybeScheduleCompaction()
	}
}

type direction int8

const (
	// iter is pointing at the current entry.
	forward direction = iota
	// iter is pointing just before the entries for Key(), so the current
	// entry is in savedKey/savedValue.
	reverse
)

// dbIterator turns the internal key stream into user keys. For each user
// key it yields only the newest entry visible at sequence, and skips the
// key entirely when that entry is a deletion.
type dbIterator struct {
	db       *DBImpl
	ucmp     dbformat.Comparator
	iter     iterator.Iterator
	sequence dbformat.SequenceNumber

	err        error
	savedKey   []byte // == current key when direction==reverse
	savedValue []byte // == current raw value when direction==reverse
	dir        direction
	valid      bool

	rnd                  *rand.Rand
	bytesUntilReadSample int
}

func newDBIterator(d *DBImpl, internal iterator.Iterator, seq dbformat.SequenceNumber, seed uint32) *dbIterator {
	it := &dbIterator{
		db:       d,
		ucmp:     d.icmp.UserComparator(),
		iter:     internal,
		sequence: seq,
		rnd:      rand.New(rand.NewPCG(uint64(seed), 0)),
	}
	it.bytesUntilReadSample = it.randomCompactionPeriod()
	return it
}

// randomCompactionPeriod picks the number of bytes until the next read
// sample, uniformly in [0, 2*readBytesPeriod).
func (it *dbIterator) randomCompactionPeriod() int {
	return it.rnd.IntN(2 * readBytesPeriod)
}

func (it *dbIterator) Valid() bool { return it.valid }

func (it *dbIterator) Key() []byte {
	if it.dir == forward {
		return dbformat.ExtractUserKey(it.iter.Key())
	}
	return it.savedKey
}

func (it *dbIterator) Value() []byte {
	if it.dir == forward {
		return it.iter.Value()
	}
	return it.savedValue
}

func (it *dbIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

func (it *dbIterator) Close() error {
	return it.iter.Close()
}

// parseKey decodes the current internal key and samples the read.
func (it *dbIterator) parseKey() (dbformat.ParsedInternalKey, bool) {
	k := it.iter.Key()
	bytesRead := len(k) + len(it.iter.Value())
	for it.bytesUntilReadSample < bytesRead {
		it.bytesUntilReadSample += it.randomCompactionPeriod()
		it.db.recordReadSample(k)
	}
	it.bytesUntilReadSample -= bytesRead

	ikey, err := dbformat.ParseInternalKey(k)
	if err != nil {
		it.err = status.Corruptionf("corrupted internal key in DBIter")
		return ikey, false
	}
	return ikey, true
}

func (it *dbIterator) Next() {
	if it.dir == reverse {
		// Switch directions.
		it.dir = forward
		// iter is pointing just before the entries for Key(), so advance
		// into the range of entries for Key() and then use the normal
		// skipping code below.
		if !it.iter.Valid() {
			it.iter.SeekToFirst()
		} else {
			it.iter.Next()
		}
		if !it.iter.Valid() {
			it.valid = false
			it.savedKey = it.savedKey[:0]
			return
		}
		// savedKey already contains the key to skip past.
	} else {
		// Store in savedKey the current key so we skip it below.
		it.savedKey = append(it.savedKey[:0], dbformat.ExtractUserKey(it.iter.Key())...)

		// iter is pointing to current key. We can now safely move to the
		// next to avoid checking current key.
		it.iter.Next()
		if !it.iter.Valid() {
			it.valid = false
			it.savedKey = it.savedKey[:0]
			return
		}
	}
	it.findNextUserEntry(true)
}

// findNextUserEntry advances to the next visible entry. When skipping,
// entries for user keys <= savedKey are hidden.
func (it *dbIterator) findNextUserEntry(skipping bool) {
	// Loop until we hit an acceptable entry to yield.
	for it.iter.Valid() {
		ikey, ok := it.parseKey()
		if ok && ikey.Sequence <= it.sequence {
			switch ikey.Type {
			case dbformat.TypeDeletion:
				// Arrange to skip all upcoming entries for this key since
				// they are hidden by this deletion.
				it.savedKey = append(it.savedKey[:0], ikey.UserKey...)
				skipping = true
			case dbformat.TypeValue:
				if !skipping || it.ucmp.Compare(ikey.UserKey, it.savedKey) > 0 {
					it.valid = true
					it.savedKey = it.savedKey[:0]
					return
				}
			}
		}
		it.iter.Next()
	}
	it.savedKey = it.savedKey[:0]
	it.valid = false
}

func (it *dbIterator) Prev() {
	if it.dir == forward {
		// Switch directions.
		//
		// iter is pointing at the current entry. Scan backwards until the
		// key changes so we can use the normal reverse scanning code.
		it.savedKey = append(it.savedKey[:0], dbformat.ExtractUserKey(it.iter.Key())...)
		for {
			it.iter.Prev()
			if !it.iter.Valid() {
				it.valid = false
				it.savedKey = it.savedKey[:0]
				it.savedValue = nil
				return
			}
			if it.ucmp.Compare(dbformat.ExtractUserKey(it.iter.Key()), it.savedKey) < 0 {
				break
			}
		}
		it.dir = reverse
	}
	it.findPrevUserEntry()
}

func (it *dbIterator) findPrevUserEntry() {
	valueType := dbformat.TypeDeletion
	if it.iter.Valid() {
		for {
			ikey, ok := it.parseKey()
			if ok && ikey.Sequence <= it.sequence {
				if valueType != dbformat.TypeDeletion && it.ucmp.Compare(ikey.UserKey, it.savedKey) < 0 {
					// We encountered a non-deleted value in entries for
					// previous keys.
					break
				}
				valueType = ikey.Type
				if valueType == dbformat.TypeDeletion {
					it.savedKey = it.savedKey[:0]
					it.savedValue = nil
				} else {
					it.savedKey = append(it.savedKey[:0], ikey.UserKey...)
					it.savedValue = append(it.savedValue[:0], it.iter.Value()...)
				}
			}
			it.iter.Prev()
			if !it.iter.Valid() {
				break
			}
		}
	}

	if valueType == dbformat.TypeDeletion {
		// End.
		it.valid = false
		it.savedKey = it.savedKey[:0]
		it.savedValue = nil
		it.dir = forward
	} else {
		it.valid = true
	}
}

func (it *dbIterator) Seek(target []byte) {
	it.dir = forward
	it.savedValue = nil
	it.savedKey = dbformat.AppendInternalKey(it.savedKey[:0], dbformat.ParsedInternalKey{
		UserKey:  target,
		Sequence: it.sequence,
		Type:     dbformat.ValueTypeForSeek,
	})
	it.iter.Seek(it.savedKey)
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

func (it *dbIterator) SeekToFirst() {
	it.dir = forward
	it.savedValue = nil
	it.iter.SeekToFirst()
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

func (it *dbIterator) SeekToLast() {
	it.dir = reverse
	it.savedValue = nil
	it.iter.SeekToLast()
	it.findPrevUserEntry()
}
