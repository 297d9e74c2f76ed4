package db

// snapshot.go implements snapshot management.
//
// Snapshots provide consistent point-in-time views of the database. All
// reads from a snapshot see the database state at creation time.

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/lsmkv/internal/dbformat"
)

// Snapshot is a read view pinned at a sequence number. Obtain one with
// DB.GetSnapshot and return it with DB.ReleaseSnapshot.
type Snapshot struct {
	seq      dbformat.SequenceNumber
	released atomic.Bool
}

// Sequence returns the sequence number the snapshot reads at.
func (s *Snapshot) Sequence() uint64 { return uint64(s.seq) }

// snapshotList tracks live snapshots ordered by sequence. Several
// snapshots may share a sequence; each is counted. Requires the DB mutex.
type snapshotList struct {
	bySeq *skipmap.OrderedMap[uint64, int]
	count int
}

func newSnapshotList() *snapshotList {
	return &snapshotList{bySeq: skipmap.New[uint64, int]()}
}

func (l *snapshotList) empty() bool { return l.count == 0 }

func (l *snapshotList) len() int { return l.count }

func (l *snapshotList) acquire(seq dbformat.SequenceNumber) *Snapshot {
	n, _ := l.bySeq.Load(uint64(seq))
	l.bySeq.Store(uint64(seq), n+1)
	l.count++
	return &Snapshot{seq: seq}
}

// release unlinks s. It reports false if s was already released.
func (l *snapshotList) release(s *Snapshot) bool {
	if !s.released.CompareAndSwap(false, true) {
		return false
	}
	key := uint64(s.seq)
	n, ok := l.bySeq.Load(key)
	if !ok {
		return false
	}
	if n <= 1 {
		l.bySeq.Delete(key)
	} else {
		l.bySeq.Store(key, n-1)
	}
	l.count--
	return true
}

// oldest returns the smallest live snapshot sequence. The list must not
// be empty.
func (l *snapshotList) oldest() dbformat.SequenceNumber {
	var seq uint64
	l.bySeq.Range(func(k uint64, _ int) bool {
		seq = k
		return false
	})
	return dbformat.SequenceNumber(seq)
}

// newest returns the largest live snapshot sequence. The list must not be
// empty.
func (l *snapshotList) newest() dbformat.SequenceNumber {
	var seq uint64
	l.bySeq.Range(func(k uint64, _ int) bool {
		seq = k
		return true
	})
	return dbformat.SequenceNumber(seq)
}
