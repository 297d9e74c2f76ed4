package batch

import (
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/memtable"
)

type memTableInserter struct {
	seq dbformat.SequenceNumber
	mem *memtable.MemTable
}

func (m *memTableInserter) Put(key, value []byte) {
	m.mem.Add(m.seq, dbformat.TypeValue, key, value)
	m.seq++
}

func (m *memTableInserter) Delete(key []byte) {
	m.mem.Add(m.seq, dbformat.TypeDeletion, key, nil)
	m.seq++
}

// InsertInto applies every record of b to mem, starting at b.Sequence().
func (b *WriteBatch) InsertInto(mem *memtable.MemTable) error {
	return b.Iterate(&memTableInserter{seq: b.Sequence(), mem: mem})
}
