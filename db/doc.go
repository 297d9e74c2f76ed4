// Package db implements the storage engine: an ordered key-value store
// built as a log-structured merge tree.
//
// Writes go to a write-ahead log and an in-memory table. Full memtables are
// flushed to sorted table files at level 0, and a background goroutine
// merges tables down the levels. The set of live tables is recorded in a
// MANIFEST, so Open can rebuild the state of the database and replay the
// logs written since the last flush.
//
// # Quick Start
//
//	opts := db.DefaultOptions()
//	opts.CreateIfMissing = true
//	d, err := db.Open("/path/to/db", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	err = d.Put(nil, []byte("key"), []byte("value"))
//	value, err := d.Get(nil, []byte("key"))
//
// # Batch Writes
//
// A WriteBatch is applied atomically:
//
//	wb := db.NewWriteBatch()
//	wb.Put([]byte("key1"), []byte("value1"))
//	wb.Delete([]byte("key2"))
//	err := d.Write(&db.WriteOptions{Sync: true}, wb)
//
// # Iteration and Snapshots
//
//	snap := d.GetSnapshot()
//	defer d.ReleaseSnapshot(snap)
//
//	it := d.NewIterator(&db.ReadOptions{Snapshot: snap})
//	defer it.Close()
//	for it.SeekToFirst(); it.Valid(); it.Next() {
//	    fmt.Printf("%s: %s\n", it.Key(), it.Value())
//	}
//
// # Concurrency
//
// A DB is safe for concurrent use. Concurrent writers are committed in
// groups by the writer at the head of the queue. Iterators and snapshots
// are not safe for concurrent use by multiple goroutines.
package db
