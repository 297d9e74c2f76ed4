/*
Package lsmkv provides a pure-Go embedded key/value store built on a
log-structured merge tree.

Writes go to a write-ahead log and an in-memory table. Full memtables are
flushed to immutable sorted table files, which background compactions merge
into a hierarchy of levels. Reads see a consistent view through sequence
numbered snapshots.

# Usage

	opts := lsmkv.DefaultOptions()
	opts.CreateIfMissing = true
	db, err := lsmkv.Open("/tmp/mydb", opts)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Put(nil, []byte("key"), []byte("value"))
	value, err := db.Get(nil, []byte("key"))

Options can also be read from a YAML file with LoadOptionsFile.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. An Iterator is not;
each goroutine should use its own.

# Recovery

Open replays the write-ahead log of a database that was not closed cleanly.
When the MANIFEST itself is lost or damaged, Repair rebuilds it from the
surviving log and table files.
*/
package lsmkv
