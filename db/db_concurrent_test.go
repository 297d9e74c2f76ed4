// db_concurrent_test.go - Concurrent writers and readers
//
// Run with -race to check the writer queue and background work.

package db

import (
	"fmt"
	"sync"
	"testing"
)

func TestConcurrentWriters(t *testing.T) {
	opts := testOptions()
	opts.WriteBufferSize = 64 << 10
	d := openTestDB(t, t.TempDir(), opts)
	defer d.Close()

	const (
		writers   = 8
		perWriter = 300
	)
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				wo := &WriteOptions{Sync: i%50 == 0}
				if err := d.Put(wo, key, []byte(fmt.Sprintf("value-%d-%d", w, i))); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Put() error = %v", err)
	}

	for w := range writers {
		for i := range perWriter {
			key := fmt.Sprintf("w%d-%04d", w, i)
			if got, want := getString(d, nil, key), fmt.Sprintf("value-%d-%d", w, i); got != want {
				t.Fatalf("Get(%s) = %q, want %q", key, got, want)
			}
		}
	}
	snap := d.GetSnapshot()
	defer d.ReleaseSnapshot(snap)
	if got, want := snap.Sequence(), uint64(writers*perWriter); got != want {
		t.Errorf("last sequence = %d, want %d", got, want)
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	opts := testOptions()
	opts.WriteBufferSize = 64 << 10
	d := openTestDB(t, t.TempDir(), opts)
	defer d.Close()

	for i := range 200 {
		mustPut(t, d, fmt.Sprintf("key%04d", i), "base")
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it := d.NewIterator(nil)
				n := 0
				for it.SeekToFirst(); it.Valid(); it.Next() {
					n++
				}
				if err := it.Error(); err != nil {
					t.Errorf("iterator error = %v", err)
				}
				it.Close()
				if n < 200 {
					t.Errorf("iterated %d keys, want at least 200", n)
					return
				}
				if _, err := d.Get(nil, []byte("key0100")); err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
			}
		}()
	}

	for i := range 2000 {
		mustPut(t, d, fmt.Sprintf("key%04d", i%400), fmt.Sprintf("v%d", i))
	}
	close(stop)
	wg.Wait()
}
