// Package vfs is the filesystem abstraction the engine does all file I/O
// through. It lets tests swap in a fault-injecting filesystem and lets
// tables be read with direct I/O.
package vfs

import (
	"bufio"
	"io"
	"os"
)

// FS is a filesystem.
type FS interface {
	// Create creates name, truncating any existing file.
	Create(name string) (WritableFile, error)

	// OpenAppend opens name for appending, creating it if needed.
	OpenAppend(name string) (WritableFile, error)

	// Open opens name for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens name for positional reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	Rename(oldname, newname string) error
	Remove(name string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Exists(name string) bool

	// ListDir returns the names of the entries of path.
	ListDir(path string) ([]string, error)

	// Lock acquires an exclusive lock on name. Close releases it. Locking a
	// file already locked, by this process or another, fails.
	Lock(name string) (io.Closer, error)

	// SyncDir makes directory entry changes in path durable.
	SyncDir(path string) error
}

// WritableFile is a file being written. Writes may be buffered until
// Flush, Sync or Close.
type WritableFile interface {
	io.Writer
	io.Closer
	Flush() error
	Sync() error
}

// SequentialFile is a file read front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile is a file read at arbitrary offsets.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

const writeBufferSize = 64 << 10

type osFS struct{}

// Default returns the operating system filesystem.
func Default() FS { return osFS{} }

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return newOSWritableFile(f), nil
}

func (osFS) OpenAppend(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return newOSWritableFile(f), nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{File: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (osFS) Remove(name string) error { return os.Remove(name) }

func (osFS) RemoveAll(path string) error { return os.RemoveAll(path) }

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFS) Lock(name string) (io.Closer, error) { return lockFile(name) }

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type osWritableFile struct {
	f   *os.File
	buf *bufio.Writer
}

func newOSWritableFile(f *os.File) *osWritableFile {
	return &osWritableFile{f: f, buf: bufio.NewWriterSize(f, writeBufferSize)}
}

func (w *osWritableFile) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *osWritableFile) Flush() error { return w.buf.Flush() }

func (w *osWritableFile) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *osWritableFile) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type osRandomAccessFile struct {
	*os.File
	size int64
}

func (f *osRandomAccessFile) Size() int64 { return f.size }
