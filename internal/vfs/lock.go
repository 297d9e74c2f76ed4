package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned when a lock file is already held.
var ErrLocked = errors.New("vfs: lock held by another user")

// Locks held by this process, by absolute path. flock alone does not stop
// two opens from one process on every platform.
var (
	lockedMu    sync.Mutex
	lockedFiles = map[string]struct{}{}
)

type fileLock struct {
	path string
	f    *os.File
}

func lockFile(name string) (io.Closer, error) {
	path, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}

	lockedMu.Lock()
	defer lockedMu.Unlock()
	if _, held := lockedFiles[path]; held {
		return nil, errors.Wrapf(ErrLocked, "lock %s", name)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockFD(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrLocked, "lock %s: %v", name, err)
	}
	lockedFiles[path] = struct{}{}
	return &fileLock{path: path, f: f}, nil
}

func (l *fileLock) Close() error {
	lockedMu.Lock()
	delete(lockedFiles, l.path)
	lockedMu.Unlock()

	_ = unlockFD(l.f)
	return l.f.Close()
}
