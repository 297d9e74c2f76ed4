package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrInjected is returned by operations failed on purpose by
// FaultInjectionFS.
var ErrInjected = errors.New("vfs: injected fault")

// FaultInjectionFS wraps an on-disk FS and remembers how much of each file
// written through it has been synced, so a test can simulate a machine
// crash.
type FaultInjectionFS struct {
	base FS

	mu    sync.Mutex
	files map[string]*syncState
	// newFiles holds files created since their directory was last synced.
	newFiles map[string]struct{}

	active        bool
	failSyncs     bool
	failFileWrite bool
}

type syncState struct {
	pos    int64
	synced int64
}

// NewFaultInjectionFS wraps base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:     base,
		files:    make(map[string]*syncState),
		newFiles: make(map[string]struct{}),
		active:   true,
	}
}

// SetFilesystemActive makes every subsequent write, sync and create fail
// when active is false.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	fs.active = active
	fs.mu.Unlock()
}

// SetSyncFailure makes Sync on every file fail while fail is true.
func (fs *FaultInjectionFS) SetSyncFailure(fail bool) {
	fs.mu.Lock()
	fs.failSyncs = fail
	fs.mu.Unlock()
}

// SetWriteFailure makes writes to open files fail while fail is true.
func (fs *FaultInjectionFS) SetWriteFailure(fail bool) {
	fs.mu.Lock()
	fs.failFileWrite = fail
	fs.mu.Unlock()
}

// DropUnsyncedData truncates every tracked file to its last synced size.
// Open files must be closed first.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var errs error
	for path, st := range fs.files {
		if st.synced >= st.pos {
			continue
		}
		if err := os.Truncate(path, st.synced); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		st.pos = st.synced
	}
	return errs
}

// DeleteFilesCreatedAfterLastDirSync removes files whose directory entry
// was never made durable.
func (fs *FaultInjectionFS) DeleteFilesCreatedAfterLastDirSync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var errs error
	for path := range fs.newFiles {
		if err := fs.base.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
		}
		delete(fs.files, path)
		delete(fs.newFiles, path)
	}
	return errs
}

func (fs *FaultInjectionFS) checkActive() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.active {
		return ErrInjected
	}
	return nil
}

func abs(name string) string {
	p, err := filepath.Abs(name)
	if err != nil {
		return name
	}
	return p
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if err := fs.checkActive(); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	path := abs(name)
	st := &syncState{}
	fs.mu.Lock()
	fs.files[path] = st
	fs.newFiles[path] = struct{}{}
	fs.mu.Unlock()
	return &faultFile{fs: fs, base: f, state: st}, nil
}

func (fs *FaultInjectionFS) OpenAppend(name string) (WritableFile, error) {
	if err := fs.checkActive(); err != nil {
		return nil, err
	}
	var size int64
	if info, err := fs.base.Stat(name); err == nil {
		size = info.Size()
	}
	f, err := fs.base.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	path := abs(name)
	fs.mu.Lock()
	st, ok := fs.files[path]
	if !ok {
		st = &syncState{pos: size, synced: size}
		fs.files[path] = st
	}
	fs.mu.Unlock()
	return &faultFile{fs: fs, base: f, state: st}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	return fs.base.OpenRandomAccess(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.checkActive(); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	from, to := abs(oldname), abs(newname)
	fs.mu.Lock()
	if st, ok := fs.files[from]; ok {
		fs.files[to] = st
		delete(fs.files, from)
	}
	delete(fs.newFiles, from)
	fs.newFiles[to] = struct{}{}
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.checkActive(); err != nil {
		return err
	}
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	path := abs(name)
	fs.mu.Lock()
	delete(fs.files, path)
	delete(fs.newFiles, path)
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) RemoveAll(path string) error { return fs.base.RemoveAll(path) }

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) { return fs.base.Stat(name) }

func (fs *FaultInjectionFS) Exists(name string) bool { return fs.base.Exists(name) }

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) { return fs.base.Lock(name) }

func (fs *FaultInjectionFS) SyncDir(path string) error {
	if err := fs.checkActive(); err != nil {
		return err
	}
	if err := fs.base.SyncDir(path); err != nil {
		return err
	}
	dir := abs(path)
	fs.mu.Lock()
	for name := range fs.newFiles {
		if filepath.Dir(name) == dir {
			delete(fs.newFiles, name)
		}
	}
	fs.mu.Unlock()
	return nil
}

type faultFile struct {
	fs    *FaultInjectionFS
	base  WritableFile
	state *syncState
}

func (f *faultFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	fail := !f.fs.active || f.fs.failFileWrite
	f.fs.mu.Unlock()
	if fail {
		return 0, ErrInjected
	}
	n, err := f.base.Write(p)
	f.fs.mu.Lock()
	f.state.pos += int64(n)
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultFile) Flush() error { return f.base.Flush() }

func (f *faultFile) Sync() error {
	f.fs.mu.Lock()
	fail := !f.fs.active || f.fs.failSyncs
	f.fs.mu.Unlock()
	if fail {
		return ErrInjected
	}
	if err := f.base.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	f.state.synced = f.state.pos
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Close() error { return f.base.Close() }
