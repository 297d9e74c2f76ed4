package vfs

import (
	"io"
	"os"

	"github.com/ncw/directio"
)

type directIOFS struct {
	FS
}

// NewDirectIOFS returns base with OpenRandomAccess served by direct
// (page-cache bypassing) reads. Files on filesystems that refuse O_DIRECT
// are read through the page cache.
func NewDirectIOFS(base FS) FS {
	return &directIOFS{FS: base}
}

func (fs *directIOFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := directio.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return fs.FS.OpenRandomAccess(name)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &directFile{f: f, size: info.Size()}, nil
}

// directFile widens every read to directio.BlockSize boundaries and reads
// into an aligned buffer.
type directFile struct {
	f    *os.File
	size int64
}

func (d *directFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const align = int64(directio.BlockSize)
	start := off &^ (align - 1)
	end := (off + int64(len(p)) + align - 1) &^ (align - 1)

	buf := directio.AlignedBlock(int(end - start))
	n, err := d.f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return 0, err
	}
	avail := int64(n) - (off - start)
	if avail <= 0 {
		return 0, io.EOF
	}
	copied := copy(p, buf[off-start:int64(n)])
	if copied < len(p) {
		return copied, io.EOF
	}
	return copied, nil
}

func (d *directFile) Close() error { return d.f.Close() }

func (d *directFile) Size() int64 { return d.size }
