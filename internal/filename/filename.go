// Package filename names and parses the files in a database directory.
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/vfs"
)

// Kind is the type of a database file.
type Kind int

const (
	KindLog Kind = iota
	KindLock
	KindTable
	KindDescriptor
	KindCurrent
	KindTemp
	KindInfoLog
	KindIdentity
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindLock:
		return "lock"
	case KindTable:
		return "table"
	case KindDescriptor:
		return "manifest"
	case KindCurrent:
		return "current"
	case KindTemp:
		return "temp"
	case KindInfoLog:
		return "info-log"
	case KindIdentity:
		return "identity"
	}
	return "unknown"
}

func numbered(dbname string, number uint64, suffix string) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.%s", number, suffix))
}

// Log returns the name of write-ahead log number.
func Log(dbname string, number uint64) string { return numbered(dbname, number, "log") }

// Table returns the name of table number.
func Table(dbname string, number uint64) string { return numbered(dbname, number, "ldb") }

// SSTTable returns the legacy name of table number.
func SSTTable(dbname string, number uint64) string { return numbered(dbname, number, "sst") }

// Temp returns a temporary file name.
func Temp(dbname string, number uint64) string { return numbered(dbname, number, "dbtmp") }

// Descriptor returns the name of MANIFEST number.
func Descriptor(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("MANIFEST-%06d", number))
}

func Current(dbname string) string    { return filepath.Join(dbname, "CURRENT") }
func Lock(dbname string) string       { return filepath.Join(dbname, "LOCK") }
func InfoLog(dbname string) string    { return filepath.Join(dbname, "LOG") }
func OldInfoLog(dbname string) string { return filepath.Join(dbname, "LOG.old") }
func Identity(dbname string) string   { return filepath.Join(dbname, "IDENTITY") }

// Parse reports the kind and number of a file name relative to the
// database directory. Recognised names:
//
//	dbname/CURRENT
//	dbname/LOCK
//	dbname/LOG
//	dbname/LOG.old
//	dbname/IDENTITY
//	dbname/MANIFEST-[0-9]+
//	dbname/[0-9]+.(log|ldb|sst|dbtmp)
func Parse(name string) (number uint64, kind Kind, ok bool) {
	switch name {
	case "CURRENT":
		return 0, KindCurrent, true
	case "LOCK":
		return 0, KindLock, true
	case "LOG", "LOG.old":
		return 0, KindInfoLog, true
	case "IDENTITY":
		return 0, KindIdentity, true
	}
	if rest, found := strings.CutPrefix(name, "MANIFEST-"); found {
		n, ok := parseNumber(rest)
		if !ok {
			return 0, 0, false
		}
		return n, KindDescriptor, true
	}
	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return 0, 0, false
	}
	n, ok := parseNumber(name[:dot])
	if !ok {
		return 0, 0, false
	}
	switch name[dot+1:] {
	case "log":
		return n, KindLog, true
	case "ldb", "sst":
		return n, KindTable, true
	case "dbtmp":
		return n, KindTemp, true
	}
	return 0, 0, false
}

func parseNumber(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

// SetCurrentFile points CURRENT at MANIFEST number. The contents are written
// to a temp file, synced and renamed into place, and the directory is synced.
func SetCurrentFile(fs vfs.FS, dbname string, number uint64) error {
	manifest := filepath.Base(Descriptor(dbname, number))
	tmp := Temp(dbname, number)

	f, err := fs.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create CURRENT temp file")
	}
	if _, err := f.Write([]byte(manifest + "\n")); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return errors.Wrap(err, "write CURRENT temp file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return errors.Wrap(err, "sync CURRENT temp file")
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return errors.Wrap(err, "close CURRENT temp file")
	}
	if err := fs.Rename(tmp, Current(dbname)); err != nil {
		_ = fs.Remove(tmp)
		return errors.Wrap(err, "rename CURRENT")
	}
	return errors.Wrap(fs.SyncDir(dbname), "sync dir after CURRENT rename")
}
