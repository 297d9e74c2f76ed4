package db

import (
	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv/internal/status"
)

// Error classes. Every error returned by the engine that has a class is
// marked with one of these, so errors.Is works across wrapping.
var (
	ErrNotFound        = status.ErrNotFound
	ErrCorruption      = status.ErrCorruption
	ErrNotSupported    = status.ErrNotSupported
	ErrInvalidArgument = status.ErrInvalidArgument
	ErrIOError         = status.ErrIOError
)

var (
	// ErrDBClosed is returned by operations on a closed DB.
	ErrDBClosed = errors.Mark(errors.New("db: database is closed"), status.ErrInvalidArgument)

	// errShuttingDown aborts background work during Close.
	errShuttingDown = errors.Mark(errors.New("db: deleting DB during compaction"), status.ErrIOError)
)

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err reports corrupted data.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsNotSupported reports whether err is a not-supported error.
func IsNotSupported(err error) bool { return errors.Is(err, ErrNotSupported) }

// IsInvalidArgument reports whether err is an invalid-argument error.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsIOError reports whether err is an I/O error.
func IsIOError(err error) bool { return errors.Is(err, ErrIOError) }
