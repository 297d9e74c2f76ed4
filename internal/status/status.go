// Package status holds the error classes every layer of the engine reports
// through. Package-level sentinels elsewhere are marked with one of these
// classes, so callers can test the class of any wrapped error with
// errors.Is without knowing which layer produced it.
package status

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("not found")

	// ErrCorruption reports checksum or format violations and missing files
	// that the metadata says exist.
	ErrCorruption = errors.New("corruption")

	// ErrNotSupported reports an operation the environment cannot perform.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidArgument reports bad options, paths or states.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIOError reports filesystem failures and aborted background work.
	ErrIOError = errors.New("io error")
)

// Corruptionf returns a new corruption error.
func Corruptionf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// InvalidArgumentf returns a new invalid-argument error.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// NotSupportedf returns a new not-supported error.
func NotSupportedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotSupported)
}

// IOError marks err as an I/O failure unless it already carries a class.
func IOError(err error, context string) error {
	if err == nil {
		return nil
	}
	err = errors.Wrap(err, context)
	if Classified(err) {
		return err
	}
	return errors.Mark(err, ErrIOError)
}

// Classified reports whether err carries one of the classes above.
func Classified(err error) bool {
	return errors.IsAny(err, ErrNotFound, ErrCorruption, ErrNotSupported, ErrInvalidArgument, ErrIOError)
}

// IsCorruption reports whether err is a corruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsNotFound reports whether err is a not-found.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
