// Package logging defines the leveled logger the engine writes its
// informational LOG through.
//
// Lines look like:
//
//	2026/01/04 10:02:11 INFO [compact] compacted 3@0 + 2@1 files => 4194304 bytes
//
// Every engine component prefixes its messages with one of the NS*
// namespaces so the LOG can be filtered with grep.
//
// Fatalf never exits the process. It logs at FATAL and invokes the installed
// FatalHandler; the database wires that handler to its sticky background
// error so writes stop after an invariant violation.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// FatalHandler receives the formatted message of a Fatalf call.
// It must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level is a logging verbosity.
type Level int

// Levels, from least to most verbose.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the upper-case level name used in log lines.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel maps a level name (case-sensitive, as printed by String) back
// to a Level.
func ParseLevel(s string) (Level, bool) {
	for l := LevelError; l <= LevelDebug; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return LevelInfo, false
}

// Logger is implemented by anything the engine can log through.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf reports an invariant violation. It must not exit.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes leveled lines through a standard library log.Logger.
// The level is fixed at construction.
type DefaultLogger struct {
	out          *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewLogger returns a logger writing lines at or below level to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		out:   log.New(w, "", log.LstdFlags),
		level: level,
	}
}

// NewDefaultLogger returns a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// SetFatalHandler installs h as the Fatalf callback.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the configured verbosity.
func (l *DefaultLogger) Level() Level { return l.level }

func (l *DefaultLogger) logf(level Level, format string, args ...any) {
	if l.level < level {
		return
	}
	_ = l.out.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Errorf logs at ERROR.
func (l *DefaultLogger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Warnf logs at WARN.
func (l *DefaultLogger) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Infof logs at INFO.
func (l *DefaultLogger) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Debugf logs at DEBUG.
func (l *DefaultLogger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Fatalf logs unconditionally at FATAL and calls the fatal handler, if any.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.out.Output(2, "FATAL "+msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes.
const (
	NSFlush    = "[flush] "
	NSCompact  = "[compact] "
	NSWAL      = "[wal] "
	NSManifest = "[manifest] "
	NSRecovery = "[recovery] "
	NSRepair   = "[repair] "
	NSDB       = "[db] "
)

// IsNil reports whether l is nil, including a typed nil pointer stored in
// the interface.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l, or a WARN-level stderr logger when l is nil.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
