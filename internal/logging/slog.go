package logging

import (
	"context"
	"fmt"
	"log/slog"
)

type slogLogger struct {
	l     *slog.Logger
	fatal FatalHandler
}

// NewSlogLogger routes engine messages to l. Messages keep their namespace
// prefix. Fatalf logs at error level with fatal=true and then calls onFatal
// when it is non-nil.
func NewSlogLogger(l *slog.Logger, onFatal FatalHandler) Logger {
	return &slogLogger{l: l, fatal: onFatal}
}

func (s *slogLogger) log(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (s *slogLogger) Errorf(format string, args ...any) { s.log(slog.LevelError, format, args) }
func (s *slogLogger) Warnf(format string, args ...any)  { s.log(slog.LevelWarn, format, args) }
func (s *slogLogger) Infof(format string, args ...any)  { s.log(slog.LevelInfo, format, args) }
func (s *slogLogger) Debugf(format string, args ...any) { s.log(slog.LevelDebug, format, args) }

func (s *slogLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.l.Error(msg, "fatal", true)
	if s.fatal != nil {
		s.fatal(msg)
	}
}
