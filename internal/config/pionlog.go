package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewPionLoggerFactory routes pion's scoped loggers into logger so ICE and
// virtual-network diagnostics share the relay's log format.
func NewPionLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return pionLoggerFactory{base: logger}
}

type pionLoggerFactory struct {
	base *slog.Logger
}

func (f pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{log: f.base.With("component", "pion", "scope", scope)}
}

// levelTrace sits below debug; pion is very chatty at trace.
const levelTrace = slog.LevelDebug - 4

type pionLogger struct {
	log *slog.Logger
}

func (l pionLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l pionLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.emit(levelTrace, fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l pionLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
