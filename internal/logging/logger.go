// Package logging provides the printf-style component loggers used across
// the server and the client. All output is passed through the redaction
// scrubber before it reaches a sink.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"labtasker/internal/redact"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level is the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	defaultMu    sync.RWMutex
	defaultSink  io.Writer = os.Stderr
	defaultLevel           = LevelInfo
)

// SetDefaultLevel sets the minimum level for component loggers.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
}

// SetDefaultSink redirects component logger output. Intended for tests and
// for tee'ing to per-task log files.
func SetDefaultSink(w io.Writer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSink = w
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) logf(level Level, format string, args ...any) {
	defaultMu.RLock()
	sink := defaultSink
	minLevel := defaultLevel
	defaultMu.RUnlock()

	if level < minLevel {
		return
	}
	msg := redact.Scrub(fmt.Sprintf(format, args...))
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	if _, err := fmt.Fprintf(sink, "%s [%s] [%s] %s\n", ts, level, l.component, msg); err != nil {
		log.Printf("logging: failed to write: %v", err)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }
