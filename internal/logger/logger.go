// Package logger provides the leveled logger shared by the server, the web API and the engine.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Level is a logging severity.
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
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel converts debug, info, warn or error into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

// Logger writes "[LEVEL] message" lines through a standard log.Logger.
type Logger struct {
	std   *log.Logger
	level Level
	file  *os.File
}

// New creates a Logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		std:   log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		level: level,
	}
}

// Open creates a Logger that appends to the file at path, creating parent directories.
func Open(path string, level Level) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := New(f, level)
	l.file = f
	return l, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Level returns the minimum level that is written.
func (l *Logger) Level() Level { return l.level }

func (l *Logger) Debugf(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.write(LevelError, format, args...) }

func (l *Logger) write(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	l.std.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}
