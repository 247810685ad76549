// Package logging provides the process-wide leveled logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "MUSE_LOG_DIR"

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
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
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	sinkOnce    sync.Once
	sharedSink  *sink
	levelMu     sync.RWMutex
	globalLevel = LevelInfo
)

// SetLevel adjusts the minimum severity emitted by all component loggers.
func SetLevel(l Level) {
	levelMu.Lock()
	globalLevel = l
	levelMu.Unlock()
}

func currentLevel() Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

// sink serializes writes to the log file. Warnings and errors are mirrored
// to stderr so operators see them without tailing the file.
type sink struct {
	mu   sync.Mutex
	file io.Writer
}

func getSink() *sink {
	sinkOnce.Do(func() {
		sharedSink = &sink{}
		dir := strings.TrimSpace(os.Getenv(logDirEnvVar))
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return
			}
			dir = home
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
		path := filepath.Join(dir, "muse.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		sharedSink.file = file
	})
	return sharedSink
}

func (s *sink) write(line string, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		fmt.Fprintln(s.file, line)
	}
	if s.file == nil || level >= LevelWarn {
		fmt.Fprintln(os.Stderr, line)
	}
}

type componentLogger struct {
	component string
	sink      *sink
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, sink: getSink()}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < currentLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	line := fmt.Sprintf("[%s] [%s] [%s] [%s] %s", ts, level, l.component, caller(), msg)
	l.sink.write(line, level)
}

func caller() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
