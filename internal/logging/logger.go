// Package logging provides a small leveled logger shared by the
// coordinator and worker processes.
package logging

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Level is a logging verbosity level, ordered from least to most verbose.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps the config_update "log_level" field (and CLI flags) to
// a Level. Unknown strings fall back to info.
func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// Logger is a goroutine-safe, dynamically-leveled logger. The zero value
// is usable but logs only at LevelError (the zero Level) through the
// standard log package; New starts a Logger at LevelInfo.
//
// The level is stored in an atomic so config_update{log_level} and the
// debug{dump_state} command can change verbosity, or trigger a one-shot
// dump, without restarting the worker or coordinator.
type Logger struct {
	tag   string
	level atomic.Int32
}

// New creates a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	l := &Logger{tag: tag}
	l.level.Store(int32(LevelInfo))
	return l
}

// SetLevel changes the verbosity level at runtime.
func (l *Logger) SetLevel(lv Level) {
	l.level.Store(int32(lv))
}

// Level returns the current verbosity level.
func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

func (l *Logger) enabled(lv Level) bool {
	return lv <= l.Level()
}

func (l *Logger) log(lv Level, format string, args ...any) {
	if !l.enabled(lv) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", l.tag, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// With returns a new Logger with a derived tag, starting at l's current
// level, e.g. logging.New("worker").With("engine") logs as
// "[worker.engine]". The child's level is a copy: later SetLevel calls on
// either logger do not change the other.
func (l *Logger) With(subtag string) *Logger {
	child := &Logger{tag: l.tag + "." + subtag}
	child.level.Store(l.level.Load())
	return child
}
