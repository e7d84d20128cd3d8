// Package logging provides the levelled, component-tagged line logger used by
// every fetchd subsystem.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

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
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes lines of the form
//
//	2026-01-02T15:04:05Z INFO scheduler: dispatch task=task_... slot=1
//
// to the underlying *log.Logger. A nil *Logger discards everything.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

// New creates a root logger writing to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:   log.New(w, "", 0),
		level: level,
	}
}

// Discard returns a logger that drops all output.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// With returns a child logger tagged with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	child := *l
	child.component = component
	return &child
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelError + 1
	}
	return l.level
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	component := l.component
	if component == "" {
		component = "fetchd"
	}
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
