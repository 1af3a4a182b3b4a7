package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]LogLevel{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"warn":  LevelWarn,
	"error": LevelError,
}

func init() {
	// Level filtering happens in Logger; zerolog's global gate would drop trace events.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

func (l LogLevel) String() string {
	for name, lvl := range levelNames {
		if lvl == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger wraps a zerolog logger with printf-style helpers and a runtime level.
// Loggers derived with With share the level of their parent.
type Logger struct {
	level *atomic.Int32
	base  zerolog.Logger
}

// NewLogger creates a level-aware logger writing human-readable lines to stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(level, zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	})
}

// NewLoggerWithWriter creates a level-aware logger writing to the provided destination.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	l := &Logger{
		level: &atomic.Int32{},
		base:  zerolog.New(w).With().Timestamp().Logger(),
	}
	l.level.Store(int32(level))
	return l
}

// With returns a child logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		level: l.level,
		base:  l.base.With().Str("component", component).Logger(),
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	if l == nil || level < LogLevel(l.level.Load()) {
		return
	}
	l.base.WithLevel(level.zerolog()).Msg(fmt.Sprintf(format, args...))
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.logf(LevelTrace, format, args...)
}
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// ParseLogLevel converts a string into a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl
	}
	return LevelInfo
}
