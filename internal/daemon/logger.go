package daemon

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level is the daemon's log verbosity, set by the -d flag.
type Level int

const (
	LevelFatal Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel parses the -d flag's accepted values.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "fatal":
		return LevelFatal, nil
	case "error":
		return LevelError, nil
	case "warn":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return 0, fmt.Errorf("daemon: unknown log level %q", s)
	}
}

// Logger wraps the standard logger with level gating.
type Logger struct {
	*log.Logger
	level Level
}

// NewLogger creates a Logger writing to out with the "daliserver: "
// prefix, gated at level.
func NewLogger(out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{Logger: log.New(out, "daliserver: ", log.LstdFlags), level: level}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level >= LevelDebug {
		l.Printf(format, args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level >= LevelInfo {
		l.Printf(format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.level >= LevelWarn {
		l.Printf(format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.level >= LevelError {
		l.Printf(format, args...)
	}
}

// Fatalf always prints and exits 1, regardless of level.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Printf(format, args...)
	os.Exit(1)
}
