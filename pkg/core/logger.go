package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger provides leveled logging for engines and commands.
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelOff silences every message.
	LogLevelOff
)

// ParseLogLevel maps "debug", "info", "warn"/"warning", "error" and "off" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "off", "none":
		return LogLevelOff, nil
	}
	return LogLevelInfo, &Error{Code: "INVALID_INPUT", Message: fmt.Sprintf("unknown log level %q", s)}
}

// defaultLogger implements Logger using Go's standard log package
type defaultLogger struct {
	level       LogLevel
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger creates a logger that emits every level, errors and warnings to
// stderr and the rest to stdout.
func NewDefaultLogger() Logger {
	return NewLoggerWithLevel(LogLevelDebug)
}

// NewLoggerWithLevel creates a default logger that drops messages below level.
func NewLoggerWithLevel(level LogLevel) Logger {
	return newLogger(level, os.Stderr, os.Stdout)
}

// NewWriterLogger sends every level to w. Used by commands whose stdout carries data.
func NewWriterLogger(level LogLevel, w io.Writer) Logger {
	return newLogger(level, w, w)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return newLogger(LogLevelOff, io.Discard, io.Discard)
}

func newLogger(level LogLevel, errOut, out io.Writer) *defaultLogger {
	flags := log.LstdFlags | log.Lshortfile
	return &defaultLogger{
		level:       level,
		errorLogger: log.New(errOut, "[ERROR] ", flags),
		warnLogger:  log.New(errOut, "[WARN] ", flags),
		infoLogger:  log.New(out, "[INFO] ", flags),
		debugLogger: log.New(out, "[DEBUG] ", flags),
	}
}

func (l *defaultLogger) enabled(level LogLevel) bool {
	return level >= l.level && l.level != LogLevelOff
}

// Error logs an error message
func (l *defaultLogger) Error(args ...interface{}) {
	if l.enabled(LogLevelError) {
		l.errorLogger.Output(3, fmt.Sprint(args...))
	}
}

// Errorf logs a formatted error message
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(LogLevelError) {
		l.errorLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

// Warn logs a warning message
func (l *defaultLogger) Warn(args ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.warnLogger.Output(3, fmt.Sprint(args...))
	}
}

// Warnf logs a formatted warning message
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.warnLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

// Info logs an informational message
func (l *defaultLogger) Info(args ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.infoLogger.Output(3, fmt.Sprint(args...))
	}
}

// Infof logs a formatted informational message
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.infoLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

// Debug logs a debug message
func (l *defaultLogger) Debug(args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.debugLogger.Output(3, fmt.Sprint(args...))
	}
}

// Debugf logs a formatted debug message
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.debugLogger.Output(3, fmt.Sprintf(format, args...))
	}
}
