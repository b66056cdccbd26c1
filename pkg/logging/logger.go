// Package logging provides the runtime's logging abstraction.
//
// Every component takes a Logger as an injected collaborator; nothing in the
// core writes through a package-global logger. The default implementation is
// backed by the standard library so embedders can swap in a structured logger
// without pulling one into the runtime itself.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Level controls which messages a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the logging interface used across the runtime.
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

// stdLogger implements Logger on top of the standard log package with a
// minimum level threshold.
type stdLogger struct {
	min         Level
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// New creates a logger writing to stderr/stdout with the given minimum level.
func New(min Level) Logger {
	return &stdLogger{
		min:         min,
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

// NewDefault creates a logger at Info level.
func NewDefault() Logger {
	return New(LevelInfo)
}

func (l *stdLogger) Error(args ...interface{}) {
	if l.min <= LevelError {
		l.errorLogger.Output(2, fmt.Sprint(args...))
	}
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	if l.min <= LevelError {
		l.errorLogger.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *stdLogger) Warn(args ...interface{}) {
	if l.min <= LevelWarn {
		l.warnLogger.Output(2, fmt.Sprint(args...))
	}
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	if l.min <= LevelWarn {
		l.warnLogger.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *stdLogger) Info(args ...interface{}) {
	if l.min <= LevelInfo {
		l.infoLogger.Output(2, fmt.Sprint(args...))
	}
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	if l.min <= LevelInfo {
		l.infoLogger.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *stdLogger) Debug(args ...interface{}) {
	if l.min <= LevelDebug {
		l.debugLogger.Output(2, fmt.Sprint(args...))
	}
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if l.min <= LevelDebug {
		l.debugLogger.Output(2, fmt.Sprintf(format, args...))
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Error(...interface{})          {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warn(...interface{})           {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Info(...interface{})           {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debug(...interface{})          {}
func (nopLogger) Debugf(string, ...interface{}) {}
