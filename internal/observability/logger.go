// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the connector.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	out *log.Logger
}

// NewStdLogger wraps out; a nil out uses the process default logger.
func NewStdLogger(out *log.Logger) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{out: out}
}

func (l *StdLogger) Debug(msg string, fields ...Field) { l.print("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields ...Field)  { l.print("INFO", msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l *StdLogger) print(level, msg string, fields []Field) {
	if l == nil || l.out == nil {
		return
	}
	if len(fields) == 0 {
		l.out.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.out.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
