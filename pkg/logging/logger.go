package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// NewJSONLogger creates a new JSON logger
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	out := &output{writer: writer}
	out.level.Store(int32(level))
	return &JSONLogger{out: out, fields: make([]Field, 0)}
}

// NewDefaultLogger creates a logger that writes to stderr at INFO level
func NewDefaultLogger() *JSONLogger {
	return NewJSONLogger(os.Stderr, InfoLevel)
}

// ForComponent returns a child of the default logger tagged with the component name,
// or a child of base when base is non-nil.
func ForComponent(base Logger, name string) Logger {
	if base == nil {
		base = DefaultLogger()
	}
	return base.With(Component(name))
}

// log is the internal logging method
func (l *JSONLogger) log(level Level, msg string, fields ...Field) {
	if level < l.GetLevel() {
		return
	}

	// Build field map
	fieldMap := make(map[string]any)

	// Add pre-set fields
	for _, f := range l.fields {
		fieldMap[f.Key] = f.Value
	}

	// Add new fields
	for _, f := range fields {
		fieldMap[f.Key] = f.Value
	}

	entry := LogEntry{
		Time:    time.Now().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}

	// Only include fields if there are any
	if len(fieldMap) > 0 {
		entry.Fields = fieldMap
	}

	// Marshal to JSON
	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple text logging if JSON marshal fails
		l.out.mu.Lock()
		fmt.Fprintf(l.out.writer, "[ERROR] Failed to marshal log entry: %v\n", err)
		l.out.mu.Unlock()
		return
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer.Write(append(data, '\n'))
}

// Debug logs a debug-level message
func (l *JSONLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info-level message
func (l *JSONLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning-level message
func (l *JSONLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error-level message
func (l *JSONLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields...)
}

// With creates a child logger with the given fields pre-set. Children share
// the writer and the level of their parent.
func (l *JSONLogger) With(fields ...Field) Logger {
	// Create a copy of existing fields
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)

	return &JSONLogger{out: l.out, fields: newFields}
}

// SetLevel sets the minimum log level of this logger and all its relatives
func (l *JSONLogger) SetLevel(level Level) {
	l.out.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *JSONLogger) GetLevel() Level {
	return Level(l.out.level.Load())
}

// Global default logger
var (
	defaultLogger Logger
	once          sync.Once
)

// DefaultLogger returns the global default logger
func DefaultLogger() Logger {
	once.Do(func() {
		level := InfoLevel
		for _, env := range []string{"CLUSO_HA_LOG_LEVEL", "LOG_LEVEL"} {
			if levelStr := os.Getenv(env); levelStr != "" {
				level = ParseLevel(levelStr)
				break
			}
		}
		defaultLogger = NewJSONLogger(os.Stderr, level)
	})
	return defaultLogger
}

// StartTimer begins timing an operation that End reports on
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// End logs the operation at info level with its latency and any fields
// learned while it ran.
func (t *TimedOperation) End(fields ...Field) {
	all := make([]Field, 0, len(t.fields)+len(fields)+1)
	all = append(all, t.fields...)
	all = append(all, fields...)
	t.logger.Info(t.msg, append(all, Latency(time.Since(t.start)))...)
}
