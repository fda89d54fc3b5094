package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a LOG_LEVEL value onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// Logger provides structured logging
type Logger struct {
	*log.Logger
	min    Level
	fields []Field
}

// New creates a new logger writing to stdout at INFO.
func New() *Logger {
	return NewWithWriter(os.Stdout, LevelInfo)
}

// NewWithWriter creates a logger that drops entries below min.
func NewWithWriter(w io.Writer, min Level) *Logger {
	return &Logger{
		Logger: log.New(w, "", 0),
		min:    min,
	}
}

// With returns a logger that appends fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{Logger: l.Logger, min: l.min, fields: merged}
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	return levelRank[level] >= levelRank[l.min]
}

// Log writes a structured log entry
func (l *Logger) Log(level Level, message string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)
	all := fields
	if len(l.fields) > 0 {
		all = append(append([]Field{}, l.fields...), fields...)
	}
	l.Logger.Println(formatLogEntry(timestamp, string(level), message, all...))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Field) {
	l.Log(LevelInfo, message, fields...)
}

// Warn logs a warning
func (l *Logger) Warn(message string, fields ...Field) {
	l.Log(LevelWarn, message, fields...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Field) {
	l.Log(LevelError, message, fields...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Field) {
	l.Log(LevelDebug, message, fields...)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value string
}

// F creates a Field
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Err creates an "error" Field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

func formatLogEntry(timestamp, level, message string, fields ...Field) string {
	var b strings.Builder
	b.WriteString(timestamp)
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteString(" |")
		for _, field := range fields {
			b.WriteString(" ")
			b.WriteString(field.Key)
			b.WriteString("=")
			b.WriteString(field.Value)
		}
	}
	return b.String()
}
