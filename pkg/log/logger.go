// Structured logging for the goels controller
//
// Provides leveled, structured logging with per-component prefixes,
// key-value fields, text or JSON output and ANSI colors for terminals.
// Core components receive an injected *Logger so tests can capture or
// silence their output.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota

	// INFO level for general informational messages.
	INFO

	// WARN level for warning messages.
	WARN

	// ERROR level for error messages.
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format specifies the output format for log messages.
type Format int

const (
	// FormatText outputs human-readable text.
	FormatText Format = iota
	// FormatJSON outputs machine-readable JSON.
	FormatJSON
)

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// Logger writes leveled log messages for one component.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      Level
	timeFormat string
	colorize   bool
	format     Format
}

var ansiColors = map[Level]string{
	DEBUG: "\x1b[36m", // cyan
	INFO:  "\x1b[32m", // green
	WARN:  "\x1b[33m", // yellow
	ERROR: "\x1b[31m", // red
}

const ansiReset = "\x1b[0m"

// New creates a new logger with the given component prefix.
func New(prefix string) *Logger {
	return &Logger{
		prefix:     prefix,
		writer:     os.Stderr,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "",
	}
}

// Discard returns a logger that drops everything. Useful as a test default.
func Discard() *Logger {
	l := New("")
	l.writer = io.Discard
	l.colorize = false
	return l
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetWriter sets the output writer (e.g., a buffer in tests or a
// RotatingFileWriter in the daemon).
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// SetColorize enables or disables ANSI colors.
func (l *Logger) SetColorize(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.colorize = enable
}

// SetFormat sets the output format.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// WithPrefix returns a new logger sharing settings but with another prefix.
// Used to derive per-axis loggers from the root logger.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		colorize:   l.colorize,
		format:     l.format,
	}
}

// Entry carries structured fields toward a single log call.
type Entry struct {
	logger *Logger
	fields Fields
}

// WithField returns an Entry with one field attached.
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields attached.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set.
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// WithField adds another field to the entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Entry{logger: e.logger, fields: merged}
}

// Debug logs at DEBUG level with the entry's fields.
func (e *Entry) Debug(msg string, args ...interface{}) {
	e.logger.output(DEBUG, msg, args, e.fields)
}

// Info logs at INFO level with the entry's fields.
func (e *Entry) Info(msg string, args ...interface{}) {
	e.logger.output(INFO, msg, args, e.fields)
}

// Warn logs at WARN level with the entry's fields.
func (e *Entry) Warn(msg string, args ...interface{}) {
	e.logger.output(WARN, msg, args, e.fields)
}

// Error logs at ERROR level with the entry's fields.
func (e *Entry) Error(msg string, args ...interface{}) {
	e.logger.output(ERROR, msg, args, e.fields)
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.output(DEBUG, msg, args, nil)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.output(INFO, msg, args, nil)
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.output(WARN, msg, args, nil)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.output(ERROR, msg, args, nil)
}

func (l *Logger) output(level Level, msg string, args []interface{}, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var line string
	if l.format == FormatJSON {
		line = l.formatJSON(level, msg, fields)
	} else {
		line = l.formatText(level, msg, fields)
	}
	fmt.Fprint(l.writer, line)
}

func (l *Logger) formatText(level Level, msg string, fields Fields) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format(l.timeFormat))
	sb.WriteString(" [")
	sb.WriteString(fmt.Sprintf("%-5s", level.String()))
	sb.WriteString("] ")

	if l.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if l.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		sb.WriteString(" {")
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", fields[k]))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return sb.String()
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) formatJSON(level Level, msg string, fields Fields) string {
	entry := jsonEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - GOELS_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - GOELS_LOG_FORMAT: text, json
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("GOELS_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("GOELS_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			l.SetFormat(FormatJSON)
		case "text":
			l.SetFormat(FormatText)
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
