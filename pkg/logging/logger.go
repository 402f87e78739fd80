// Package logging provides the structured leveled logger used by the
// BookKeeper daemon. Output is text or JSON; every logger carries a set of
// context fields (at minimum the owning component) that are attached to
// each entry.
package logging

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

// Level is a log severity level.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the level name.
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

// ParseLevel converts a level name to a Level. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format selects the entry encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts a format name to a Format. Unknown names map to text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Field is a single structured key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err is shorthand for an error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes leveled structured entries. Loggers are cheap to derive;
// With and WithComponent return children sharing the parent's output.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	format Format
	fields map[string]interface{}
	now    func() time.Time
}

// Config holds logger construction options.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// New creates a logger. A nil config gets INFO text output on stdout.
func New(config *Config) *Logger {
	if config == nil {
		config = &Config{Level: INFO, Format: FormatText, Output: os.Stdout}
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  config.Level,
		format: config.Format,
		fields: make(map[string]interface{}),
		now:    time.Now,
	}
}

// Nop returns a logger that discards everything; used in tests.
func Nop() *Logger {
	return New(&Config{Level: ERROR + 1, Format: FormatText, Output: io.Discard})
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(F("component", name))
}

// With returns a child logger carrying additional context fields.
func (l *Logger) With(fields ...Field) *Logger {
	child := &Logger{
		mu:     l.mu,
		out:    l.out,
		level:  l.level,
		format: l.format,
		fields: make(map[string]interface{}, len(l.fields)+len(fields)),
		now:    l.now,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields ...Field) { l.log(INFO, msg, fields) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, fields ...Field) { l.log(WARN, msg, fields) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}

	ts := l.now().UTC()

	var line string
	if l.format == FormatJSON {
		entry := map[string]interface{}{
			"timestamp": ts.Format(time.RFC3339Nano),
			"level":     level.String(),
			"message":   msg,
		}
		for k, v := range merged {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":%q,"message":%q}`, level.String(), msg))
		}
		line = string(data)
	} else {
		var b strings.Builder
		b.WriteString(ts.Format("2006-01-02T15:04:05.000Z"))
		b.WriteString(" ")
		b.WriteString(level.String())
		b.WriteString(" ")
		b.WriteString(msg)
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, merged[k])
		}
		line = b.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}
