package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
)

// StandardLogger writes leveled, field-tagged lines to stderr. Stderr
// rather than stdout because embedders of this cache (an MCP-style stdio
// server, a CLI) often reserve stdout for protocol framing.
type StandardLogger struct {
	prefix string
	level  LogLevel
	logger *log.Logger
}

// NewStandardLogger creates a logger at LogLevelInfo with the given prefix.
func NewStandardLogger(prefix string) *StandardLogger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithLevel returns a copy of the logger at a different verbosity.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	return &StandardLogger{prefix: l.prefix, level: level, logger: l.logger}
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// WithPrefix returns a logger sharing the same sink with a new prefix,
// usually a component name ("tier.memory", "breaker.remote").
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, logger: l.logger}
}

var levelOrder = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("[%s] %s %s", level, l.prefix, msg)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	l.logger.Println(line)
}
