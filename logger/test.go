package logger

import (
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// String returns the formatted message.
func (e TestLogEntry) String() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testLogs struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived through With or
// WithPrefix share the same record so assertions see all of them.
type TestLogger struct {
	metadata map[string]interface{}
	logs     *testLogs
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, logs: c.logs}
}

func (c *TestLogger) log(level string, msg string, args ...interface{}) {
	c.logs.mu.Lock()
	defer c.logs.mu.Unlock()
	c.logs.entries = append(c.logs.entries, TestLogEntry{level, msg, args})
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

// Logs returns a snapshot of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.logs.mu.Lock()
	defer c.logs.mu.Unlock()
	out := make([]TestLogEntry, len(c.logs.entries))
	copy(out, c.logs.entries)
	return out
}

// Count returns how many entries have the given severity and a formatted
// message containing substr.
func (c *TestLogger) Count(severity string, substr string) int {
	var n int
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.String(), substr) {
			n++
		}
	}
	return n
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{logs: &testLogs{}}
}
