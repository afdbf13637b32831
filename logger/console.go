package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	WhiteBold   = "\033[37;1m"
	BlueBold    = "\033[34;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	CyanBold    = "\033[36;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

var levelColors = map[LogLevel][2]string{
	LevelTrace: {CyanBold, Gray},
	LevelDebug: {BlueBold, Green},
	LevelInfo:  {YellowBold, WhiteBold},
	LevelWarn:  {MagentaBold, Magenta},
	LevelError: {RedBold, Red},
}

type consoleLogger struct {
	mu       *sync.Mutex
	out      Sink
	colors   bool
	level    LogLevel
	prefixes []string
	metadata map[string]interface{}
	now      func() time.Time
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		mu:       c.mu,
		out:      c.out,
		colors:   c.colors,
		level:    c.level,
		prefixes: slices.Clone(c.prefixes),
		metadata: metadata,
		now:      c.now,
	}
}

func (c *consoleLogger) color(val string) string {
	if !c.colors {
		return ""
	}
	return val
}

// With will return a new logger using metadata as the base context
func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && c.level != LevelNone
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	colors := levelColors[level]
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	var prefix, suffix string
	if len(c.prefixes) > 0 {
		prefix = c.color(Purple) + strings.Join(c.prefixes, " ") + c.color(Reset) + " "
	}
	if len(c.metadata) > 0 {
		if buf, err := json.Marshal(c.metadata); err == nil {
			suffix = " " + c.color(Gray) + string(buf) + c.color(Reset)
		}
	}
	name := level.String()
	levelText := c.color(colors[0]) + fmt.Sprintf("[%s]%s", name, strings.Repeat(" ", 5-len(name))) + c.color(Reset)
	line := fmt.Sprintf("%s %s %s%s%s%s\n", c.now().Format(time.RFC3339), levelText, prefix, c.color(colors[1]), text+c.color(Reset), suffix)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write([]byte(line))
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

// NewConsoleLogger returns a Logger writing to stderr. When no level is given
// the level comes from AGENTUITY_LOG_LEVEL, defaulting to warn.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv(LevelWarn)
	if len(levels) > 0 {
		level = levels[0]
	}
	fd := os.Stderr.Fd()
	colors := !isWindows && os.Getenv("TERM") != "dumb" && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	return &consoleLogger{
		mu:     &sync.Mutex{},
		out:    os.Stderr,
		colors: colors,
		level:  level,
		now:    time.Now,
	}
}

// NewSinkLogger returns a Logger writing uncolored lines to sink.
func NewSinkLogger(sink Sink, level LogLevel) Logger {
	return &consoleLogger{
		mu:    &sync.Mutex{},
		out:   sink,
		level: level,
		now:   time.Now,
	}
}

// StripColors removes ANSI color sequences from s.
func StripColors(s string) string {
	return ansiColorStripper.ReplaceAllString(s, "")
}
