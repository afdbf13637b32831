package logger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger implements the Logger interface for OpenTelemetry
type otelLogger struct {
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
	now        func() time.Time
}

var _ Logger = (*otelLogger)(nil)

var severities = map[LogLevel]log.Severity{
	LevelTrace: log.SeverityTrace,
	LevelDebug: log.SeverityDebug,
	LevelInfo:  log.SeverityInfo,
	LevelWarn:  log.SeverityWarn,
	LevelError: log.SeverityError,
}

// clone returns a copy sharing the emitter and level
func (o *otelLogger) clone() *otelLogger {
	metadata := make(map[string]log.Value, len(o.metadata))
	for k, v := range o.metadata {
		metadata[k] = v
	}
	return &otelLogger{
		prefixes:   slices.Clone(o.prefixes),
		metadata:   metadata,
		logLevel:   o.logLevel,
		otelLogger: o.otelLogger,
		now:        o.now,
	}
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case error:
		return log.StringValue(v.Error())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// With will return a new logger using metadata as the base context
func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	clone := o.clone()
	for k, v := range metadata {
		clone.metadata[k] = toLogValue(v)
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

func (o *otelLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= o.logLevel && o.logLevel != LevelNone
}

// log emits one record. Metadata becomes record attributes.
func (o *otelLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !o.IsLevelEnabled(level) {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	if len(o.prefixes) > 0 {
		text = strings.Join(o.prefixes, " ") + " " + text
	}

	severity := severities[level]
	now := o.now()
	var record log.Record
	record.SetBody(log.StringValue(text))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetObservedTimestamp(now)
	record.SetTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	o.otelLogger.Emit(context.Background(), record)
}

// Trace level logging
func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, msg, args...)
}

// Debug level logging
func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, msg, args...)
}

// Info level logging
func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, msg, args...)
}

// Warning level logging
func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, msg, args...)
}

// Error level logging
func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, msg, args...)
}

// NewOtelLogger returns a Logger emitting records at or above level through
// an OpenTelemetry logger.
func NewOtelLogger(otelsLogger log.Logger, level LogLevel) Logger {
	return &otelLogger{
		metadata:   map[string]log.Value{},
		logLevel:   level,
		otelLogger: otelsLogger,
		now:        time.Now,
	}
}
