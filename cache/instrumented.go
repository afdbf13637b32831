package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/agentuity/go-cache/metrics"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "@agentuity/go-cache"

type instrumentedCache struct {
	cache   Cache
	tracker *metrics.LatencyTracker
	tracer  trace.Tracer
	log     logger.Logger
}

var _ Cache = (*instrumentedCache)(nil)

// NewInstrumented wraps c so that every operation records its latency into
// tracker, runs inside an OpenTelemetry span and is logged at trace level.
// A nil tracker only traces and logs. Only WithLogger and WithTracerProvider
// are honoured.
func NewInstrumented(c Cache, tracker *metrics.LatencyTracker, opts ...Option) Cache {
	cfg := applyOptions(opts)
	tp := cfg.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &instrumentedCache{
		cache:   c,
		tracker: tracker,
		tracer:  tp.Tracer(tracerName),
		log:     cfg.logger.WithPrefix("[cache]"),
	}
}

func keyAttributes(key Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("cache.namespace", string(key.Namespace)),
		attribute.String("cache.id", key.ID),
	}
}

// observe opens the span for operation. The returned func closes it, records
// the latency and logs the outcome.
func (c *instrumentedCache) observe(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(hit *bool, err error)) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "cache."+operation, trace.WithAttributes(attrs...))
	return ctx, func(hit *bool, err error) {
		elapsed := time.Since(started)
		if c.tracker != nil {
			c.tracker.Record(operation, elapsed)
		}
		if hit != nil {
			span.SetAttributes(attribute.Bool("cache.hit", *hit))
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			c.log.Trace("%s failed after %s: %v", operation, elapsed, err)
		} else {
			span.SetStatus(codes.Ok, "")
			if hit != nil {
				c.log.Trace("%s hit=%v in %s", operation, *hit, elapsed)
			} else {
				c.log.Trace("%s in %s", operation, elapsed)
			}
		}
		span.End()
	}
}

func (c *instrumentedCache) Get(ctx context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	ctx, done := c.observe(ctx, "get", keyAttributes(key)...)
	val, found := c.cache.Get(ctx, key, opts...)
	done(&found, nil)
	return val, found
}

func (c *instrumentedCache) Has(ctx context.Context, key Key, opts ...ReadOption) bool {
	ctx, done := c.observe(ctx, "has", keyAttributes(key)...)
	found := c.cache.Has(ctx, key, opts...)
	done(&found, nil)
	return found
}

func (c *instrumentedCache) GetMany(ctx context.Context, keys []Key) map[Key][]byte {
	ctx, done := c.observe(ctx, "get_many", attribute.Int("cache.keys", len(keys)))
	out := c.cache.GetMany(ctx, keys)
	hit := len(out) == len(keys)
	done(&hit, nil)
	return out
}

func (c *instrumentedCache) GetLastModified(ctx context.Context, key Key) time.Time {
	ctx, done := c.observe(ctx, "get_last_modified", keyAttributes(key)...)
	t := c.cache.GetLastModified(ctx, key)
	hit := !t.IsZero()
	done(&hit, nil)
	return t
}

func (c *instrumentedCache) GetTimeout(ctx context.Context, key Key) time.Time {
	ctx, done := c.observe(ctx, "get_timeout", keyAttributes(key)...)
	t := c.cache.GetTimeout(ctx, key)
	hit := !t.IsZero()
	done(&hit, nil)
	return t
}

func (c *instrumentedCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	attrs := append(keyAttributes(key), attribute.Int("cache.bytes", len(payload)))
	ctx, done := c.observe(ctx, "set", attrs...)
	err := c.cache.Set(ctx, key, payload, lifetime)
	done(nil, err)
	return err
}

func (c *instrumentedCache) Remove(ctx context.Context, key Key) error {
	ctx, done := c.observe(ctx, "remove", keyAttributes(key)...)
	err := c.cache.Remove(ctx, key)
	done(nil, err)
	return err
}

func (c *instrumentedCache) RemovePattern(ctx context.Context, ns Namespace, pattern string) error {
	ctx, done := c.observe(ctx, "remove_pattern",
		attribute.String("cache.namespace", string(ns)),
		attribute.String("cache.pattern", pattern),
	)
	err := c.cache.RemovePattern(ctx, ns, pattern)
	done(nil, err)
	return err
}

func (c *instrumentedCache) Clean(ctx context.Context, ns Namespace, mode Mode) error {
	ctx, done := c.observe(ctx, "clean",
		attribute.String("cache.namespace", string(ns)),
		attribute.String("cache.mode", mode.String()),
	)
	err := c.cache.Clean(ctx, ns, mode)
	done(nil, err)
	return err
}

// Usage forwards to the wrapped engine when it can measure itself.
func (c *instrumentedCache) Usage(ctx context.Context) (Usage, error) {
	r, ok := c.cache.(UsageReporter)
	if !ok {
		return Usage{}, errors.New("cache: engine does not report usage")
	}
	return r.Usage(ctx)
}

func (c *instrumentedCache) Close() error {
	return c.cache.Close()
}
