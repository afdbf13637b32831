package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is the contract shared by every engine. Reads never fail: a missing,
// expired, unreadable or corrupt entry is a miss. Writes and removals return
// an error the caller may ignore, caching being an optimization only.
type Cache interface {
	// Get returns the payload stored under key and whether it was found.
	Get(ctx context.Context, key Key, opts ...ReadOption) ([]byte, bool)
	// Has reports whether Get would find key, without reading the payload.
	Has(ctx context.Context, key Key, opts ...ReadOption) bool
	// GetMany returns the valid entries among keys. Misses are absent from the map.
	GetMany(ctx context.Context, keys []Key) map[Key][]byte
	// GetLastModified returns when key was written, or the zero time if it is not valid.
	GetLastModified(ctx context.Context, key Key) time.Time
	// GetTimeout returns when key expires, or the zero time if it is not valid.
	GetTimeout(ctx context.Context, key Key) time.Time

	// Set stores payload under key for lifetime. A lifetime <= 0 uses the
	// configured default. A successful Set may sweep expired entries.
	Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error
	// Remove deletes key. Removing a missing key succeeds.
	Remove(ctx context.Context, key Key) error
	// RemovePattern deletes the entries of ns whose identifier matches pattern
	// (see CompilePattern).
	RemovePattern(ctx context.Context, ns Namespace, pattern string) error
	// Clean deletes all entries, or only expired ones, under ns. The root
	// namespace "" cleans the whole cache.
	Clean(ctx context.Context, ns Namespace, mode Mode) error

	// Close releases the resources held by the engine.
	Close() error
}

// Usage summarizes what an engine currently stores, expired entries included.
type Usage struct {
	Entries  int
	Bytes    int64
	Location string
}

// UsageReporter is implemented by engines able to measure their footprint.
type UsageReporter interface {
	Usage(ctx context.Context) (Usage, error)
}

// Mode selects what Clean deletes.
type Mode int

const (
	// ModeAll deletes every entry.
	ModeAll Mode = iota
	// ModeOld deletes expired entries only.
	ModeOld
)

func (m Mode) String() string {
	if m == ModeOld {
		return "old"
	}
	return "all"
}

var (
	// ErrConfiguration marks errors raised while constructing an engine.
	ErrConfiguration = errors.New("cache: configuration error")
	// ErrInvalidKey is returned for keys or patterns an engine cannot store.
	ErrInvalidKey = errors.New("cache: invalid key")
	// ErrIntegrity is returned when a written entry does not read back identically.
	ErrIntegrity = errors.New("cache: integrity check failed")
	// ErrPatternUnsupported is returned by engines that cannot recover identifiers.
	ErrPatternUnsupported = errors.New("cache: pattern removal unsupported")
	// ErrClosed is returned by writes on a closed engine.
	ErrClosed = errors.New("cache: closed")
)

// markedError keeps cause in the chain and also matches mark, so both
// errors.Is from the standard library and from cockroachdb/errors see it.
type markedError struct {
	cause error
	mark  error
}

func (e *markedError) Error() string        { return e.cause.Error() }
func (e *markedError) Unwrap() error        { return e.cause }
func (e *markedError) Is(target error) bool { return target == e.mark }

func withMark(err error, mark error) error {
	return &markedError{cause: err, mark: mark}
}

func configurationError(err error, format string, args ...interface{}) error {
	return withMark(errors.Wrapf(err, format, args...), ErrConfiguration)
}

type readOptions struct {
	allowExpired bool
}

// ReadOption configures a single read.
type ReadOption func(*readOptions)

// AllowExpired makes a read return entries whose lifetime has passed, as long
// as they are still physically present.
func AllowExpired() ReadOption {
	return func(o *readOptions) { o.allowExpired = true }
}

func resolveRead(opts []ReadOption) readOptions {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// maybeSweep runs the automatic cleaning after a successful write.
func maybeSweep(ctx context.Context, c Cache, cfg config) {
	if !cfg.decider() {
		return
	}
	if err := c.Clean(ctx, "", ModeOld); err != nil {
		cfg.logger.Warn("automatic cleaning failed: %v", err)
	}
}

func unixTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// SetValue encodes val with msgpack and stores it under key.
func SetValue[T any](ctx context.Context, c Cache, key Key, val T, lifetime time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "cache: failed to marshal value for %s", key)
	}
	return c.Set(ctx, key, data, lifetime)
}

// GetValue reads key and decodes it with msgpack. A payload that does not
// decode into T returns found=false together with the decoding error.
func GetValue[T any](ctx context.Context, c Cache, key Key, opts ...ReadOption) (bool, T, error) {
	var result T
	data, ok := c.Get(ctx, key, opts...)
	if !ok {
		return false, result, nil
	}
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return false, zero, errors.Wrapf(err, "cache: failed to unmarshal value for %s", key)
	}
	return true, result, nil
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Lifetime of the cached value. Zero uses the cache's default lifetime.
	Lifetime time.Duration
	// Key is the cache key. Required.
	Key Key
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value (e.g. sql.ErrNoRows scenarios).
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. On a hit it returns the cached value. On a
// miss, or when the cached payload no longer decodes into T, it calls invoke
// and caches the result when invoke reports found=true. Errors from invoke
// are returned; cache failures never are.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	if found, val, err := GetValue[T](ctx, c, config.Key); err == nil && found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	// the caller has its value, a failed write only costs a future miss
	_ = SetValue(ctx, c, config.Key, result, config.Lifetime)

	return true, result, nil
}
