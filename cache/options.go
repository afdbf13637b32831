package cache

import (
	"math/rand/v2"
	"time"

	"github.com/agentuity/go-cache/logger"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLifetime is the lifetime used when Set is called with lifetime <= 0.
const DefaultLifetime = 86400 * time.Second

// DefaultCleaningFactor makes roughly one write in 500 sweep expired entries.
const DefaultCleaningFactor = 500

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform network or database I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

// DefaultSuffix is appended to every file written by the file engine.
const DefaultSuffix = ".cache"

// Clock supplies the current time. Engines only ever look at whole seconds.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// SweepDecider is asked after every successful write whether expired entries
// should be swept.
type SweepDecider func() bool

// FactorDecider returns a SweepDecider firing with probability 1/factor. A
// factor of 0 never fires and 1 always fires.
func FactorDecider(factor int) SweepDecider {
	switch {
	case factor <= 0:
		return func() bool { return false }
	case factor == 1:
		return func() bool { return true }
	default:
		return func() bool { return rand.IntN(factor) == 0 }
	}
}

// config holds the resolved configuration for a cache implementation.
type config struct {
	lifetime       time.Duration
	cleaningFactor int
	decider        SweepDecider
	clock          Clock
	logger         logger.Logger
	queryTimeout   time.Duration
	prefix         string
	tracerProvider trace.TracerProvider

	fileLocking        bool
	hashedDirLevel     int
	filenameProtection bool
	suffix             string
	writeControl       bool
	readControl        bool
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		lifetime:       DefaultLifetime,
		cleaningFactor: DefaultCleaningFactor,
		clock:          wallClock{},
		queryTimeout:   DefaultQueryTimeout,
		fileLocking:    true,
		suffix:         DefaultSuffix,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.decider == nil {
		cfg.decider = FactorDecider(cfg.cleaningFactor)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return cfg
}

func (c config) now() int64 {
	return c.clock.Now().Unix()
}

func (c config) expiry(now int64, lifetime time.Duration) int64 {
	if lifetime <= 0 {
		lifetime = c.lifetime
	}
	secs := int64(lifetime / time.Second)
	if lifetime%time.Second != 0 {
		secs++
	}
	return now + secs
}

// WithLifetime sets the default lifetime, used when Set is called with
// lifetime <= 0. Defaults to DefaultLifetime (one day).
func WithLifetime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lifetime = d
		}
	}
}

// WithCleaningFactor sets the automatic cleaning factor: 0 disables sweeping,
// 1 sweeps on every write and N sweeps on one write in N on average.
func WithCleaningFactor(factor int) Option {
	return func(c *config) { c.cleaningFactor = factor }
}

// WithSweepDecider replaces the random sweep trigger, mostly for tests.
func WithSweepDecider(fn SweepDecider) Option {
	return func(c *config) { c.decider = fn }
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the logger used to report degraded reads and failed sweeps.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithFileLocking toggles best-effort shared locks on reads. Applies to the
// file backend, enabled by default.
func WithFileLocking(enabled bool) Option {
	return func(c *config) { c.fileLocking = enabled }
}

// WithHashedDirectoryLevel spreads files over 16^level subdirectories. Applies
// to the file backend. Defaults to 0.
func WithHashedDirectoryLevel(level int) Option {
	return func(c *config) { c.hashedDirLevel = level }
}

// WithFilenameProtection stores files under the md5 of their identifier
// instead of the identifier itself. Applies to the file backend.
func WithFilenameProtection(enabled bool) Option {
	return func(c *config) { c.filenameProtection = enabled }
}

// WithSuffix sets the file name suffix. Applies to the file backend, which
// rejects an empty suffix and namespace segments ending with it.
func WithSuffix(suffix string) Option {
	return func(c *config) { c.suffix = suffix }
}

// WithWriteControl re-reads every written file and compares it with what was
// meant to be written. Applies to the file backend. It doubles write I/O.
func WithWriteControl(enabled bool) Option {
	return func(c *config) { c.writeControl = enabled }
}

// WithReadControl stores a checksum with every payload and verifies it on
// read, Has included, so Has never reports an entry Get would reject.
// Applies to the file backend. Every process sharing a directory must use
// the same setting.
func WithReadControl(enabled bool) Option {
	return func(c *config) { c.readControl = enabled }
}

// WithTracerProvider sets where NewInstrumented creates its spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}
