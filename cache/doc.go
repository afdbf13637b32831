// Package cache provides a time-bounded key/value cache for byte payloads with
// interchangeable storage engines.
//
// # Cache Interface
//
// The [Cache] interface covers reads ([Cache.Get], [Cache.Has],
// [Cache.GetMany], [Cache.GetLastModified], [Cache.GetTimeout]), writes
// ([Cache.Set]) and invalidation ([Cache.Remove], [Cache.RemovePattern],
// [Cache.Clean]). Engines can be swapped without changing application code.
//
// Entries are addressed by a [Key]: an identifier inside a [Namespace]. A
// namespace is a '/'-separated path, cleaning a namespace also cleans every
// namespace nested below it:
//
//	key := cache.NewKey("user:42", "app", "profiles")
//	_ = c.Set(ctx, key, payload, time.Hour)
//	_ = c.Clean(ctx, "app", cache.ModeAll) // drops app/profiles too
//
// Every entry carries an expiry and a last-write time in whole Unix seconds.
// An entry is valid while the current time is strictly before its expiry. A
// lifetime of zero or less uses the engine default ([DefaultLifetime]).
//
// # Error Policy
//
// Caching is an optimization, so reads never return errors: a missing,
// expired, unreadable or corrupt entry is a miss and the failure is logged.
// Writes and removals return an error that callers are free to ignore.
// Constructors return errors marked with [ErrConfiguration] when the storage
// location is unusable; test for it with errors.Is.
//
// # Implementations
//
//   - [NewFile] stores one file per entry under a directory. Files are
//     written to a temporary name and renamed into place, so readers never
//     see a partial payload. Options control directory sharding, hashed
//     file names, best-effort read locks and checksums. Namespace segments
//     named like a shard directory ("_0" to "_f"), a temp file or an entry
//     file are rejected with [ErrInvalidKey].
//
//   - [NewSQLite] stores entries in a single table using [modernc.org/sqlite]
//     (pure Go, no CGO). WAL mode and a busy timeout allow several processes
//     to share a database file. Each statement runs under a per-query timeout
//     ([DefaultQueryTimeout]).
//
//   - [NewNull] misses on every read and accepts every write. It disables
//     caching without touching call sites.
//
//   - [NewInMemory] keeps entries in a mutex-guarded map. It is lost on
//     process restart and not shared across processes.
//
//   - [NewRedis] stores each entry in a Redis hash and lets Redis expire it.
//     The caller owns the [redis.Client] lifecycle.
//
//   - [NewComposite] chains engines: reads return the first hit, writes and
//     removals go to every engine.
//
//   - [NewInstrumented] wraps any engine, recording latencies into a
//     [metrics.LatencyTracker] and opening an OpenTelemetry span per call.
//
// [Open] builds an engine from a [Config], usually read from YAML with
// [LoadConfig].
//
// # Automatic Cleaning
//
// Expired entries are not removed by a background goroutine. Instead every
// successful [Cache.Set] consults a [SweepDecider]; when it fires, the engine
// runs Clean("", ModeOld). The default decider fires once every
// [DefaultCleaningFactor] writes on average, see [WithCleaningFactor].
//
// # Generic Helpers
//
// [SetValue] and [GetValue] store typed values encoded with msgpack
// ([github.com/vmihailenco/msgpack/v5]). [Exec] is a cache-aside helper:
//
//	found, user, err := cache.Exec(ctx, cache.CacheConfig{Key: key}, c,
//	    func(ctx context.Context) (User, bool, error) {
//	        user, err := queries.GetUser(ctx, id)
//	        if errors.Is(err, sql.ErrNoRows) {
//	            return User{}, false, nil   // not found, won't be cached
//	        }
//	        return user, true, err          // found, will be cached
//	    },
//	)
//
// Cache failures inside [Exec] never surface: a failed read or decode runs
// the invoker, a failed write only costs a later miss.
package cache
