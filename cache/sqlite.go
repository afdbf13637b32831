package cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
)

// getManyBatch bounds the number of bound parameters per GetMany query.
const getManyBatch = 500

var (
	registerRegexpOnce sync.Once
	registerRegexpErr  error
)

// registerRegexp installs regexp(pattern, value), which backs the REGEXP
// operator, on every connection opened afterwards.
func registerRegexp() error {
	registerRegexpOnce.Do(func() {
		registerRegexpErr = sqlite.RegisterDeterministicScalarFunction("regexp", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			pattern, ok := textArg(args[0])
			if !ok {
				return nil, errors.New("regexp: pattern must be text")
			}
			value, ok := textArg(args[1])
			if !ok {
				return int64(0), nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			if re.MatchString(value) {
				return int64(1), nil
			}
			return int64(0), nil
		})
	})
	return registerRegexpErr
}

func textArg(v driver.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

type sqliteCache struct {
	db   *sql.DB
	path string
	cfg  config
	log  logger.Logger
	once sync.Once
}

var _ Cache = (*sqliteCache)(nil)

// NewSQLite returns a new Cache backed by SQLite.
// If dbPath is empty or ":memory:", a private in-memory database is used.
// Failing to open or initialize the database is reported as an error marked
// with ErrConfiguration.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Cache, error) {
	cfg := applyOptions(opts)
	if err := registerRegexp(); err != nil {
		return nil, configurationError(err, "cache: failed to register regexp function")
	}

	memory := dbPath == "" || dbPath == ":memory:"
	dsn := dbPath
	if memory {
		dsn = ":memory:?_pragma=busy_timeout(5000)"
	} else {
		// Enable WAL mode for better concurrent performance.
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, configurationError(err, "cache: failed to open %s", dbPath)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	qctx, cancel := context.WithTimeout(ctx, cfg.queryTimeout)
	defer cancel()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT '',
			data BLOB,
			timeout INTEGER NOT NULL,
			last_modified INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS cache_unique ON cache(key)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_namespace ON cache(namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_timeout ON cache(timeout)`,
	} {
		if _, err := db.ExecContext(qctx, stmt); err != nil {
			db.Close()
			return nil, configurationError(err, "cache: failed to initialize %s", dbPath)
		}
	}

	return &sqliteCache{
		db:   db,
		path: dbPath,
		cfg:  cfg,
		log:  cfg.logger.WithPrefix("[cache:sqlite]"),
	}, nil
}

func (c *sqliteCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

// namespaceFilter selects the rows of ns and every namespace nested below it.
// Nested namespaces sort between ns+"/" and ns+"0", '0' following '/'.
func namespaceFilter(ns Namespace) (string, []any) {
	if ns == "" {
		return "1 = 1", nil
	}
	s := string(ns)
	return "(namespace = ? OR (namespace >= ? AND namespace < ?))", []any{s, s + "/", s + "0"}
}

func (c *sqliteCache) Get(ctx context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	if key.Validate() != nil {
		return nil, false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	query := `SELECT data FROM cache WHERE key = ? AND timeout > ?`
	args := []any{key.Flat(), c.cfg.now()}
	if resolveRead(opts).allowExpired {
		query = `SELECT data FROM cache WHERE key = ?`
		args = args[:1]
	}
	var data []byte
	err := c.db.QueryRowContext(qctx, query, args...).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Warn("failed to read %s: %v", key, err)
		}
		return nil, false
	}
	return data, true
}

func (c *sqliteCache) Has(ctx context.Context, key Key, opts ...ReadOption) bool {
	if key.Validate() != nil {
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	query := `SELECT 1 FROM cache WHERE key = ? AND timeout > ?`
	args := []any{key.Flat(), c.cfg.now()}
	if resolveRead(opts).allowExpired {
		query = `SELECT 1 FROM cache WHERE key = ?`
		args = args[:1]
	}
	var one int
	err := c.db.QueryRowContext(qctx, query, args...).Scan(&one)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Warn("failed to read %s: %v", key, err)
		}
		return false
	}
	return true
}

func (c *sqliteCache) GetMany(ctx context.Context, keys []Key) map[Key][]byte {
	out := make(map[Key][]byte, len(keys))
	byFlat := make(map[string]Key, len(keys))
	flat := make([]string, 0, len(keys))
	for _, key := range keys {
		if key.Validate() != nil {
			continue
		}
		f := key.Flat()
		if _, dup := byFlat[f]; !dup {
			byFlat[f] = key
			flat = append(flat, f)
		}
	}
	now := c.cfg.now()
	for start := 0; start < len(flat); start += getManyBatch {
		end := min(start+getManyBatch, len(flat))
		if err := c.getBatch(ctx, flat[start:end], now, byFlat, out); err != nil {
			c.log.Warn("failed to read %d keys: %v", end-start, err)
		}
	}
	return out
}

func (c *sqliteCache) getBatch(ctx context.Context, flat []string, now int64, byFlat map[string]Key, out map[Key][]byte) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	args := make([]any, 0, len(flat)+1)
	for _, f := range flat {
		args = append(args, f)
	}
	args = append(args, now)
	query := fmt.Sprintf(`SELECT key, data FROM cache WHERE key IN (%s) AND timeout > ?`, strings.TrimSuffix(strings.Repeat("?,", len(flat)), ","))
	rows, err := c.db.QueryContext(qctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var data []byte
		if err := rows.Scan(&k, &data); err != nil {
			return err
		}
		if key, ok := byFlat[k]; ok {
			out[key] = data
		}
	}
	return rows.Err()
}

func (c *sqliteCache) timestamps(ctx context.Context, key Key) (int64, int64, bool) {
	if key.Validate() != nil {
		return 0, 0, false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var timeout, lastModified int64
	err := c.db.QueryRowContext(qctx,
		`SELECT timeout, last_modified FROM cache WHERE key = ? AND timeout > ?`, key.Flat(), c.cfg.now(),
	).Scan(&timeout, &lastModified)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Warn("failed to read %s: %v", key, err)
		}
		return 0, 0, false
	}
	return timeout, lastModified, true
}

func (c *sqliteCache) GetLastModified(ctx context.Context, key Key) time.Time {
	_, lastModified, ok := c.timestamps(ctx, key)
	if !ok {
		return time.Time{}
	}
	return unixTime(lastModified)
}

func (c *sqliteCache) GetTimeout(ctx context.Context, key Key) time.Time {
	timeout, _, ok := c.timestamps(ctx, key)
	if !ok {
		return time.Time{}
	}
	return unixTime(timeout)
}

func (c *sqliteCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	now := c.cfg.now()
	_, err := c.db.ExecContext(qctx,
		`INSERT OR REPLACE INTO cache (key, namespace, data, timeout, last_modified) VALUES (?, ?, ?, ?, ?)`,
		key.Flat(), string(key.Namespace), payload, c.cfg.expiry(now, lifetime), now,
	)
	if err != nil {
		return errors.Wrapf(err, "cache: failed to write %s", key)
	}
	maybeSweep(ctx, c, c.cfg)
	return nil
}

func (c *sqliteCache) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key.Flat()); err != nil {
		return errors.Wrapf(err, "cache: failed to remove %s", key)
	}
	return nil
}

func (c *sqliteCache) RemovePattern(ctx context.Context, ns Namespace, pattern string) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	expr, err := patternExpr(pattern)
	if err != nil {
		return err
	}
	prefix := Key{Namespace: ns}.Flat()
	re := "^" + regexp.QuoteMeta(prefix) + expr + "$"

	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE namespace = ? AND key REGEXP ?`, string(ns), re); err != nil {
		return errors.Wrapf(err, "cache: failed to remove pattern %q", pattern)
	}
	return nil
}

func (c *sqliteCache) Clean(ctx context.Context, ns Namespace, mode Mode) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	filter, args := namespaceFilter(ns)
	query := `DELETE FROM cache`
	switch {
	case mode == ModeOld:
		query += ` WHERE timeout <= ? AND ` + filter
		args = append([]any{c.cfg.now()}, args...)
	case ns != "":
		query += ` WHERE ` + filter
	}

	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, query, args...); err != nil {
		return errors.Wrapf(err, "cache: failed to clean %q (%s)", ns, mode)
	}
	return nil
}

// Usage counts the stored rows and the size of their payloads.
func (c *sqliteCache) Usage(ctx context.Context) (Usage, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	u := Usage{Location: c.path}
	err := c.db.QueryRowContext(qctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM cache`).Scan(&u.Entries, &u.Bytes)
	if err != nil {
		return Usage{}, errors.Wrapf(err, "cache: failed to measure %s", c.path)
	}
	return u, nil
}

func (c *sqliteCache) Close() error {
	var dbErr error
	c.once.Do(func() {
		dbErr = c.db.Close()
	})
	return dbErr
}
