package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Hash fields of a stored entry.
const (
	redisFieldValue        = "v"
	redisFieldTimeout      = "t"
	redisFieldLastModified = "m"
)

// scanBatch is the SCAN COUNT hint and the number of keys deleted per DEL.
const scanBatch = 100

type redisCache struct {
	client *redis.Client
	cfg    config
	log    logger.Logger
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis.
// The caller owns the redis.Client lifecycle, Close is a no-op on the client.
// Every key is stored under the configured prefix. Without a prefix, Clean
// treats every key of the database as a cache entry.
func NewRedis(client *redis.Client, opts ...Option) Cache {
	cfg := applyOptions(opts)
	return &redisCache{
		client: client,
		cfg:    cfg,
		log:    cfg.logger.WithPrefix("[cache:redis]"),
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

// parseKey reverses prefixKey(Key.Flat()).
func (c *redisCache) parseKey(name string) (Key, bool) {
	if c.cfg.prefix != "" {
		rest, ok := strings.CutPrefix(name, c.cfg.prefix+":")
		if !ok {
			return Key{}, false
		}
		name = rest
	}
	ns, id, found := strings.Cut(name, keySeparator)
	if !found {
		return Key{ID: name}, name != ""
	}
	return Key{Namespace: Namespace(ns), ID: id}, id != ""
}

// globEscape quotes the characters SCAN MATCH treats specially.
func globEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func parseUnix(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// fields reads the named hash fields of key. It reports false when the entry
// is missing, unreadable or, unless allowExpired, expired.
func (c *redisCache) fields(ctx context.Context, key Key, allowExpired bool, names ...string) ([]any, bool) {
	if key.Validate() != nil {
		return nil, false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	vals, err := c.client.HMGet(qctx, c.prefixKey(key.Flat()), append([]string{redisFieldTimeout}, names...)...).Result()
	if err != nil {
		c.log.Warn("failed to read %s: %v", key, err)
		return nil, false
	}
	return c.checkFields(vals, allowExpired)
}

func (c *redisCache) checkFields(vals []any, allowExpired bool) ([]any, bool) {
	if len(vals) == 0 || vals[0] == nil {
		return nil, false
	}
	if !allowExpired && c.cfg.now() >= parseUnix(vals[0]) {
		return nil, false
	}
	for _, v := range vals[1:] {
		if v == nil {
			return nil, false
		}
	}
	return vals, true
}

func (c *redisCache) Get(ctx context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	vals, ok := c.fields(ctx, key, resolveRead(opts).allowExpired, redisFieldValue)
	if !ok {
		return nil, false
	}
	s, ok := vals[1].(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

func (c *redisCache) Has(ctx context.Context, key Key, opts ...ReadOption) bool {
	_, ok := c.fields(ctx, key, resolveRead(opts).allowExpired)
	return ok
}

func (c *redisCache) GetMany(ctx context.Context, keys []Key) map[Key][]byte {
	out := make(map[Key][]byte, len(keys))
	valid := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Validate() == nil {
			valid = append(valid, key)
		}
	}
	if len(valid) == 0 {
		return out
	}

	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(valid))
	for i, key := range valid {
		cmds[i] = pipe.HMGet(qctx, c.prefixKey(key.Flat()), redisFieldTimeout, redisFieldValue)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		c.log.Warn("failed to read %d keys: %v", len(valid), err)
	}
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if vals, ok := c.checkFields(vals, false); ok {
			if s, ok := vals[1].(string); ok {
				out[valid[i]] = []byte(s)
			}
		}
	}
	return out
}

func (c *redisCache) GetLastModified(ctx context.Context, key Key) time.Time {
	vals, ok := c.fields(ctx, key, false, redisFieldLastModified)
	if !ok {
		return time.Time{}
	}
	return unixTime(parseUnix(vals[1]))
}

func (c *redisCache) GetTimeout(ctx context.Context, key Key) time.Time {
	vals, ok := c.fields(ctx, key, false)
	if !ok {
		return time.Time{}
	}
	return unixTime(parseUnix(vals[0]))
}

func (c *redisCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := c.cfg.now()
	expiry := c.cfg.expiry(now, lifetime)

	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key.Flat())
	pipe := c.client.TxPipeline()
	pipe.Del(qctx, k)
	pipe.HSet(qctx, k,
		redisFieldValue, payload,
		redisFieldTimeout, expiry,
		redisFieldLastModified, now,
	)
	pipe.ExpireAt(qctx, k, time.Unix(expiry, 0))
	if _, err := pipe.Exec(qctx); err != nil {
		return errors.Wrapf(err, "cache: failed to write %s", key)
	}
	maybeSweep(ctx, c, c.cfg)
	return nil
}

func (c *redisCache) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Del(qctx, c.prefixKey(key.Flat())).Err(); err != nil {
		return errors.Wrapf(err, "cache: failed to remove %s", key)
	}
	return nil
}

// scan calls fn with batches of the keys matching match.
func (c *redisCache) scan(ctx context.Context, match string, fn func([]string) error) error {
	iter := c.client.Scan(ctx, 0, match, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (c *redisCache) del(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.client.Del(qctx, names...).Err()
}

func (c *redisCache) RemovePattern(ctx context.Context, ns Namespace, pattern string) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return err
	}
	match := c.prefixKey(globEscape(Key{Namespace: ns}.Flat())) + "*"
	err = c.scan(ctx, match, func(names []string) error {
		victims := make([]string, 0, len(names))
		for _, name := range names {
			key, ok := c.parseKey(name)
			if ok && key.Namespace == ns && re.MatchString(key.ID) {
				victims = append(victims, name)
			}
		}
		return c.del(ctx, victims)
	})
	if err != nil {
		return errors.Wrapf(err, "cache: failed to remove pattern %q", pattern)
	}
	return nil
}

func (c *redisCache) Clean(ctx context.Context, ns Namespace, mode Mode) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	now := c.cfg.now()
	match := c.prefixKey(globEscape(string(ns))) + "*"
	err := c.scan(ctx, match, func(names []string) error {
		victims := make([]string, 0, len(names))
		for _, name := range names {
			if key, ok := c.parseKey(name); ok && ns.Contains(key.Namespace) {
				victims = append(victims, name)
			}
		}
		if mode == ModeOld {
			var err error
			if victims, err = c.expiredOf(ctx, victims, now); err != nil {
				return err
			}
		}
		return c.del(ctx, victims)
	})
	if err != nil {
		return errors.Wrapf(err, "cache: failed to clean %q (%s)", ns, mode)
	}
	return nil
}

// expiredOf keeps the names whose stored timeout has passed. Redis drops
// entries on its own clock, this catches the ones a different clock expired.
func (c *redisCache) expiredOf(ctx context.Context, names []string, now int64) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGet(qctx, name, redisFieldTimeout)
	}
	if _, err := pipe.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
		// a reply error concerns a single key, anything else the connection
		var replyErr redis.Error
		if !errors.As(err, &replyErr) {
			return nil, err
		}
	}
	out := names[:0:0]
	for i, cmd := range cmds {
		ts, err := cmd.Int64()
		if err != nil {
			continue
		}
		if now >= ts {
			out = append(out, names[i])
		}
	}
	return out, nil
}

// Close is a no-op, the caller owns the redis.Client lifecycle.
func (c *redisCache) Close() error {
	return nil
}
