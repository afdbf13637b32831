package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data         []byte
	expiry       int64
	lastModified int64
}

type inMemoryCache struct {
	cache  map[Key]*memoryEntry
	mutex  sync.Mutex
	closed bool
	cfg    config
}

var _ Cache = (*inMemoryCache)(nil)

// NewInMemory returns a new in-memory Cache implementation. Expired entries
// are dropped when read and by the automatic cleaning that follows writes.
func NewInMemory(opts ...Option) Cache {
	return &inMemoryCache{
		cache: make(map[Key]*memoryEntry),
		cfg:   applyOptions(opts),
	}
}

// lookup must be called with the mutex held.
func (c *inMemoryCache) lookup(key Key, allowExpired bool) (*memoryEntry, bool) {
	val, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if !allowExpired && c.cfg.now() >= val.expiry {
		return nil, false
	}
	return val, true
}

func (c *inMemoryCache) Get(_ context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.lookup(key, resolveRead(opts).allowExpired)
	if !ok {
		return nil, false
	}
	return bytes.Clone(val.data), true
}

func (c *inMemoryCache) Has(_ context.Context, key Key, opts ...ReadOption) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.lookup(key, resolveRead(opts).allowExpired)
	return ok
}

func (c *inMemoryCache) GetMany(_ context.Context, keys []Key) map[Key][]byte {
	out := make(map[Key][]byte, len(keys))
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, key := range keys {
		if val, ok := c.lookup(key, false); ok {
			out[key] = bytes.Clone(val.data)
		}
	}
	return out
}

func (c *inMemoryCache) GetLastModified(_ context.Context, key Key) time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if val, ok := c.lookup(key, false); ok {
		return unixTime(val.lastModified)
	}
	return time.Time{}
}

func (c *inMemoryCache) GetTimeout(_ context.Context, key Key) time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if val, ok := c.lookup(key, false); ok {
		return unixTime(val.expiry)
	}
	return time.Time{}
}

func (c *inMemoryCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := c.cfg.now()
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	c.cache[key] = &memoryEntry{
		data:         bytes.Clone(payload),
		expiry:       c.cfg.expiry(now, lifetime),
		lastModified: now,
	}
	c.mutex.Unlock()
	maybeSweep(ctx, c, c.cfg)
	return nil
}

func (c *inMemoryCache) Remove(_ context.Context, key Key) error {
	c.mutex.Lock()
	delete(c.cache, key)
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) RemovePattern(_ context.Context, ns Namespace, pattern string) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key := range c.cache {
		if key.Namespace == ns && re.MatchString(key.ID) {
			delete(c.cache, key)
		}
	}
	return nil
}

func (c *inMemoryCache) Clean(_ context.Context, ns Namespace, mode Mode) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	now := c.cfg.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, val := range c.cache {
		if !ns.Contains(key.Namespace) {
			continue
		}
		if mode == ModeOld && now < val.expiry {
			continue
		}
		delete(c.cache, key)
	}
	return nil
}

// Usage counts the entries held in memory and the size of their payloads.
func (c *inMemoryCache) Usage(_ context.Context) (Usage, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	u := Usage{Entries: len(c.cache), Location: "memory"}
	for _, val := range c.cache {
		u.Bytes += int64(len(val.data))
	}
	return u, nil
}

// Close drops every entry. Later writes fail with ErrClosed.
func (c *inMemoryCache) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.cache = make(map[Key]*memoryEntry)
	c.mutex.Unlock()
	return nil
}
