package cache

import (
	"context"
	"time"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together.
// Reads check caches in order and return the first hit.
// Writes and removals go to all caches and report the first error.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

func (c *compositeCache) Get(ctx context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	for _, cache := range c.caches {
		if val, found := cache.Get(ctx, key, opts...); found {
			return val, true
		}
	}
	return nil, false
}

func (c *compositeCache) Has(ctx context.Context, key Key, opts ...ReadOption) bool {
	for _, cache := range c.caches {
		if cache.Has(ctx, key, opts...) {
			return true
		}
	}
	return false
}

func (c *compositeCache) GetMany(ctx context.Context, keys []Key) map[Key][]byte {
	out := make(map[Key][]byte, len(keys))
	pending := keys
	for _, cache := range c.caches {
		if len(pending) == 0 {
			break
		}
		found := cache.GetMany(ctx, pending)
		missing := make([]Key, 0, len(pending))
		for _, key := range pending {
			if val, ok := found[key]; ok {
				out[key] = val
			} else {
				missing = append(missing, key)
			}
		}
		pending = missing
	}
	return out
}

func (c *compositeCache) GetLastModified(ctx context.Context, key Key) time.Time {
	for _, cache := range c.caches {
		if t := cache.GetLastModified(ctx, key); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func (c *compositeCache) GetTimeout(ctx context.Context, key Key) time.Time {
	for _, cache := range c.caches {
		if t := cache.GetTimeout(ctx, key); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// each runs fn on every cache and returns the first error.
func (c *compositeCache) each(fn func(Cache) error) error {
	var firstErr error
	for _, cache := range c.caches {
		if err := fn(cache); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	return c.each(func(cache Cache) error { return cache.Set(ctx, key, payload, lifetime) })
}

func (c *compositeCache) Remove(ctx context.Context, key Key) error {
	return c.each(func(cache Cache) error { return cache.Remove(ctx, key) })
}

func (c *compositeCache) RemovePattern(ctx context.Context, ns Namespace, pattern string) error {
	return c.each(func(cache Cache) error { return cache.RemovePattern(ctx, ns, pattern) })
}

func (c *compositeCache) Clean(ctx context.Context, ns Namespace, mode Mode) error {
	return c.each(func(cache Cache) error { return cache.Clean(ctx, ns, mode) })
}

func (c *compositeCache) Close() error {
	return c.each(func(cache Cache) error { return cache.Close() })
}
