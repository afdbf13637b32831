package cache

import (
	"context"
	"time"
)

type nullCache struct{}

var _ Cache = nullCache{}

// NewNull returns a Cache that stores nothing: every read misses and every
// write or removal succeeds without effect. It disables caching without
// changing call sites.
func NewNull() Cache {
	return nullCache{}
}

func (nullCache) Get(context.Context, Key, ...ReadOption) ([]byte, bool) {
	return nil, false
}

func (nullCache) Has(context.Context, Key, ...ReadOption) bool {
	return false
}

func (nullCache) GetMany(context.Context, []Key) map[Key][]byte {
	return map[Key][]byte{}
}

func (nullCache) GetLastModified(context.Context, Key) time.Time {
	return time.Time{}
}

func (nullCache) GetTimeout(context.Context, Key) time.Time {
	return time.Time{}
}

func (nullCache) Set(context.Context, Key, []byte, time.Duration) error {
	return nil
}

func (nullCache) Remove(context.Context, Key) error {
	return nil
}

func (nullCache) RemovePattern(context.Context, Namespace, string) error {
	return nil
}

func (nullCache) Clean(context.Context, Namespace, Mode) error {
	return nil
}

func (nullCache) Close() error {
	return nil
}
