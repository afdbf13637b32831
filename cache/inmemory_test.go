package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleCache(t *testing.T) {
	cache := NewInMemory()
	assert.NoError(t, cache.Close())
}

func TestSetGetCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewInMemory(WithClock(clock), WithCleaningFactor(0))
	defer cache.Close()

	key := NewKey("test")
	val, found := cache.Get(ctx, key)
	assert.False(t, found)
	assert.Nil(t, val)

	assert.NoError(t, cache.Set(ctx, key, []byte("value"), 10*time.Second))
	val, found = cache.Get(ctx, key)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), val)

	clock.Advance(11 * time.Second)
	val, found = cache.Get(ctx, key)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestInMemoryCopiesPayloads(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemory()
	defer cache.Close()

	key := NewKey("buf")
	buf := []byte("original")
	require.NoError(t, cache.Set(ctx, key, buf, time.Minute))
	buf[0] = 'X'

	got, found := cache.Get(ctx, key)
	require.True(t, found)
	assert.Equal(t, []byte("original"), got)
	got[0] = 'Y'

	again, _ := cache.Get(ctx, key)
	assert.Equal(t, []byte("original"), again)
}

func TestInMemorySweepKeepsMapSmall(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewInMemory(WithClock(clock), WithSweepDecider(alwaysSweep))
	defer cache.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, NewKey(id), []byte(id), time.Second))
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, cache.Set(ctx, NewKey("d"), []byte("d"), time.Minute))

	c := cache.(*inMemoryCache)
	c.mutex.Lock()
	assert.Len(t, c.cache, 1)
	c.mutex.Unlock()

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, Usage{Entries: 1, Bytes: 1, Location: "memory"}, u)
}

func TestInMemoryClosed(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemory()
	key := NewKey("k")
	require.NoError(t, cache.Set(ctx, key, []byte("v"), time.Minute))
	require.NoError(t, cache.Close())

	assert.False(t, cache.Has(ctx, key))
	assert.ErrorIs(t, cache.Set(ctx, key, []byte("v"), time.Minute), ErrClosed)
	assert.NoError(t, cache.Close())
}
