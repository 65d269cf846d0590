package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(maxSize int) (*LocalCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newLocalCache(maxSize, time.Minute, time.Hour, clock.Now)
	return c, clock
}

func TestLocalCache_GetSet(t *testing.T) {
	c, clock := newTestCache(0)
	defer c.Close()

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	t.Run("过期后不可见", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("删除与清空", func(t *testing.T) {
		c.Set("b", 2, 0)
		c.Set("c", 3, 0)
		c.Delete("b")
		_, ok := c.Get("b")
		assert.False(t, ok)

		c.Clear()
		assert.Equal(t, 0, c.Len())
	})
}

func TestLocalCache_GetOrSet(t *testing.T) {
	c, clock := newTestCache(0)
	defer c.Close()

	calls := 0
	create := func() interface{} {
		calls++
		return calls
	}

	assert.Equal(t, 1, c.GetOrSet("k", 0, create))
	assert.Equal(t, 1, c.GetOrSet("k", 0, create))
	assert.Equal(t, 1, calls)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.GetOrSet("k", 0, create))
}

func TestLocalCache_Touch(t *testing.T) {
	c, clock := newTestCache(0)
	defer c.Close()

	c.Set("k", "v", 0)
	clock.Advance(50 * time.Second)
	require.True(t, c.Touch("k", 0))
	clock.Advance(50 * time.Second)

	_, ok := c.Get("k")
	assert.True(t, ok)
	assert.False(t, c.Touch("missing", 0))
}

func TestLocalCache_MaxSize(t *testing.T) {
	c, clock := newTestCache(2)
	defer c.Close()

	c.Set("first", 1, time.Minute)
	clock.Advance(time.Second)
	c.Set("second", 2, time.Minute)
	clock.Advance(time.Second)
	c.Set("third", 3, time.Minute)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("first")
	assert.False(t, ok)
	_, ok = c.Get("third")
	assert.True(t, ok)

	t.Run("覆盖已有键不淘汰", func(t *testing.T) {
		c.Set("second", 22, time.Minute)
		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("third")
		assert.True(t, ok)
	})
}

func TestLocalCache_CleanupLoop(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newLocalCache(0, time.Millisecond, 5*time.Millisecond, clock.Now)
	defer c.Close()

	c.Set("k", 1, 0)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
}
