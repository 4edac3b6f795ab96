package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLFU(t *testing.T) *LFUCache {
	t.Helper()
	c, err := NewLFUCache(DefaultLocalCacheConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestLFUCacheSetGet(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	require.True(t, c.Set("task:1", []byte(`{"id":"1"}`), now, time.Minute))

	data, found := c.Get("task:1", now)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"1"}`, string(data))

	assert.False(t, c.Set("task:2", []byte("1"), now, 0))
}

func TestLFUCacheHonoursCallerClock(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	c.Set("task:1", []byte("1"), now, 10*time.Second)

	_, found := c.Get("task:1", now.Add(10*time.Second))
	assert.False(t, found)
	assert.Equal(t, int64(1), c.Metrics().Expired)
}

func TestLFUCacheDeleteAndClear(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	c.Set("a", []byte("1"), now, time.Minute)
	c.Set("b", []byte("2"), now, time.Minute)
	c.Delete("a")

	_, found := c.Get("a", now)
	assert.False(t, found)

	c.Clear()
	_, found = c.Get("b", now)
	assert.False(t, found)
	assert.Zero(t, c.Metrics().Size)
}

func TestLFUCacheMetrics(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	c.Set("a", []byte("1"), now, time.Minute)
	c.Get("a", now)
	c.Get("b", now)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
}

func TestLFUCacheSizeTracksLiveEntries(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	c.Set("a", []byte("1"), now, time.Minute)
	c.Set("a", []byte("2"), now, time.Minute)
	c.Set("b", []byte("3"), now, time.Minute)
	assert.Equal(t, int64(2), c.Metrics().Size, "overwrite is not a new entry")

	c.Delete("a")
	assert.Equal(t, int64(1), c.Metrics().Size)

	_, found := c.Get("b", now.Add(time.Minute))
	assert.False(t, found)
	m := c.Metrics()
	assert.Zero(t, m.Size, "expired entry is removed on read")
	assert.Zero(t, m.Evictions)
}

func TestLFUCacheClearIsNotEviction(t *testing.T) {
	c := newTestLFU(t)
	now := time.Now()

	c.Set("a", []byte("1"), now, time.Minute)
	c.Set("b", []byte("2"), now, time.Minute)
	c.Clear()

	m := c.Metrics()
	assert.Zero(t, m.Size)
	assert.Zero(t, m.Evictions)
}

func TestLFUCacheRejectsOversizedValue(t *testing.T) {
	cfg := DefaultLocalCacheConfig()
	cfg.MaxCost = 8
	c, err := NewLFUCache(cfg)
	require.NoError(t, err)
	defer c.Close()

	c.Set("big", make([]byte, 64), time.Now(), time.Minute)
	_, found := c.Get("big", time.Now())
	assert.False(t, found)
	m := c.Metrics()
	assert.Equal(t, int64(1), m.Rejected)
	assert.Zero(t, m.Size)
}

func TestLFUCacheFactory(t *testing.T) {
	local, err := NewLFUCacheFactory(DefaultLocalCacheConfig()).Create()
	require.NoError(t, err)
	defer local.Close()

	_, ok := local.(*LFUCache)
	assert.True(t, ok)
}

func TestLFUCacheInvalidConfig(t *testing.T) {
	_, err := NewLFUCache(LocalCacheConfig{})
	assert.Error(t, err)
}
