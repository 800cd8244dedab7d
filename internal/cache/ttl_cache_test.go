package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	c := NewTTLCache[string, int](clock, 0)

	c.Set("a", 1, time.Minute)
	c.Set("forever", 2, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheBounded(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	c := NewTTLCache[int, string](clock, 2)
	c.Set(1, "one", time.Minute)
	c.Set(2, "two", time.Hour)
	c.Set(3, "three", time.Hour)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok, "soonest-expiring entry is evicted")
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestNilCache(t *testing.T) {
	t.Parallel()
	var c *TTLCache[string, int]
	c.Set("a", 1, time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
