package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresPerEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](clk)

	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)

	clk.Advance(2 * time.Minute)

	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheInvalidate(t *testing.T) {
	c := NewTTLCache[string, string](clock.NewFakeClock(time.Now()))
	c.Set("case:1", "a", time.Hour)
	c.Set("case:2", "b", time.Hour)
	c.Set("stats:x", "c", time.Hour)

	c.Invalidate("case:1")
	_, ok := c.Get("case:1")
	assert.False(t, ok)

	c.InvalidateFunc(func(k string) bool { return k[:5] == "stats" })
	_, ok = c.Get("stats:x")
	assert.False(t, ok)
	_, ok = c.Get("case:2")
	assert.True(t, ok)
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[int, int](nil)
	c.Set(1, 1, 0)
	_, ok := c.Get(1)
	assert.False(t, ok)
}
