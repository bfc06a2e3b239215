package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache[int64, string]().WithClock(func() time.Time { return now })

	c.Set(1, "live", 2*time.Second)
	got, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "live", got)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheDeleteAndZeroTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("b", 2, time.Minute)
	c.Set("b", 3, 0)
	_, ok = c.Get("b")
	assert.False(t, ok)
}
