package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCacheWithClock[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Empty(t, c.items)
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := newTTLCacheWithClock[string, int](time.Now)
	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheDelete(t *testing.T) {
	c := newTTLCacheWithClock[string, int](time.Now)
	c.Set("a", 1, time.Hour)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}
