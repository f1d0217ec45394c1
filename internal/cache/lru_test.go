package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[int](2, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	_, ok = c.Get("b")
	require.False(t, ok, "b was least recently used")
	require.Equal(t, 2, c.Size())
}

func TestLRUCacheExpiresEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewLRUCacheWithClock[string](10, time.Minute, clock)
	c.Set("k", "v")
	c.Set("other", "v")

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	require.False(t, ok)

	require.Equal(t, 1, c.CleanExpired())
	require.Equal(t, 0, c.Size())
}

func TestManagerSweepsRegisteredCaches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewLRUCacheWithClock[struct{}](10, time.Minute, clock)
	c.Set("a", struct{}{})
	c.Set("b", struct{}{})

	m := NewManagerWithClock(clock)
	m.Register(c)
	require.Equal(t, 0, m.Sweep())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, m.Sweep())
	require.Equal(t, 0, c.Size())
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := NewManager()
	m.Stop()
	m.StartCleanup(time.Hour)
	m.Stop()
}
