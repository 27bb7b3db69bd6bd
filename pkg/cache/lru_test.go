package cache

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLRU_Expiry(t *testing.T) {
	clock := quartz.NewMock(t)
	c, err := NewLRU(10, time.Minute, clock, nil)
	require.NoError(t, err)

	c.Set("foo", 1, SetOptions{})
	v, ok := c.Get("foo")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// Get refreshes the last access time.
	clock.Advance(59 * time.Second)
	_, ok = c.Get("foo")
	require.True(t, ok)
	clock.Advance(59 * time.Second)
	_, ok = c.Get("foo")
	require.True(t, ok)

	// Expires once the ttl passed since the last access.
	clock.Advance(time.Minute)
	_, ok = c.Get("foo")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(c.expired))
	require.Equal(t, 0.0, testutil.ToFloat64(c.evictions))
}

func TestLRU_PersistAndEntryTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	c, err := NewLRU(10, time.Minute, clock, nil)
	require.NoError(t, err)

	c.Set("persisted", "a", SetOptions{Persist: true})
	c.Set("short", "b", SetOptions{TTL: time.Second})

	clock.Advance(time.Second)
	_, ok := c.Get("short")
	require.False(t, ok)

	clock.Advance(time.Hour)
	v, ok := c.Get("persisted")
	require.True(t, ok)
	require.Equal(t, "a", v)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewLRU(2, time.Hour, quartz.NewMock(t), reg)
	require.NoError(t, err)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	_, _ = c.Get("a")
	c.Set("c", 3, SetOptions{})

	_, ok := c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(c.evictions))
}

func TestLRU_PruneOnSet(t *testing.T) {
	clock := quartz.NewMock(t)
	c, err := NewLRU(10, time.Minute, clock, nil)
	require.NoError(t, err)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	clock.Advance(2 * time.Minute)
	c.Set("c", 3, SetOptions{})
	require.Equal(t, 1, c.Len())
	require.Equal(t, 2.0, testutil.ToFloat64(c.expired))
	require.Equal(t, 0.0, testutil.ToFloat64(c.evictions))
}

func TestLRU_DeleteAndClear(t *testing.T) {
	c, err := NewLRU(10, 0, quartz.NewMock(t), nil)
	require.NoError(t, err)
	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	c.Delete("a")
	_, ok := c.Get("a")
	require.False(t, ok)
	c.Clear()
	require.Equal(t, 0, c.Len())

	// only capacity evictions are counted
	require.Equal(t, 0.0, testutil.ToFloat64(c.evictions))
}

func TestVoid(t *testing.T) {
	c := NewVoid()
	c.Set("a", 1, SetOptions{Persist: true})
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestNew(t *testing.T) {
	c, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.IsType(t, void{}, c)

	reg := prometheus.NewRegistry()
	c, err = New(Config{Enabled: true, MaxEntries: 5, TTL: time.Hour}, reg)
	require.NoError(t, err)
	c.Set("a", 1, SetOptions{})
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	ic := c.(*instrumentedCache)
	require.Equal(t, 2.0, testutil.ToFloat64(ic.requests))
	require.Equal(t, 1.0, testutil.ToFloat64(ic.hits))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())
	require.Error(t, (&Config{Enabled: true}).Validate())
	require.NoError(t, (&Config{Enabled: true, MaxEntries: 1}).Validate())
}
