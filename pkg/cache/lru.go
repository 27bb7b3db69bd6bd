package cache

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry struct {
	value      any
	lastAccess time.Time
	ttl        time.Duration
	persist    bool
}

func (e *entry) expired(now time.Time) bool {
	return !e.persist && e.ttl > 0 && !now.Before(e.lastAccess.Add(e.ttl))
}

// LRU is a bounded cache evicting the least recently used entry. Entries
// not accessed within their time-to-live expire.
type LRU struct {
	clock quartz.Clock
	ttl   time.Duration

	// mtx guards the last access times of entries.
	mtx     sync.Mutex
	entries *lru.Cache[string, *entry]

	evictions prometheus.Counter
	expired   prometheus.Counter
}

// NewLRU returns a cache holding at most maxEntries values. A nil clock
// uses the real time.
func NewLRU(maxEntries int, ttl time.Duration, clock quartz.Clock, reg prometheus.Registerer) (*LRU, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	c := &LRU{
		clock: clock,
		ttl:   ttl,
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted because the cache was full.",
		}),
		expired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Name:      "cache_expired_total",
			Help:      "Total number of cache entries dropped after their time-to-live.",
		}),
	}
	entries, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		return nil, errors.Wrap(err, "create lru cache")
	}
	c.entries = entries
	return c, nil
}

// Get returns the value for key and refreshes its last access time.
func (c *LRU) Get(key string) (any, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	now := c.clock.Now()
	if e.expired(now) {
		c.entries.Remove(key)
		c.expired.Inc()
		return nil, false
	}
	e.lastAccess = now
	return e.value, true
}

// Set stores value under key and drops expired entries.
func (c *LRU) Set(key string, value any, opts SetOptions) {
	ttl := c.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	now := c.clock.Now()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.entries.Add(key, &entry{value: value, lastAccess: now, ttl: ttl, persist: opts.Persist}) {
		c.evictions.Inc()
	}
	c.prune(now)
}

func (c *LRU) prune(now time.Time) {
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && e.expired(now) {
			c.entries.Remove(k)
			c.expired.Inc()
		}
	}
}

// Delete removes key.
func (c *LRU) Delete(key string) {
	c.entries.Remove(key)
}

// Clear removes all entries.
func (c *LRU) Clear() {
	c.entries.Purge()
}

// Len returns the number of entries, including expired ones not yet pruned.
func (c *LRU) Len() int {
	return c.entries.Len()
}
