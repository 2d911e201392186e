package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a size-bounded, thread-safe LRU cache whose entries also expire
// after a fixed TTL. Expired entries are dropped lazily on access and in
// bulk by CleanupExpired.
//
// The registry keeps fitted models in one of these; the server keeps parsed
// datasets in another.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	cache   *lru.Cache[K, *entry[V]]
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	expired uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// RemovalFunc is called, with the cache lock held, whenever an entry leaves
// the cache: LRU eviction, expiry, Remove or Purge. It must not call back
// into the cache.
type RemovalFunc[K comparable, V any] func(key K, value V)

// New creates a cache holding at most size entries. ttl == 0 disables expiry.
// onRemove may be nil.
func New[K comparable, V any](size int, ttl time.Duration, onRemove RemovalFunc[K, V]) (*LRU[K, V], error) {
	c := &LRU[K, V]{ttl: ttl, now: time.Now}
	inner, err := lru.NewWithEvict[K, *entry[V]](size, func(k K, e *entry[V]) {
		if onRemove != nil {
			onRemove(k, e.value)
		}
	})
	if err != nil {
		return nil, err
	}
	c.cache = inner
	return c, nil
}

func (c *LRU[K, V]) live(e *entry[V]) bool {
	return c.ttl == 0 || c.now().Before(e.expiresAt)
}

// Get returns the value for key and marks it recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if ok && !c.live(e) {
		c.cache.Remove(key)
		c.expired++
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Peek is Get without updating recency or statistics.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Peek(key)
	if !ok || !c.live(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, resetting its TTL. It reports whether an older
// entry was evicted to make room.
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	evicted := c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt})
	if evicted {
		c.evicted++
	}
	return evicted
}

// Remove deletes key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Remove(key)
}

// Keys returns the live keys, oldest first.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.cache.Keys()
	out := keys[:0]
	for _, k := range keys {
		if e, ok := c.cache.Peek(k); ok && c.live(e) {
			out = append(out, k)
		}
	}
	return out
}

// Len counts entries, including expired ones not yet cleaned up.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Purge removes everything.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// CleanupExpired drops every expired entry and returns how many it removed.
// It is O(n); callers run it from a ticker.
func (c *LRU[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.cache.Keys() {
		if e, ok := c.cache.Peek(k); ok && !c.live(e) {
			c.cache.Remove(k)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

// Stats are cumulative counters for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Expired uint64  `json:"expired"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns the current counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
		Evicted: c.evicted,
		Size:    c.cache.Len(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
