// Package cache provides a size-bounded, TTL-aware LRU read cache with
// pattern invalidation and de-duplicated read-through loading.
package cache

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

// Config configures a Cache.
type Config[V any] struct {
	// MaxBytes bounds the summed size of cached values.
	MaxBytes int64
	// DefaultTTL applies when Set is called with ttl 0. Zero means entries
	// never expire.
	DefaultTTL time.Duration
	// SizeOf reports the size of a value in bytes.
	SizeOf func(V) int64
	Now    func() time.Time
}

type item[V any] struct {
	value   V
	size    int64
	expires time.Time
}

func (it *item[V]) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// Stats reports cache activity.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
	Bytes       int64  `json:"bytes"`
	MaxBytes    int64  `json:"max_bytes"`
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *item[V]]
	bytes      int64
	maxBytes   int64
	defaultTTL time.Duration
	sizeOf     func(V) int64
	now        func() time.Time

	// gen changes on every invalidation so a load that raced with one does
	// not repopulate the cache with what it read before.
	gen   uint64
	group singleflight.Group

	stats Stats
}

// New creates a cache.
func New[V any](cfg Config[V]) *Cache[V] {
	c := &Cache[V]{
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		sizeOf:     cfg.SizeOf,
		now:        cfg.Now,
	}
	if c.sizeOf == nil {
		c.sizeOf = func(V) int64 { return 1 }
	}
	if c.now == nil {
		c.now = time.Now
	}
	// Capacity is enforced in bytes; the entry count limit is never reached.
	c.lru, _ = simplelru.NewLRU[string, *item[V]](math.MaxInt32, func(_ string, it *item[V]) {
		c.bytes -= it.size
	})
	return c
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	it, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if it.expired(c.now()) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return it.value, true
}

// Set stores value under key. A ttl of zero uses the default TTL. A value
// larger than the whole cache is rejected with a CapacityError.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, ttl)
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) error {
	size := c.sizeOf(value)
	if c.maxBytes > 0 && size > c.maxBytes {
		c.lru.Remove(key)
		return &vaulterr.CapacityError{Resource: "cache", Limit: c.maxBytes, Requested: size}
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	it := &item[V]{value: value, size: size}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}

	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.size
	}
	c.lru.Add(key, it)
	c.bytes += size
	c.evictLocked()
	return nil
}

// evictLocked brings the cache back under its byte budget. Expired entries go
// first; after that, least recently used.
func (c *Cache[V]) evictLocked() {
	if c.maxBytes <= 0 || c.bytes <= c.maxBytes {
		return
	}
	now := c.now()
	for _, key := range c.lru.Keys() {
		if it, ok := c.lru.Peek(key); ok && it.expired(now) {
			c.lru.Remove(key)
			c.stats.Expirations++
		}
	}
	for c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.stats.Evictions++
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.lru.Remove(key)
}

// Invalidate removes every key matching pattern and returns how many were
// removed. A pattern without wildcards matches one key; "prefix*" matches a
// key prefix; anything else is a glob with '/' as the separator.
func (c *Cache[V]) Invalidate(pattern string) (int, error) {
	match, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	n := 0
	for _, key := range c.lru.Keys() {
		if match(key) {
			c.lru.Remove(key)
			n++
		}
	}
	return n, nil
}

func compilePattern(pattern string) (func(string) bool, error) {
	const meta = `*?[]{}\`
	if !strings.ContainsAny(pattern, meta) {
		return func(k string) bool { return k == pattern }, nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, meta) {
		return func(k string) bool { return strings.HasPrefix(k, prefix) }, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, vaulterr.ErrInvalid)
	}
	return g.Match, nil
}

// GetOrLoad returns the cached value or calls load once per key across
// concurrent callers, caching a successful result.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		// Shared by every waiter, so one caller giving up must not fail the rest.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			// Oversized values are served uncached.
			_ = c.setLocked(key, v, ttl)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Purge empties the cache.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

// Len returns the number of entries, expired ones included until touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = c.lru.Len()
	st.Bytes = c.bytes
	st.MaxBytes = c.maxBytes
	return st
}
