// Package cache provides the bounded TTL cache that sits between the
// dashboard query layer and the aggregate tables. Entries expire on their
// own TTL, are evicted LRU when the cache is full, and are invalidated by
// key prefix when a processing run completes.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zsombor-n/open-webui/internal/logger"
)

// Cache is a thread-safe key/value store with per-entry TTLs.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int

	hits      uint64
	misses    uint64
	evictions uint64

	stopSweep chan struct{}
	stopOnce  sync.Once

	// now is replaceable in tests
	now func() time.Time
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Entries    int
	MaxEntries int
}

// New creates a cache holding at most maxEntries values. A background sweep
// removes expired entries every sweepInterval; pass 0 to disable the sweep
// (expired entries are still dropped lazily on access).
func New(maxEntries int, sweepInterval time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	c := &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		stopSweep:  make(chan struct{}),
		now:        time.Now,
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (any, bool) {
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry if the cache is full.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value any, ttl time.Duration) {
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = c.now().Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}

	if c.lru.Len() >= c.maxEntries {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}

	elem := c.lru.PushFront(&entry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
	c.entries[key] = elem
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// the result. The computation happens outside the lock so one slow query
// cannot stall unrelated cache traffic; two goroutines racing on the same
// missing key may both compute, last write wins.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if value, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.setLocked(key, value, ttl)
	c.mu.Unlock()
	return value, nil
}

// InvalidatePattern removes every entry whose key starts with prefix and
// returns the number removed. The pipeline calls this with operation
// prefixes after a successful run.
func (c *Cache) InvalidatePattern(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(elem)
			removed++
		}
	}
	if removed > 0 {
		logger.Info("cache entries invalidated", "prefix", prefix, "count", removed)
	}
	return removed
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Entries:    c.lru.Len(),
		MaxEntries: c.maxEntries,
	}
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopSweep:
			return
		}
	}
}

// removeExpired drops every expired entry. Also called directly by tests.
func (c *Cache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for _, elem := range c.entries {
		if now.After(elem.Value.(*entry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, e.key)
}
