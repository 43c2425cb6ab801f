// Package refcache provides small per-process TTL caches for reference
// data and active-batch lookups.
//
// All authoritative state lives in the database; these caches only shave
// repeated lookups inside a burst of events. Entries are evicted on writes
// to the same entity and expire on TTL.
package refcache

import (
	"sync"
	"time"
)

// TTL tiers. Reference entities rarely change; active batches flip on
// every promotion, so their entries are short-lived.
const (
	GeneralTTL     = 30 * time.Minute
	RareChangeTTL  = time.Hour
	ActiveBatchTTL = 5 * time.Minute
)

// defaultMaxEntries bounds each cache; eviction removes the oldest expiry
// first.
const defaultMaxEntries = 10000

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a bounded TTL map keyed by K.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[K]entry[V]
	clock   func() time.Time
}

// New builds a cache with the given TTL and the default size bound.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		max:     defaultMaxEntries,
		entries: make(map[K]entry[V]),
		clock:   time.Now,
	}
}

// Get returns the cached value and whether it is present and fresh.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.clock().After(e.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores a value. When the cache is full, the entry closest to expiry
// is dropped.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock().Add(c.ttl)}
}

// Evict removes the entry for key. Called on writes to the same entity.
func (c *Cache[K, V]) Evict(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len returns the live entry count, expired entries included until their
// next Get.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldest    time.Time
		first     = true
	)
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			oldestKey, oldest, first = k, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
