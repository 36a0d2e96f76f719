package kvdb

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedValue is what the value cache stores per key: the decoded value
// plus the TTL it was read with, so a cache hit can still answer the
// expiry question without touching the data file (§4.6).
type cachedValue struct {
	value  []byte
	expiry int64
}

// ValueCache is a bounded LRU of key to decoded value. Capacity 0 disables
// caching entirely, per the Open Question in spec §9 resolved in favor of
// "disabled" rather than an LRU of size zero.
type ValueCache struct {
	lru *lru.Cache[string, cachedValue]
}

// newValueCache builds a cache with the given capacity. A non-positive
// capacity disables the cache.
func newValueCache(capacity int) (*ValueCache, error) {
	if capacity <= 0 {
		return &ValueCache{}, nil
	}
	c, err := lru.New[string, cachedValue](capacity)
	if err != nil {
		return nil, err
	}
	return &ValueCache{lru: c}, nil
}

func (c *ValueCache) enabled() bool { return c != nil && c.lru != nil }

// Get returns the cached value for key, if present. It does not itself
// check expiry; the caller (Engine.Get) applies the TTL check so that the
// "stale TTL" bug flagged in §4.6 cannot happen by construction: the
// expiry is read and checked in the same call.
func (c *ValueCache) Get(key string) (cachedValue, bool) {
	if !c.enabled() {
		return cachedValue{}, false
	}
	return c.lru.Get(key)
}

// Set installs or refreshes a cached value, touching it as most-recently
// used.
func (c *ValueCache) Set(key string, value []byte, expiry int64) {
	if !c.enabled() {
		return
	}
	c.lru.Add(key, cachedValue{value: value, expiry: expiry})
}

// Remove evicts key, used on delete and on a TTL-expired read.
func (c *ValueCache) Remove(key string) {
	if !c.enabled() {
		return
	}
	c.lru.Remove(key)
}

// Purge clears the entire cache, used after compaction.
func (c *ValueCache) Purge() {
	if !c.enabled() {
		return
	}
	c.lru.Purge()
}

// Len reports the number of cached entries.
func (c *ValueCache) Len() int {
	if !c.enabled() {
		return 0
	}
	return c.lru.Len()
}
