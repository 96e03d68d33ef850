// Package cache contains the bounded MRU cache, the per execution context L1 handle cache
// and the in-process shared L2 snapshot cache.
package cache

import "github.com/sharedcode/uow"

// EvictionListener observes entries removed by the capacity policy (not by Delete or Clear).
type EvictionListener[TK comparable, TV any] func(key TK, value TV)

// Cache is a generic bounded MRU cache. Once Count exceeds the maximum capacity, least recently
// used entries are evicted until Count is back at the minimum capacity.
type Cache[TK comparable, TV any] interface {
	// Clear removes all entries from the cache.
	Clear()
	// Set inserts or updates the given key/value pairs.
	Set(items []uow.KeyValuePair[TK, TV])
	// Get looks up the values for the given keys; missing keys yield zero values.
	Get(keys []TK) []TV
	// Peek returns the value of key without touching its recency.
	Peek(key TK) (TV, bool)
	// Delete removes the given keys from the cache, if present.
	Delete(keys []TK)
	// Keys lists the keys, most recently used first.
	Keys() []TK
	Count() int
	IsFull() bool
	// Evict applies the capacity policy.
	Evict()
}

type cacheEntry[TK, TV any] struct {
	data    TV
	dllNode *node[TK]
}

type cache[TK comparable, TV any] struct {
	lookup  map[TK]*cacheEntry[TK, TV]
	mru     *mru[TK, TV]
	onEvict EvictionListener[TK, TV]
}

// NewCache creates a new generic cache with MRU-based eviction. onEvict may be nil.
func NewCache[TK comparable, TV any](minCapacity, maxCapacity int, onEvict EvictionListener[TK, TV]) Cache[TK, TV] {
	if maxCapacity <= 0 {
		maxCapacity = 1
	}
	if minCapacity <= 0 || minCapacity > maxCapacity {
		minCapacity = maxCapacity
	}
	c := cache[TK, TV]{
		lookup:  make(map[TK]*cacheEntry[TK, TV], maxCapacity),
		onEvict: onEvict,
	}
	c.mru = newMru(&c, minCapacity, maxCapacity)
	return &c
}

func (c *cache[TK, TV]) Clear() {
	c.lookup = make(map[TK]*cacheEntry[TK, TV], c.mru.maxCapacity)
	c.mru = newMru(c, c.mru.minCapacity, c.mru.maxCapacity)
}

func (c *cache[TK, TV]) Set(items []uow.KeyValuePair[TK, TV]) {
	for i := range items {
		if v, ok := c.lookup[items[i].Key]; ok {
			v.data = items[i].Value
			c.mru.touch(v.dllNode)
			continue
		}
		c.lookup[items[i].Key] = &cacheEntry[TK, TV]{
			data:    items[i].Value,
			dllNode: c.mru.add(items[i].Key),
		}
	}
	c.Evict()
}

func (c *cache[TK, TV]) Get(keys []TK) []TV {
	r := make([]TV, len(keys))
	for i := range keys {
		if v, ok := c.lookup[keys[i]]; ok {
			c.mru.touch(v.dllNode)
			r[i] = v.data
		}
	}
	return r
}

func (c *cache[TK, TV]) Peek(key TK) (TV, bool) {
	if v, ok := c.lookup[key]; ok {
		return v.data, true
	}
	var zero TV
	return zero, false
}

func (c *cache[TK, TV]) Delete(keys []TK) {
	for i := range keys {
		if v, ok := c.lookup[keys[i]]; ok {
			c.mru.remove(v.dllNode)
			v.dllNode = nil
			delete(c.lookup, keys[i])
		}
	}
}

func (c *cache[TK, TV]) Keys() []TK {
	return c.mru.keys()
}

func (c *cache[TK, TV]) Count() int {
	return len(c.lookup)
}

func (c *cache[TK, TV]) IsFull() bool {
	return c.mru.isFull()
}

func (c *cache[TK, TV]) Evict() {
	c.mru.evict()
}
