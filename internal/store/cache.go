// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package store

import (
	"strconv"
	"sync"
	"time"
)

// queryCache is a TTL cache over ranked query results. Every write to the
// views bumps a generation counter, which invalidates all cached results at
// once: rankings are cross-entry (one pair update can reorder many result
// lists), so per-key invalidation would serve stale rankings.
type queryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	gen     uint64
	hits    int64
	misses  int64
}

type cacheEntry struct {
	value     any
	gen       uint64
	expiresAt time.Time
}

// newQueryCache returns a cache with the given TTL, or nil when ttl is
// zero or negative. A nil *queryCache is a valid no-op cache.
func newQueryCache(ttl time.Duration) *queryCache {
	if ttl <= 0 {
		return nil
	}
	return &queryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// get returns the cached value and the generation observed during the
// lookup. On a miss the caller reads the views, then hands the observed
// generation back to put, which rejects the insert if a write landed in
// between: caching a pre-write ranking under the post-write generation
// would serve it as current until the TTL.
func (c *queryCache) get(key string) (value any, gen uint64, ok bool) {
	if c == nil {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.gen != c.gen || time.Now().After(entry.expiresAt) {
		c.misses++
		return nil, c.gen, false
	}
	c.hits++
	return entry.value, c.gen, true
}

func (c *queryCache) put(key string, value any, gen uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = cacheEntry{
		value:     value,
		gen:       gen,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate bumps the generation, expiring every cached result. Dead
// entries are swept opportunistically once the map grows.
func (c *queryCache) invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if len(c.entries) > 1024 {
		c.entries = make(map[string]cacheEntry)
	}
}

func (c *queryCache) stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func similarCacheKey(eventID int64, limit int) string {
	return "similar:" + strconv.FormatInt(eventID, 10) + ":" + strconv.Itoa(limit)
}

func recommendCacheKey(userID int64, limit int) string {
	return "recommend:" + strconv.FormatInt(userID, 10) + ":" + strconv.Itoa(limit)
}
