// Package cache bounds the per-site confidence snapshots served by
// status queries. Snapshots are refreshed by the cycle scheduler; the
// cache only affects observability, never graduation decisions.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/siteloop/optimizer/internal/api"
)

// ConfidenceCache is a size-bounded, TTL-expiring map of
// siteID -> ConfidenceSnapshot, safe for concurrent use.
type ConfidenceCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *entry]
	ttl   time.Duration
	hits  uint64
	miss  uint64
}

type entry struct {
	snapshot  api.ConfidenceSnapshot
	expiresAt time.Time
}

// NewConfidenceCache creates a cache holding up to size sites. A TTL of
// 0 disables expiration (snapshots then live until evicted or replaced).
func NewConfidenceCache(size int, ttl time.Duration) (*ConfidenceCache, error) {
	c, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}
	return &ConfidenceCache{cache: c, ttl: ttl}, nil
}

// Get returns the site's cached snapshot, or false when absent or
// expired. Takes the write lock: the hit/miss counters and the LRU
// recency list both mutate on reads.
func (c *ConfidenceCache) Get(siteID string) (api.ConfidenceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(siteID)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.miss++
		return api.ConfidenceSnapshot{}, false
	}
	c.hits++
	return e.snapshot, true
}

// Put stores the site's latest snapshot.
func (c *ConfidenceCache) Put(siteID string, snap api.ConfidenceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(siteID, &entry{snapshot: snap, expiresAt: expiresAt})
}

// Invalidate drops the site's snapshot, e.g. after graduation ends the
// experiment it described.
func (c *ConfidenceCache) Invalidate(siteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(siteID)
}

// Stats reports hit/miss counters for observability.
func (c *ConfidenceCache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.miss, c.cache.Len()
}
