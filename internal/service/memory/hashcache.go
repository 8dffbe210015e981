package memory

import (
	"sync"
	"time"
)

// hashCache remembers which (user, exact_hash) pairs are known to exist,
// letting Remember answer repeated exact duplicates without an embedding
// call or a store round-trip. It is advisory only: entries may be stale
// after a forget on another instance, and misses fall through to the
// store's unique index, which is authoritative either way.
//
// A background goroutine evicts entries not touched recently so the map
// stays bounded by the active working set. Call Close to stop it.
type hashCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // key → last touch

	stopOnce sync.Once
	done     chan struct{}
}

func newHashCache() *hashCache {
	c := &hashCache{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Contains reports whether the pair is cached, refreshing its eviction
// clock on a hit.
func (c *hashCache) Contains(userID, hash string) bool {
	key := userID + ":" + hash
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.entries[key] = time.Now()
	return true
}

// Add records that the pair exists in the store.
func (c *hashCache) Add(userID, hash string) {
	c.mu.Lock()
	c.entries[userID+":"+hash] = time.Now()
	c.mu.Unlock()
}

// Remove drops the pair, typically after the backing row was deleted.
func (c *hashCache) Remove(userID, hash string) {
	c.mu.Lock()
	delete(c.entries, userID+":"+hash)
	c.mu.Unlock()
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (c *hashCache) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

const hashStaleThreshold = 1 * time.Hour

func (c *hashCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *hashCache) evictStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-hashStaleThreshold)
	for key, touched := range c.entries {
		if touched.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
