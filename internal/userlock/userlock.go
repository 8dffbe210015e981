// Package userlock serialises write operations per user.
//
// Remember, forget, and checkpoint saves for the same user must not
// interleave: each reads neighbour state (conflict edges, quota count,
// previous checkpoint) and writes back derived values. The registry
// hands out one mutex per user id and garbage-collects entries that no
// goroutine holds or has touched recently.
package userlock

import (
	"sync"
	"time"
)

// entry is the lock state for one user id.
type entry struct {
	mu         sync.Mutex
	refs       int       // goroutines holding or waiting on mu
	lastAccess time.Time // updated on release; read by eviction
}

// Registry hands out per-user mutexes.
//
// A background goroutine evicts entries that have no holders and have
// been idle for a while, so the map stays bounded by the active user
// set rather than the historical one. Call Close to stop it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry creates a lock registry and starts its eviction goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Lock blocks until the caller holds the user's mutex and returns the
// release function. Release exactly once; defer is the expected shape:
//
//	unlock := locks.Lock(userID)
//	defer unlock()
func (r *Registry) Lock(userID string) func() {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		e.lastAccess = time.Now()
		r.mu.Unlock()
	}
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts entries that are idle and unheld.
func (r *Registry) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for userID, e := range r.entries {
		if e.refs == 0 && e.lastAccess.Before(cutoff) {
			delete(r.entries, userID)
		}
	}
}

// size reports the current entry count. Test hook.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
