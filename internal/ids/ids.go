// Package ids mints the time-ordered identifiers memories and
// checkpoints are keyed by: a short prefix, an underscore, and
// milliseconds since the Unix epoch.
package ids

import (
	"fmt"
	"sync"
	"time"
)

// issuer hands out strictly increasing millisecond values so two writes
// landing in the same millisecond never share an id. Uniqueness holds
// within one process; a multi-instance deployment would need a
// different scheme.
type issuer struct {
	mu   sync.Mutex
	last int64
}

var global issuer

// NewMemoryID returns the id for a new long-term memory.
func NewMemoryID() string {
	return global.next("mem")
}

// NewCheckpointID returns the id for a new checkpoint.
func NewCheckpointID() string {
	return global.next("chk")
}

func (i *issuer) next(prefix string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= i.last {
		now = i.last + 1
	}
	i.last = now
	return fmt.Sprintf("%s_%d", prefix, now)
}
