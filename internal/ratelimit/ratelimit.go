// Package ratelimit guards MindMirror's unauthenticated public endpoints
// (token issuance, waitlist signup) with a per-key token bucket.
//
// The in-process MemoryLimiter is sufficient for a single instance;
// multi-instance deployments can substitute a shared implementation —
// the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque — callers construct it (e.g. "token:ip:203.0.113.9").
	// An error signals a limiter malfunction; callers treat errors as
	// fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
