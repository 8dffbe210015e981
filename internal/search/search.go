// Package search provides vector search over memories using an external
// Qdrant index with transparent fallback to the Postgres ANN index when
// no searcher is configured or the index is unhealthy.
package search

import (
	"context"
	"math"
)

// Result holds a memory id and its raw similarity score from the search
// index. The caller hydrates full memory rows from Postgres (source of
// truth); rows deleted or archived since the last outbox drain simply
// fail to hydrate.
type Result struct {
	MemoryID string
	Score    float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns memory ids near the query vector for one user, best
	// first. tag narrows to a single category when non-empty.
	Search(ctx context.Context, userID string, embedding []float32, tag string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// SimilarityFromScore maps a Qdrant cosine score (range [-1, 1]) onto
// the [0, 1] scale the rest of the system compares thresholds against.
// Postgres lands on the same scale from the other direction: its cosine
// distance d in [0, 2] becomes max(0, 1 - d/2), and (1 + cos)/2 equals
// 1 - (1 - cos)/2.
func SimilarityFromScore(score float32) float64 {
	return math.Max(0, (1+float64(score))/2)
}
