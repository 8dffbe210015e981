package mindmirror

import "context"

// EmbeddingProvider generates the vectors stored alongside memories and
// used to embed recall queries. Implementations must be safe for
// concurrent use.
//
// The built-in providers (OpenAI, Ollama, noop) are selected from config;
// use WithEmbeddingProvider to substitute one, e.g. a local model or a
// caching wrapper.
type EmbeddingProvider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, index-aligned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed length of every returned vector; it must
	// match the vector column width the store was migrated with.
	Dimensions() int
}

// SearchResult is one hit from an external Searcher: a memory id and its
// cosine similarity score in [-1, 1]. Rows are hydrated from Postgres,
// so stale ids (deleted since the last index sync) are skipped silently.
type SearchResult struct {
	MemoryID string
	Score    float32
}

// Searcher answers recall-side nearest-neighbour queries for one user.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns up to limit memory ids near the embedding, best
	// first, scoped to userID. tag narrows to one category when non-empty.
	Search(ctx context.Context, userID string, embedding []float32, tag string, limit int) ([]SearchResult, error)

	// Healthy returns nil when the index is reachable.
	Healthy(ctx context.Context) error
}
