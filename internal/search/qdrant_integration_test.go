package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestQdrantIndex creates a QdrantIndex connected to a local address.
// The connection may succeed (gRPC lazy connects) even if no server is running,
// but actual RPCs will fail. This is sufficient for testing early-return paths,
// error handling, and caching logic.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334", // Non-standard port, no server running.
		Collection: "test_collection",
		Dims:       1536,
	}, testLogger)
	require.NoError(t, err, "NewQdrantIndex should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNewQdrantIndex_Valid(t *testing.T) {
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:6333",
		Collection: "memories",
		Dims:       1536,
	}, testLogger)

	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, "memories", idx.collection)
	assert.Equal(t, uint64(1536), idx.dims)
	assert.NotNil(t, idx.client)

	_ = idx.Close()
}

func TestNewQdrantIndex_InvalidURL(t *testing.T) {
	_, err := NewQdrantIndex(QdrantConfig{
		URL:        "",
		Collection: "memories",
		Dims:       1536,
	}, testLogger)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qdrant URL")
}

func TestNewQdrantIndex_HTTPSConfig(t *testing.T) {
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "https://qdrant.example.com:6333",
		APIKey:     "test-api-key",
		Collection: "my_collection",
		Dims:       768,
	}, testLogger)

	// This may fail if the qdrant client does TLS handshake eagerly,
	// but typically gRPC connects lazily.
	if err != nil {
		// Acceptable: some gRPC dial options cause immediate failure for TLS.
		assert.Contains(t, err.Error(), "connect to qdrant")
		return
	}

	require.NotNil(t, idx)
	assert.Equal(t, "my_collection", idx.collection)
	assert.Equal(t, uint64(768), idx.dims)

	_ = idx.Close()
}

func TestQdrantUpsert_EmptyPoints(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Upsert with empty points should return nil immediately without calling Qdrant.
	err := idx.Upsert(context.Background(), nil)
	assert.NoError(t, err)

	err = idx.Upsert(context.Background(), []Point{})
	assert.NoError(t, err)
}

func TestQdrantDeleteByIDs_EmptyIDs(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// DeleteByIDs with empty IDs should return nil immediately.
	err := idx.DeleteByIDs(context.Background(), nil)
	assert.NoError(t, err)

	err = idx.DeleteByIDs(context.Background(), []string{})
	assert.NoError(t, err)
}

func TestQdrantHealthErr_StoreAndLoad(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Initially, loadHealthErr should return nil.
	assert.Nil(t, idx.loadHealthErr())

	// Store an error.
	testErr := fmt.Errorf("connection refused")
	idx.storeHealthErr(testErr)
	loaded := idx.loadHealthErr()
	require.Error(t, loaded)
	assert.Equal(t, "connection refused", loaded.Error())

	// Store nil (healthy).
	idx.storeHealthErr(nil)
	assert.Nil(t, idx.loadHealthErr())

	// Store another error.
	idx.storeHealthErr(fmt.Errorf("timeout"))
	loaded = idx.loadHealthErr()
	require.Error(t, loaded)
	assert.Equal(t, "timeout", loaded.Error())
}

func TestQdrantHealthErr_CacheTiming(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Manually set a cached healthy result with a recent timestamp.
	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().UnixNano())

	// The fast path in Healthy checks time.Since < 5s. Since we just set it,
	// it should return the cached nil immediately without making a gRPC call.
	// We verify by checking that no error is returned (the gRPC call would fail
	// since no server is running).
	err := idx.Healthy(context.Background())
	assert.Nil(t, err, "cached healthy result should be returned from fast path")

	// Now set a cached error with a recent timestamp.
	cachedErr := fmt.Errorf("search: qdrant unhealthy: previous failure")
	idx.storeHealthErr(cachedErr)
	idx.healthAt.Store(time.Now().UnixNano())

	err = idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthy_ExpiredCache(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Set a cached healthy result with an old timestamp (>5s ago).
	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	// With expired cache, Healthy should make a real gRPC call, which will fail
	// because there's no Qdrant server running.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := idx.Healthy(ctx)
	require.Error(t, err, "expired cache should trigger real health check which fails")
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}

func TestQdrantClose(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Close should not panic. The cleanup in newTestQdrantIndex will also call Close,
	// but double-close on gRPC connections is safe.
	err := idx.Close()
	assert.NoError(t, err)
}

func TestQdrantSearch_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	embedding := make([]float32, 1536)
	results, err := idx.Search(ctx, "user_a", embedding, "", 10)

	require.Error(t, err, "search should fail without a running Qdrant server")
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, results)
}

func TestQdrantUpsert_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	points := []Point{
		{
			ID:        "mem_1724500000000",
			UserID:    "user_a",
			Tag:       "preference",
			CreatedAt: time.Now(),
			Embedding: make([]float32, 1536),
		},
	}

	err := idx.Upsert(ctx, points)
	require.Error(t, err, "upsert should fail without a running Qdrant server")
	assert.Contains(t, err.Error(), "qdrant upsert")
}

func TestQdrantDeleteByIDs_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := idx.DeleteByIDs(ctx, []string{"mem_1724500000000"})
	require.Error(t, err, "delete should fail without a running Qdrant server")
	assert.Contains(t, err.Error(), "qdrant delete")
}

func TestQdrantEnsureCollection_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := idx.EnsureCollection(ctx)
	require.Error(t, err, "ensure collection should fail without a running Qdrant server")
	assert.Contains(t, err.Error(), "check collection exists")
}

func TestQdrantHealthy_Concurrent(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Expire the cache so every goroutine takes the slow path; singleflight
	// must collapse them into one gRPC call and share its (failed) result.
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 8)
	for range 8 {
		go func() { errs <- idx.Healthy(ctx) }()
	}
	for range 8 {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant unhealthy")
	}
}
