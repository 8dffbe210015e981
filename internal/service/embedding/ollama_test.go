package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves the /api/embeddings endpoint, deriving a small
// deterministic vector from the prompt so batch ordering is observable.
func fakeOllama(t *testing.T, fn http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embeddings", fn)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func promptVector(prompt string) []float32 {
	return []float32{float32(len(prompt)), 1, 0}
}

func TestOllamaEmbed(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: promptVector(req.Prompt),
		})
	})

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3)
	assert.Equal(t, 3, p.Dimensions())

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, promptVector("hello"), vec.Slice())
}

func TestOllamaEmbed_ServerError(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	p := NewOllamaProvider(srv.URL, "missing-model", 3)
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaEmbed_EmptyEmbedding(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	})

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3)
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestOllamaEmbedBatch_PreservesOrder(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: promptVector(req.Prompt),
		})
	})

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, promptVector(text), vecs[i].Slice(), "index %d", i)
	}
}

func TestOllamaEmbedBatch_PropagatesFirstError(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Contains(req.Prompt, "poison") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: promptVector(req.Prompt),
		})
	})

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3)
	_, err := p.EmbedBatch(context.Background(), []string{"fine", "poison", "fine"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch item 1")
}

func TestOllamaEmbedBatch_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: promptVector(req.Prompt),
		})
	})

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3)

	texts := make([]string, 32)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	_, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(ollamaMaxConcurrency))
}

func TestOllamaEmbedBatch_Empty(t *testing.T) {
	p := NewOllamaProvider("http://localhost:1", "nomic-embed-text", 3)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}
