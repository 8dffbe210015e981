package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	t.Run("generates an id when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("echoes the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "caller-chosen-id")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "caller-chosen-id", seen)
		assert.Equal(t, "caller-chosen-id", rec.Header().Get("X-Request-ID"))
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

// The logging wrapper sits between the gateway's stream handlers and the
// real connection, so it must not hide Flusher from them.
func TestStatusWriterKeepsFlusher(t *testing.T) {
	var flushable bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	loggingMiddleware(testutil.TestLogger(), inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))

	assert.True(t, flushable, "handlers behind loggingMiddleware must still see http.Flusher")
}

func TestStatusWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rc := http.NewResponseController(sw)
	require.NoError(t, rc.Flush())
	assert.True(t, rec.Flushed)
}

func TestStatusWriterRecordsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusTeapot, sw.statusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	recoveryMiddleware(testutil.TestLogger(), inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var errResp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, model.ErrCodeInternalError, errResp.Error.Code)
}

func TestRecoveryMiddlewareLetsAbortThrough(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})
	wrapped := recoveryMiddleware(testutil.TestLogger(), inner)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	})
}

func TestWriteJSONIsFlat(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, model.JoinWaitlistResponse{Message: "ok", Email: "a@b.co"})

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"ok","email":"a@b.co"}`, rec.Body.String())
}

func TestWriteErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	writeError(rec, req, http.StatusBadRequest, model.ErrCodeInvalidInput, "nope")

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, model.ErrCodeInvalidInput, errResp.Error.Code)
	assert.Equal(t, "nope", errResp.Error.Message)
	assert.False(t, errResp.Meta.Timestamp.IsZero())
}

func TestDecodeJSON(t *testing.T) {
	t.Run("valid body decodes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.co"}`))
		rec := httptest.NewRecorder()
		var target model.JoinWaitlistRequest
		require.NoError(t, decodeJSON(rec, req, &target, 1024))
		assert.Equal(t, "a@b.co", target.Email)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.co","bogus":1}`))
		rec := httptest.NewRecorder()
		var target model.JoinWaitlistRequest
		err := decodeJSON(rec, req, &target, 1024)
		require.Error(t, err)

		handleDecodeError(rec, req, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, model.ErrCodeInvalidInput, errResp.Error.Code)
	})

	t.Run("oversized body rejected with 413", func(t *testing.T) {
		body := `{"email":"` + strings.Repeat("a", 200) + `@example.com"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		var target model.JoinWaitlistRequest
		err := decodeJSON(rec, req, &target, 16)
		require.Error(t, err)

		handleDecodeError(rec, req, err)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

		var errResp model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Contains(t, errResp.Error.Message, "exceeds")
	})
}
