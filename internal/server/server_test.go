package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/ratelimit"
	"github.com/mindmirror/mindmirror/internal/server"
	"github.com/mindmirror/mindmirror/internal/storage"
	"github.com/mindmirror/mindmirror/internal/testutil"
)

var (
	testContainer *testutil.TestContainer
	testDB        *storage.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	testContainer = testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	db, err := testContainer.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		testContainer.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close()
	testContainer.Terminate()
	os.Exit(code)
}

// newTestServer builds a server over the shared test database. The MCP
// server, gateway, and searcher stay nil: these tests cover the public
// REST surface only.
func newTestServer(t *testing.T, limiter ratelimit.Limiter) *server.Server {
	t.Helper()
	return server.New(server.ServerConfig{
		DB:                  testDB,
		Logger:              testutil.TestLogger(),
		Limiter:             limiter,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		PublicBaseURL:       "https://mindmirror.example.com",
		MemoryLimit:         25,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func TestGenerateToken(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generate-token",
		model.GenerateTokenRequest{UserName: "ada"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[model.GenerateTokenResponse](t, rec)
	assert.Len(t, resp.Token, 43)
	assert.Contains(t, resp.UserID, "user_")
	assert.Equal(t, "https://mindmirror.example.com/sse?token="+resp.Token, resp.URL)
	assert.Equal(t, 25, resp.MemoryLimit)
	assert.Zero(t, resp.MemoriesUsed)

	// The issued token authenticates.
	p, err := testDB.ValidateToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, p.UserID)
	assert.Equal(t, "ada", p.UserName)
}

func TestGenerateToken_EmptyBodyDefaultsAnonymous(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-token", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[model.GenerateTokenResponse](t, rec)
	p, err := testDB.ValidateToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", p.UserName)
}

func TestJoinWaitlist(t *testing.T) {
	srv := newTestServer(t, nil)
	email := fmt.Sprintf("taro-%s@example.com", uuid.New().String()[:8])

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/join-waitlist",
		model.JoinWaitlistRequest{Email: email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[model.JoinWaitlistResponse](t, rec)
	assert.Equal(t, email, resp.Email)
	assert.Equal(t, "You're on the list! We'll be in touch soon.", resp.Message)

	// Resubmitting does not reveal the address is already enrolled.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/join-waitlist",
		model.JoinWaitlistRequest{Email: email})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[model.JoinWaitlistResponse](t, rec)
	assert.Equal(t, resp.Message, again.Message)
}

func TestJoinWaitlist_NormalizesCase(t *testing.T) {
	srv := newTestServer(t, nil)
	local := uuid.New().String()[:8]

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/join-waitlist",
		model.JoinWaitlistRequest{Email: "  Mixed-" + local + "@Example.COM "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[model.JoinWaitlistResponse](t, rec)
	assert.Equal(t, "mixed-"+local+"@example.com", resp.Email)
}

func TestJoinWaitlist_InvalidEmail(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, email := range []string{"", "nodomain", "no-dot@localhost"} {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/join-waitlist",
			model.JoinWaitlistRequest{Email: email})
		require.Equal(t, http.StatusBadRequest, rec.Code, "email %q", email)

		apiErr := decodeBody[model.APIError](t, rec)
		assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
		assert.NotEmpty(t, apiErr.Meta.RequestID)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[model.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "mindmirror", resp.Server)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "connected", resp.Postgres)
	assert.Empty(t, resp.Qdrant, "no searcher configured")
}

func TestHealth_DatabaseDown(t *testing.T) {
	// A server over a closed pool reports degraded with 503.
	deadDB, err := testContainer.NewTestDB(context.Background(), testutil.TestLogger())
	require.NoError(t, err)
	deadDB.Close()

	srv := server.New(server.ServerConfig{
		DB:      deadDB,
		Logger:  testutil.TestLogger(),
		Version: "test",
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decodeBody[model.HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "disconnected", resp.Postgres)
}

func TestGenerateToken_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	defer limiter.Close()
	srv := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generate-token",
			model.GenerateTokenRequest{UserName: "burst"})
		require.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generate-token",
		model.GenerateTokenRequest{UserName: "burst"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	apiErr := decodeBody[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)

	// The waitlist bucket is independent of the token bucket.
	email := fmt.Sprintf("still-open-%s@example.com", uuid.New().String()[:8])
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/join-waitlist",
		model.JoinWaitlistRequest{Email: email})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	var sawMiddleware bool
	srv := server.New(server.ServerConfig{
		DB:     testDB,
		Logger: testutil.TestLogger(),
		ExtraRoutes: []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				mux.HandleFunc("GET /extra/ping", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})
			},
		},
		Middlewares: []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					sawMiddleware = true
					next.ServeHTTP(w, r)
				})
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/extra/ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, sawMiddleware)
}
