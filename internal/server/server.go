package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mindmirror/mindmirror/internal/gateway"
	"github.com/mindmirror/mindmirror/internal/ratelimit"
	"github.com/mindmirror/mindmirror/internal/search"
	"github.com/mindmirror/mindmirror/internal/storage"
)

// Server is the MindMirror public HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Gateway, Sessions, MCPServer, Searcher, Limiter.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Gateway   *gateway.Gateway
	Sessions  *gateway.SessionTable
	MCPServer *mcpserver.MCPServer
	Searcher  search.Searcher
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	PublicBaseURL       string
	MemoryLimit         int
	AllowedOrigins      []string

	// Extension points for embedding consumers.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Sessions:            cfg.Sessions,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		PublicBaseURL:       cfg.PublicBaseURL,
		MemoryLimit:         cfg.MemoryLimit,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Both public API endpoints are unauthenticated, so limits key on
	// the client IP. Separate prefixes keep the buckets independent.
	tokenRL := ratelimit.Middleware(cfg.Limiter, "token", ratelimit.IPKeyFunc, reqIDFunc)
	waitlistRL := ratelimit.Middleware(cfg.Limiter, "waitlist", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance + waitlist (no auth required, rate limited by IP).
	mux.Handle("POST /api/generate-token", tokenRL(http.HandlerFunc(h.HandleGenerateToken)))
	mux.Handle("POST /api/join-waitlist", waitlistRL(http.HandlerFunc(h.HandleJoinWaitlist)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// SSE gateway: the stream leg plus the message leg it binds to.
	// /messages/ is the legacy spelling some clients still send.
	if cfg.Gateway != nil {
		mux.HandleFunc("GET /sse", cfg.Gateway.HandleSSE)
		mux.HandleFunc("POST /sse", cfg.Gateway.HandleSSE)
		mux.HandleFunc("POST /message", cfg.Gateway.HandleMessage)
		mux.HandleFunc("POST /messages/", cfg.Gateway.HandleMessage)
	}

	// Streamable HTTP MCP transport, served in-process. The gateway
	// wrapper resolves bearer tokens and injects them into tool calls;
	// the bare path redirects into the mount.
	if cfg.MCPServer != nil {
		var mcpHandler http.Handler = mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		if cfg.Gateway != nil {
			mcpHandler = cfg.Gateway.WrapStreamable(mcpHandler)
		}
		mux.Handle("/mcp/", mcpHandler)
		mux.HandleFunc("/mcp", gateway.RedirectMCP)
	}

	// Extension routes register after the built-in ones.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → CORS → recovery → extensions → handler.
	var handler http.Handler = mux
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = gateway.CORS(cfg.AllowedOrigins)(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for direct access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
