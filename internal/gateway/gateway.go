// Package gateway terminates public MCP traffic, authenticates it, and
// relays it to the in-process MCP server.
//
// The SSE transport splits identity across two HTTP legs: the stream leg
// carries the token, the message leg carries the tool calls. The gateway
// joins them — it validates the token when the stream opens, watches the
// upstream endpoint event for the session id, binds id to principal, and
// stamps the bound token into every tools/call frame on the message leg.
// Tool handlers therefore always see user_token regardless of what the
// client sent. The Streamable HTTP transport carries both halves in one
// request, so there the same injection runs as plain middleware.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mindmirror/mindmirror/internal/ctxutil"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/storage"
)

// protocolVersion is stamped on every response the gateway touches.
const protocolVersion = "2025-06-18"

// TokenValidator authenticates bearer tokens. *storage.DB implements it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (model.Principal, error)
}

// Config carries the gateway's dependencies.
type Config struct {
	// UpstreamURL is the base URL of the internal MCP server,
	// e.g. http://127.0.0.1:8081. Required.
	UpstreamURL string

	// Tokens validates bearer tokens. Required.
	Tokens TokenValidator

	// Sessions is the shared session table. Required.
	Sessions *SessionTable

	// Logger for gateway events. Defaults to slog.Default.
	Logger *slog.Logger

	// MessageTimeout bounds message-leg round trips. Defaults to 30s.
	// The stream leg is never subject to a timeout.
	MessageTimeout time.Duration
}

// Gateway proxies the SSE stream and message legs to the internal MCP
// server and owns the session bindings between them.
type Gateway struct {
	upstream string
	tokens   TokenValidator
	sessions *SessionTable
	logger   *slog.Logger

	// streamClient has no timeout: SSE streams stay open for hours and
	// are torn down by context cancellation when the client goes away.
	streamClient *http.Client
	msgClient    *http.Client
}

// New creates a Gateway. UpstreamURL, Tokens, and Sessions are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.UpstreamURL == "" {
		return nil, errors.New("gateway: upstream URL is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("gateway: token validator is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("gateway: session table is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msgTimeout := cfg.MessageTimeout
	if msgTimeout <= 0 {
		msgTimeout = 30 * time.Second
	}
	return &Gateway{
		upstream:     strings.TrimRight(cfg.UpstreamURL, "/"),
		tokens:       cfg.Tokens,
		sessions:     cfg.Sessions,
		logger:       logger,
		streamClient: &http.Client{},
		msgClient:    &http.Client{Timeout: msgTimeout},
	}, nil
}

// bearerToken extracts the caller's token: the Authorization header wins,
// the token query parameter is the fallback for clients that cannot set
// headers on EventSource connections.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the request's token to a principal. Failures are
// reported to the client as a bare 401 with no detail.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (model.Principal, string, bool) {
	token := bearerToken(r)
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return model.Principal{}, "", false
	}
	principal, err := g.tokens.ValidateToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.logger.Error("gateway: token validation failed", "error", err)
		}
		w.WriteHeader(http.StatusUnauthorized)
		return model.Principal{}, "", false
	}
	return principal, token, true
}

// sessionIDPattern matches the session identifier the upstream announces
// in its endpoint event. Covers both sessionId=<uuid> and
// session_id=<hex> spellings.
var sessionIDPattern = regexp.MustCompile(`session_?[iI]d=([0-9a-fA-F-]+)`)

// HandleSSE proxies the stream leg. It authenticates the caller, opens
// the upstream stream, binds the announced session id to the caller's
// principal, and then relays bytes untouched with a flush per chunk.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	principal, token, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, g.upstream+"/sse", nil)
	if err != nil {
		g.logger.Error("gateway: building upstream request failed", "error", err)
		http.Error(w, "MCP server unavailable", http.StatusServiceUnavailable)
		return
	}
	// Preserve the public Host so the tool layer's host allow-list sees
	// what the client dialed, not the internal loopback address.
	req.Host = r.Host
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := g.streamClient.Do(req)
	if err != nil {
		g.logger.Error("gateway: upstream connect failed", "upstream", g.upstream, "error", err)
		http.Error(w, "MCP server unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("MCP-Protocol-Version", protocolVersion)
	w.WriteHeader(http.StatusOK)

	// Streams outlive the server's WriteTimeout; clear the deadline or the
	// connection dies mid-session.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	flusher, canFlush := w.(http.Flusher)

	g.logger.Info("gateway: stream opened", "user_id", principal.UserID)

	var (
		pending   []byte // bytes accumulated until the first event boundary
		bound     bool
		sessionID string
	)
	defer func() {
		if sessionID != "" {
			g.sessions.Unbind(sessionID)
		}
		g.logger.Info("gateway: stream closed", "user_id", principal.UserID, "session_id", sessionID)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			// The first complete event is the endpoint announcement.
			// Bind before relaying it so the client can never race its
			// first POST against the binding.
			if !bound {
				pending = append(pending, chunk...)
				if i := bytes.Index(pending, []byte("\n\n")); i >= 0 {
					if m := sessionIDPattern.FindSubmatch(pending[:i+2]); m != nil {
						sessionID = string(m[1])
						g.sessions.Bind(sessionID, token, principal)
						g.logger.Info("gateway: session bound",
							"session_id", sessionID, "user_id", principal.UserID)
					} else {
						g.logger.Warn("gateway: no session id in endpoint event",
							"user_id", principal.UserID)
					}
					bound = true
					pending = nil
				}
			}
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// HandleMessage proxies the message leg. It maps the session id back to
// the principal bound at stream time, stamps the principal's token into
// tools/call frames, and relays the upstream response unchanged.
func (g *Gateway) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	_, token, ok := g.sessions.Lookup(sessionID)
	if !ok {
		g.logger.Warn("gateway: message for unbound session", "session_id", sessionID)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body failed", http.StatusBadRequest)
		return
	}
	if injected, changed := injectUserToken(body, token); changed {
		body = injected
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		g.upstream+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		g.logger.Error("gateway: building upstream request failed", "error", err)
		http.Error(w, "MCP server unavailable", http.StatusServiceUnavailable)
		return
	}
	copyHeader(req.Header, r.Header)
	// The body may have been rewritten; the length is set fresh.
	req.Header.Del("Content-Length")
	req.Host = r.Host
	req.ContentLength = int64(len(body))

	resp, err := g.msgClient.Do(req)
	if err != nil {
		g.logger.Error("gateway: upstream connect failed", "upstream", g.upstream, "error", err)
		http.Error(w, "MCP server unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// WrapStreamable adapts the in-process Streamable HTTP handler to the
// same identity rules as the SSE legs: the validated principal rides the
// context, the request host is preserved for the tool layer's host
// check, and authenticated tools/call bodies get user_token stamped in.
// Requests without a valid token pass through untouched so the protocol
// handshake still works; the tool layer answers those with its own
// authentication message.
func (g *Gateway) WrapStreamable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxutil.WithRequestHost(r.Context(), r.Host)

		if token := bearerToken(r); token != "" {
			principal, err := g.tokens.ValidateToken(ctx, token)
			switch {
			case err == nil:
				ctx = ctxutil.WithPrincipal(ctx, &principal)
				if r.Method == http.MethodPost && r.Body != nil {
					body, rerr := io.ReadAll(r.Body)
					if rerr == nil {
						if injected, changed := injectUserToken(body, token); changed {
							body = injected
						}
						r.Body = io.NopCloser(bytes.NewReader(body))
						r.ContentLength = int64(len(body))
					}
				}
			case errors.Is(err, storage.ErrNotFound):
				// Unknown token: fall through unauthenticated.
			default:
				g.logger.Error("gateway: token validation failed", "error", err)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// injectUserToken stamps token into params.arguments.user_token when the
// frame is a tools/call request with an arguments object. Anything the
// client put there is overwritten. All other frames come back unchanged
// with changed=false, byte for byte.
func injectUserToken(frame []byte, token string) ([]byte, bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return frame, false
	}
	var method string
	if err := json.Unmarshal(msg["method"], &method); err != nil || method != "tools/call" {
		return frame, false
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(msg["params"], &params); err != nil || params == nil {
		return frame, false
	}
	var args map[string]any
	if err := json.Unmarshal(params["arguments"], &args); err != nil || args == nil {
		return frame, false
	}

	args["user_token"] = token

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return frame, false
	}
	params["arguments"] = rawArgs
	rawParams, err := json.Marshal(params)
	if err != nil {
		return frame, false
	}
	msg["params"] = rawParams
	out, err := json.Marshal(msg)
	if err != nil {
		return frame, false
	}
	return out, true
}

// hopHeaders are connection-scoped and must not be relayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

// RedirectMCP answers the bare /mcp path with a 307 to /mcp/ preserving
// the query. 307 keeps the method and body intact across the redirect,
// which a plain 301/302 would not.
func RedirectMCP(w http.ResponseWriter, r *http.Request) {
	target := "/mcp/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
