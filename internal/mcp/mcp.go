// Package mcp implements the Model Context Protocol surface of MindMirror.
//
// Six tools — remember, recall, forget, what_do_you_know, checkpoint and
// resume — expose the memory engine and checkpoint store to MCP-compatible
// AI clients. Handlers resolve the caller from the reserved user_token
// argument the gateway injects, so the same tool set works over both the
// SSE and Streamable HTTP transports.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mindmirror/mindmirror/internal/ctxutil"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/service/checkpoint"
	"github.com/mindmirror/mindmirror/internal/service/memory"
	"github.com/mindmirror/mindmirror/internal/storage"
)

// authRequiredMsg is returned when no valid token accompanies a tool call.
// Deliberately detail-free: callers learn nothing about why validation failed.
const authRequiredMsg = "Authentication required. Please reconnect with a valid token."

// serverInstructions is the embedded global policy handed to every client
// at initialize time.
const serverInstructions = `
GLOBAL POLICY (embedded, minimal)

Identity:
You are an AI assistant with persistent memory. Tools available: recall, remember, what_do_you_know, forget, checkpoint, resume. Do not invent or call undefined tools.

Guardrails:
• Before any personal advice or recommendations: call recall().
• If recall() returns conflicts: present the conflict information to user and ask which preference to follow. Only call forget() if user explicitly requests deletion.
• Storing:
  - If user explicitly states a preference ("I prefer X"), store it immediately.
  - For non‑explicit info, ask permission before remember(). Never store AI‑suggested ideas as user preferences.
• Transparency: when giving advice, state which stored preference you used; when asked about stored information, call what_do_you_know() and present the response.
• Context handoff: use checkpoint() when user wants to continue conversation elsewhere ("save this for later", switching to another AI); use resume() when user references previous work without context ("continue our discussion", "where did we leave off").
`

// Server wraps the MCP server with MindMirror's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	db          *storage.DB
	memories    *memory.Service
	checkpoints *checkpoint.Service
	logger      *slog.Logger

	allowedHosts  map[string]struct{}
	canonicalHost string
}

// Config holds the dependencies and settings for creating a Server.
type Config struct {
	DB          *storage.DB
	Memories    *memory.Service
	Checkpoints *checkpoint.Service
	Logger      *slog.Logger

	// Version is reported to clients at initialize time; "dev" when empty.
	Version string
	// AllowedHosts is the closed Host allow-list for non-admin tool calls.
	// Empty disables the check.
	AllowedHosts []string
}

// New creates and configures a new MCP server with all six tools.
func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		db:            cfg.DB,
		memories:      cfg.Memories,
		checkpoints:   cfg.Checkpoints,
		logger:        cfg.Logger,
		allowedHosts:  make(map[string]struct{}, len(cfg.AllowedHosts)),
		canonicalHost: canonicalHost(cfg.AllowedHosts),
	}
	for _, h := range cfg.AllowedHosts {
		s.allowedHosts[h] = struct{}{}
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mindmirror",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// canonicalHost picks the host named in policy errors: the first non-local
// entry of the allow-list, falling back to the first entry.
func canonicalHost(hosts []string) string {
	for _, h := range hosts {
		if !strings.HasPrefix(h, "localhost") && !strings.HasPrefix(h, "127.0.0.1") {
			return h
		}
	}
	if len(hosts) > 0 {
		return hosts[0]
	}
	return ""
}

// authorize resolves the calling principal and applies the host allow-list.
// A non-nil result is the refusal to return to the client.
func (s *Server) authorize(ctx context.Context, request mcplib.CallToolRequest) (model.Principal, *mcplib.CallToolResult) {
	principal, denied := s.resolvePrincipal(ctx, request)
	if denied != nil {
		return model.Principal{}, denied
	}
	if denied := s.checkHost(ctx, principal); denied != nil {
		return model.Principal{}, denied
	}
	return principal, nil
}

// resolvePrincipal authenticates a tool call. The gateway injects the
// caller's token as the reserved user_token argument; direct in-process
// transports may instead stash a principal on the context.
func (s *Server) resolvePrincipal(ctx context.Context, request mcplib.CallToolRequest) (model.Principal, *mcplib.CallToolResult) {
	token := request.GetString("user_token", "")
	if token == "" {
		if p := ctxutil.PrincipalFromContext(ctx); p != nil {
			return *p, nil
		}
		return model.Principal{}, errorResult(authRequiredMsg)
	}

	principal, err := s.db.ValidateToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("mcp: token validation failed", "error", err)
		}
		return model.Principal{}, errorResult(authRequiredMsg)
	}
	return principal, nil
}

// checkHost rejects non-admin calls addressed to a host outside the
// allow-list. Calls that never crossed an HTTP transport carry no host
// and pass.
func (s *Server) checkHost(ctx context.Context, principal model.Principal) *mcplib.CallToolResult {
	if principal.Admin || len(s.allowedHosts) == 0 {
		return nil
	}
	host := ctxutil.RequestHostFromContext(ctx)
	if host == "" {
		return nil
	}
	if _, ok := s.allowedHosts[host]; ok {
		return nil
	}
	s.logger.Warn("mcp: request for disallowed host", "host", host, "user_id", principal.UserID)
	return errorResult(fmt.Sprintf("Unrecognized host %q. Please connect via %s.", host, s.canonicalHost))
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
