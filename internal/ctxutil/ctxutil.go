// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the principal
// that server's auth paths resolve. Both packages import ctxutil instead of
// each other.
package ctxutil

import (
	"context"

	"github.com/mindmirror/mindmirror/internal/model"
)

type contextKey string

const (
	keyPrincipal   contextKey = "principal"
	keyRequestHost contextKey = "request_host"
)

// WithPrincipal returns a new context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFromContext extracts the principal from the context, or nil if
// the request was never authenticated.
func PrincipalFromContext(ctx context.Context) *model.Principal {
	if v, ok := ctx.Value(keyPrincipal).(*model.Principal); ok {
		return v
	}
	return nil
}

// WithRequestHost returns a new context carrying the HTTP Host header the
// request arrived on. Tool handlers use it for the host allow-list check.
func WithRequestHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, keyRequestHost, host)
}

// RequestHostFromContext extracts the request host, or "" for in-process
// calls that never crossed an HTTP transport.
func RequestHostFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestHost).(string); ok {
		return v
	}
	return ""
}
