package gateway

import "net/http"

const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, MCP-Protocol-Version, mcp-session-id"
	corsExposeHeaders = "MCP-Protocol-Version, mcp-session-id"
)

// CORS returns middleware enforcing the closed origin allow-list the MCP
// clients connect from. Origins on the list get their origin echoed back
// with credentials allowed; everything else gets no CORS headers at all,
// so the browser refuses the response. Preflights are answered directly
// with 204.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("MCP-Protocol-Version", protocolVersion)

			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok && origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
