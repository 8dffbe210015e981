package mindmirror

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option configures the App during New().
type Option func(*resolvedOptions)

// resolvedOptions holds the merged result of all Options.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	searcher          Searcher
	extraMigrations   []fs.FS
	extraRoutes       []func(*http.ServeMux)
	middlewares       []func(http.Handler) http.Handler
}

// WithPort overrides the public listen port from config (MINDMIRROR_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the slog logger used by every subsystem.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health and the MCP
// initialize response. Defaults to "dev".
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the built-in embedding providers
// (OpenAI/Ollama/noop auto-detection) with a custom implementation.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithSearcher replaces the recall-side vector index (Qdrant when
// configured, otherwise the Postgres ANN scan) with a custom searcher.
// The write path still persists embeddings to Postgres.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithExtraMigrations appends migration filesystems run after the
// embedded ones. Each FS follows the same NNN_name.sql convention and
// shares the schema_migrations tracking table.
func WithExtraMigrations(migrationFS ...fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrationFS...) }
}

// WithExtraRoutes registers additional HTTP routes on the public server
// mux. Registrars run after the built-in routes and may not shadow them.
func WithExtraRoutes(register ...func(*http.ServeMux)) Option {
	return func(o *resolvedOptions) { o.extraRoutes = append(o.extraRoutes, register...) }
}

// WithMiddleware wraps the public server's handler chain with additional
// middleware, applied inside the built-in chain (request id, logging,
// CORS, recovery run first).
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw...) }
}
