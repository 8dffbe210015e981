// Package mindmirror is the public API for embedding the MindMirror
// semantic memory server.
//
// Hosting and extension consumers import this package to construct and
// run the server without forking it:
//
//	app, err := mindmirror.New(
//	    mindmirror.WithVersion(version),
//	    mindmirror.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mindmirror (root)
// imports internal/*, but internal/* never imports the root. Public
// types (EmbeddingProvider, Searcher) are standalone interfaces with no
// internal imports; the adapters between them and the internal
// equivalents live here because this is the only file that sees both
// sides of the boundary.
package mindmirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pgvector/pgvector-go"
	"github.com/robfig/cron/v3"

	"github.com/mindmirror/mindmirror/internal/config"
	"github.com/mindmirror/mindmirror/internal/gateway"
	"github.com/mindmirror/mindmirror/internal/mcp"
	"github.com/mindmirror/mindmirror/internal/ratelimit"
	"github.com/mindmirror/mindmirror/internal/search"
	"github.com/mindmirror/mindmirror/internal/server"
	"github.com/mindmirror/mindmirror/internal/service/checkpoint"
	"github.com/mindmirror/mindmirror/internal/service/embedding"
	"github.com/mindmirror/mindmirror/internal/service/memory"
	"github.com/mindmirror/mindmirror/internal/storage"
	"github.com/mindmirror/mindmirror/internal/telemetry"
	"github.com/mindmirror/mindmirror/internal/userlock"
	"github.com/mindmirror/mindmirror/migrations"
)

// App is the MindMirror server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	mcpInternal  *http.Server // SSE transport the gateway fronts
	memories     *memory.Service
	locks        *userlock.Registry
	sessions     *gateway.SessionTable
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	pruner       *cron.Cron // nil when the prune schedule is empty
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the MindMirror server. It connects to the database,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mindmirror starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any extra (extension) migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify the core table exists after migration. If the pgvector
	// extension failed to create, migration 002 fails and the server
	// would otherwise start with no memories table. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'memories')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'memories' does not exist after migration — check that the vector extension can be created by the connecting role")
	}

	// Seed the admin bootstrap token, if configured.
	if cfg.AdminToken != "" {
		if err := db.SeedAdminToken(context.Background(), cfg.AdminToken); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Qdrant search index and outbox worker (optional).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, 2*time.Second, 100)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no MINDMIRROR_QDRANT_URL)")
	}

	// External Searcher override (replaces Qdrant for recall).
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	// Per-user lock registry — serialises remember/forget/checkpoint per
	// user while cross-user calls proceed in parallel.
	locks := userlock.NewRegistry()

	// Memory engine and checkpoint store.
	memSvc := memory.New(db, embedder, searcher, locks, logger, memory.Config{
		Quota:             cfg.MemoryQuota,
		DupThreshold:      cfg.SemanticDupThreshold,
		ConflictThreshold: cfg.ConflictThreshold,
		UpgradeLink:       cfg.UpgradeLink,
		PruneMinAge:       cfg.PruneMinAge,
		PruneMinIdle:      cfg.PruneMinIdle,
	})
	chkSvc := checkpoint.New(db, locks, logger)

	// MCP tool server, hosted on the internal SSE listener and the
	// public Streamable HTTP mount.
	mcpSrv := mcp.New(mcp.Config{
		DB:           db,
		Memories:     memSvc,
		Checkpoints:  chkSvc,
		Logger:       logger,
		Version:      version,
		AllowedHosts: cfg.AllowedHosts,
	})
	sseTransport := mcpserver.NewSSEServer(mcpSrv.MCPServer(),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
	)
	mcpInternal := &http.Server{
		Addr:        cfg.MCPInternalAddr,
		Handler:     sseTransport,
		ReadTimeout: 0, // SSE streams stay open indefinitely
	}

	// Session table + auth gateway fronting the internal listener.
	sessions := gateway.NewSessionTable(logger)
	gw, err := gateway.New(gateway.Config{
		UpstreamURL: cfg.UpstreamURL(),
		Tokens:      db,
		Sessions:    sessions,
		Logger:      logger,
	})
	if err != nil {
		sessions.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("gateway: %w", err)
	}

	// Rate limiter for the unauthenticated public endpoints.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Public HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Gateway:             gw,
		Sessions:            sessions,
		MCPServer:           mcpSrv.MCPServer(),
		Searcher:            searcher,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		PublicBaseURL:       cfg.PublicBaseURL,
		MemoryLimit:         cfg.MemoryQuota,
		AllowedOrigins:      cfg.AllowedOrigins,
		ExtraRoutes:         o.extraRoutes,
		Middlewares:         o.middlewares,
	})

	app := &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		mcpInternal:  mcpInternal,
		memories:     memSvc,
		locks:        locks,
		sessions:     sessions,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// Prune schedule: marks old, idle, non-core memories as archived.
	// It never deletes; operators decide what happens to archived rows.
	if cfg.PruneSchedule != "" {
		app.pruner = cron.New()
		if _, err := app.pruner.AddFunc(cfg.PruneSchedule, app.runPrune); err != nil {
			app.closeOnInitError()
			return nil, fmt.Errorf("prune schedule %q: %w", cfg.PruneSchedule, err)
		}
		logger.Info("prune sweep scheduled", "schedule", cfg.PruneSchedule)
	} else {
		logger.Info("prune sweep disabled (empty schedule)")
	}

	return app, nil
}

// Run starts all background goroutines and both HTTP listeners, then
// blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown is called automatically — callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.pruner != nil {
		a.pruner.Start()
	}

	errCh := make(chan error, 2)

	// Internal SSE listener. Loopback-only by default; the gateway is
	// the sole consumer.
	go func() {
		a.logger.Info("mcp internal server starting", "addr", a.mcpInternal.Addr)
		if err := a.mcpInternal.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("mcp internal server: %w", err)
		}
	}()

	// Public server.
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown: stop accepting public
// requests and drain in-flight ones, close the internal MCP listener,
// stop the prune scheduler, drain the outbox to Qdrant, then release the
// session table, locks, caches, pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mindmirror shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	mcpCtx, mcpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.mcpInternal.Shutdown(mcpCtx); err != nil {
		a.logger.Error("mcp internal shutdown error", "error", err)
	}
	mcpCancel()

	if a.pruner != nil {
		// Stop returns after the scheduler stops dispatching; an
		// in-flight sweep finishes on its own context.
		<-a.pruner.Stop().Done()
	}

	if a.outbox != nil {
		drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.outbox.Drain(drainCtx)
		drainCancel()
	}

	_ = a.sessions.Close()
	_ = a.locks.Close()
	_ = a.memories.Close()
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("mindmirror stopped")
	return nil
}

// closeOnInitError releases the resources New acquired before a late
// wiring step failed.
func (a *App) closeOnInitError() {
	_ = a.sessions.Close()
	_ = a.locks.Close()
	_ = a.memories.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	a.db.Close()
	_ = a.otelShutdown(context.Background())
}

// runPrune is one scheduled sweep. Classification only: qualifying rows
// are marked archived with a reason, not deleted.
func (a *App) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	marked, err := a.memories.Prune(ctx)
	if err != nil {
		a.logger.Warn("prune sweep failed", "error", err)
		return
	}
	if len(marked) > 0 {
		a.logger.Info("prune sweep archived memories", "count", len(marked))
	}
}

// ── Adapters (defined here because this file imports both sides) ──────────────

// providerAdapter wraps a public EmbeddingProvider to satisfy the
// internal embedding.Provider interface.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// searcherAdapter wraps a public Searcher to satisfy search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, userID string, embedding []float32, tag string, limit int) ([]search.Result, error) {
	results, err := a.s.Search(ctx, userID, embedding, tag, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(results))
	for i, r := range results {
		out[i] = search.Result{MemoryID: r.MemoryID, Score: r.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// newEmbeddingProvider picks a provider from config: an explicit choice
// wins, auto prefers Ollama when reachable, then OpenAI when a key is
// present, then noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when MINDMIRROR_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
