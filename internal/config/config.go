// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MCP topology. The internal SSE server listens on MCPInternalAddr and
	// is never exposed directly; the public gateway fronts it. Setting
	// MCPUpstreamURL points the gateway at an external downstream instead.
	MCPInternalAddr string
	MCPUpstreamURL  string
	PublicBaseURL   string // e.g. "https://memory.usemindmirror.com" for connect URLs.

	// Database settings.
	DatabaseURL string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Memory engine settings.
	MemoryQuota          int     // Non-archived memories per user; admins exempt.
	SemanticDupThreshold float64 // Similarity above which a new memory is a duplicate.
	ConflictThreshold    float64 // Similarity at or above which same-tag memories conflict.
	UpgradeLink          string

	// Prune settings. An empty schedule disables the sweep.
	PruneSchedule string
	PruneMinAge   time.Duration
	PruneMinIdle  time.Duration

	// Gateway settings.
	AllowedOrigins []string
	AllowedHosts   []string

	// Admin bootstrap.
	AdminToken string

	// Rate limiting for the unauthenticated public endpoints.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Qdrant settings (optional recall-side index).
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	LogFormat           string // "json" or "text"
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// DefaultAllowedOrigins is the closed CORS allow-list applied when
// MINDMIRROR_ALLOWED_ORIGINS is unset.
var DefaultAllowedOrigins = []string{
	"https://claude.ai",
	"http://localhost:5173",
	"http://localhost:5174",
	"http://localhost:8081",
	"https://usemindmirror.com",
	"https://www.usemindmirror.com",
	"https://memory.usemindmirror.com",
}

// DefaultAllowedHosts is the closed Host allow-list applied when
// MINDMIRROR_ALLOWED_HOSTS is unset. Tool calls arriving for any other
// host are rejected for non-admin users.
var DefaultAllowedHosts = []string{
	"localhost",
	"localhost:8080",
	"localhost:8081",
	"127.0.0.1",
	"127.0.0.1:8080",
	"127.0.0.1:8081",
	"memory.usemindmirror.com",
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("MINDMIRROR_PORT", 8080),
		ReadTimeout:          envDuration("MINDMIRROR_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("MINDMIRROR_WRITE_TIMEOUT", 30*time.Second),
		MCPInternalAddr:      envStr("MINDMIRROR_MCP_INTERNAL_ADDR", "127.0.0.1:8081"),
		MCPUpstreamURL:       envStr("MINDMIRROR_MCP_UPSTREAM_URL", ""),
		PublicBaseURL:        envStr("MINDMIRROR_PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		EmbeddingProvider:    envStr("MINDMIRROR_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:         envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:       envStr("MINDMIRROR_OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:  envInt("MINDMIRROR_EMBEDDING_DIMS", 1536),
		OllamaURL:            envStr("MINDMIRROR_OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          envStr("MINDMIRROR_OLLAMA_MODEL", "mxbai-embed-large"),
		MemoryQuota:          envInt("MINDMIRROR_MEMORY_QUOTA", 25),
		SemanticDupThreshold: envFloat("MINDMIRROR_SEMANTIC_DUP_THRESHOLD", 0.95),
		ConflictThreshold:    envFloat("MINDMIRROR_CONFLICT_THRESHOLD", 0.65),
		UpgradeLink:          envStr("MINDMIRROR_UPGRADE_LINK", "https://usemindmirror.com/premium"),
		PruneSchedule:        envStr("MINDMIRROR_PRUNE_SCHEDULE", "@daily"),
		PruneMinAge:          envDuration("MINDMIRROR_PRUNE_MIN_AGE", 90*24*time.Hour),
		PruneMinIdle:         envDuration("MINDMIRROR_PRUNE_MIN_IDLE", 30*24*time.Hour),
		AllowedOrigins:       envList("MINDMIRROR_ALLOWED_ORIGINS", DefaultAllowedOrigins),
		AllowedHosts:         envList("MINDMIRROR_ALLOWED_HOSTS", DefaultAllowedHosts),
		AdminToken:           envStr("MINDMIRROR_ADMIN_TOKEN", ""),
		RateLimitEnabled:     envBool("MINDMIRROR_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:         envFloat("MINDMIRROR_RATE_LIMIT_RPS", 5),
		RateLimitBurst:       envInt("MINDMIRROR_RATE_LIMIT_BURST", 10),
		QdrantURL:            envStr("MINDMIRROR_QDRANT_URL", ""),
		QdrantAPIKey:         envStr("MINDMIRROR_QDRANT_API_KEY", ""),
		QdrantCollection:     envStr("MINDMIRROR_QDRANT_COLLECTION", "memories"),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "mindmirror"),
		LogLevel:             envStr("MINDMIRROR_LOG_LEVEL", "info"),
		LogFormat:            envStr("MINDMIRROR_LOG_FORMAT", "json"),
		ShutdownTimeout:      envDuration("MINDMIRROR_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodyBytes:  int64(envInt("MINDMIRROR_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: MINDMIRROR_EMBEDDING_DIMS must be positive")
	}
	if c.MemoryQuota <= 0 {
		return fmt.Errorf("config: MINDMIRROR_MEMORY_QUOTA must be positive")
	}
	if c.SemanticDupThreshold <= 0 || c.SemanticDupThreshold > 1 {
		return fmt.Errorf("config: MINDMIRROR_SEMANTIC_DUP_THRESHOLD must be in (0, 1]")
	}
	if c.ConflictThreshold <= 0 || c.ConflictThreshold > 1 {
		return fmt.Errorf("config: MINDMIRROR_CONFLICT_THRESHOLD must be in (0, 1]")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: MINDMIRROR_RATE_LIMIT_RPS and _BURST must be positive when rate limiting is enabled")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MINDMIRROR_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// UpstreamURL returns the MCP upstream the gateway should dial: the
// explicit override when set, otherwise the internal listener address.
func (c Config) UpstreamURL() string {
	if c.MCPUpstreamURL != "" {
		return strings.TrimRight(c.MCPUpstreamURL, "/")
	}
	return "http://" + c.MCPInternalAddr
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
