package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mindmirror/mindmirror/internal/gateway"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/search"
	"github.com/mindmirror/mindmirror/internal/storage"
)

// serverName identifies this service in health responses.
const serverName = "mindmirror"

// maxUserNameLen bounds the display name stored with an issued token.
const maxUserNameLen = 128

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	sessions            *gateway.SessionTable
	searcher            search.Searcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	publicBaseURL       string
	memoryLimit         int
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Sessions, Searcher.
type HandlersDeps struct {
	DB                  *storage.DB
	Sessions            *gateway.SessionTable
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	PublicBaseURL       string
	MemoryLimit         int
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		sessions:            d.Sessions,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		publicBaseURL:       strings.TrimRight(d.PublicBaseURL, "/"),
		memoryLimit:         d.MemoryLimit,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleGenerateToken handles POST /api/generate-token.
// No auth required; rate limited by IP. An empty body is accepted —
// the user name is optional.
func (h *Handlers) HandleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	userName := strings.TrimSpace(req.UserName)
	if userName == "" {
		userName = "anonymous"
	}
	if len(userName) > maxUserNameLen {
		userName = userName[:maxUserNameLen]
	}

	t, err := h.db.IssueToken(r.Context(), userName)
	if err != nil {
		h.writeInternalError(w, r, "failed to generate token", err)
		return
	}

	// Fresh tokens start at zero, but count anyway so the response stays
	// honest if issuance ever reuses an existing user.
	used, err := h.db.CountMemories(r.Context(), t.UserID)
	if err != nil {
		h.logger.Warn("count memories after token issue", "user_id", t.UserID, "error", err)
		used = 0
	}

	h.logger.Info("token issued",
		"user_id", t.UserID,
		"user_name", userName,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, http.StatusOK, model.GenerateTokenResponse{
		Token:        t.Token,
		UserID:       t.UserID,
		URL:          h.publicBaseURL + "/sse?token=" + t.Token,
		MemoryLimit:  h.memoryLimit,
		MemoriesUsed: used,
	})
}

// HandleJoinWaitlist handles POST /api/join-waitlist.
// Resubmitting an address returns the same success message, so the form
// never leaks who is already on the list.
func (h *Handlers) HandleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req model.JoinWaitlistRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := model.ValidateEmail(email); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	added, err := h.db.AddWaitlistEmail(r.Context(), email)
	if err != nil {
		h.writeInternalError(w, r, "failed to join waitlist", err)
		return
	}
	if added {
		h.logger.Info("waitlist signup", "email", email)
	}

	writeJSON(w, http.StatusOK, model.JoinWaitlistResponse{
		Message: "You're on the list! We'll be in touch soon.",
		Email:   email,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Server:   serverName,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.sessions != nil {
		resp.Sessions = h.sessions.Len()
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, httpStatus, resp)
}

// writeInternalError logs the underlying error and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
