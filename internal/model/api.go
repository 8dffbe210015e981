package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// MaxMemoryTextLen caps the text accepted by remember and checkpoint.
// Prevents a single oversized field from exhausting the embedding
// pipeline or filling Postgres TEXT columns with caller-controlled garbage.
const MaxMemoryTextLen = 32 * 1024 // 32 KB

// ValidateMemoryText checks the length limit on text that flows into the
// embedding pipeline and Postgres TEXT columns.
func ValidateMemoryText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text must not be empty")
	}
	if len(text) > MaxMemoryTextLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxMemoryTextLen)
	}
	return nil
}

// ValidateEmail ensures an address is plausible before it lands in the
// waitlist table. RFC 5322 parsing via net/mail, plus a domain-dot check
// that the parser alone does not enforce.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email address")
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || !strings.Contains(addr.Address[at+1:], ".") {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// GenerateTokenRequest is the request body for POST /api/generate-token.
type GenerateTokenRequest struct {
	UserName string `json:"user_name,omitempty"`
}

// GenerateTokenResponse is the response for POST /api/generate-token.
// URL is the ready-to-paste SSE connection string with the token baked in.
type GenerateTokenResponse struct {
	Token        string `json:"token"`
	UserID       string `json:"user_id"`
	URL          string `json:"url"`
	MemoryLimit  int    `json:"memory_limit"`
	MemoriesUsed int    `json:"memories_used"`
}

// JoinWaitlistRequest is the request body for POST /api/join-waitlist.
type JoinWaitlistRequest struct {
	Email string `json:"email"`
}

// JoinWaitlistResponse is the response for POST /api/join-waitlist.
type JoinWaitlistResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Server   string `json:"server"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Sessions int    `json:"sessions"`
	Uptime   int64  `json:"uptime_seconds"`
}
