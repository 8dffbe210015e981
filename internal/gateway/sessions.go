package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mindmirror/mindmirror/internal/model"
)

// session is one SSE session's binding: the principal that opened the
// stream and the raw token the message leg injects into tool calls.
type session struct {
	principal model.Principal
	token     string
	boundAt   time.Time
	lastSeen  time.Time
}

// SessionTable maps MCP session ids to authenticated principals.
//
// The stream leg binds a session id the moment the upstream announces it
// in the endpoint event; the message leg looks the binding up on every
// POST. Bindings are first-come: once a session id belongs to a user it
// cannot be rebound to another, which blocks session fixation via a
// guessed or replayed id. A background sweeper drops bindings whose
// stream went quiet, so the table tracks live sessions rather than all
// sessions ever opened. Call Close to stop the sweeper.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionTable creates an empty table and starts its sweeper.
func NewSessionTable(logger *slog.Logger) *SessionTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &SessionTable{
		sessions: make(map[string]*session),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Bind associates a session id with the principal whose token opened the
// stream. The first binder wins: binding the same id again for the same
// user refreshes the entry, but an attempt by a different user is
// refused and logged, and the original binding stays intact.
func (t *SessionTable) Bind(sessionID, token string, p model.Principal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if existing, ok := t.sessions[sessionID]; ok {
		if existing.principal.UserID != p.UserID {
			t.logger.Warn("gateway: refused session rebind",
				"session_id", sessionID,
				"bound_user", existing.principal.UserID,
				"attempted_user", p.UserID,
			)
			return false
		}
		existing.token = token
		existing.lastSeen = now
		return true
	}

	t.sessions[sessionID] = &session{
		principal: p,
		token:     token,
		boundAt:   now,
		lastSeen:  now,
	}
	return true
}

// Lookup returns the principal and token bound to a session id, marking
// the session as recently used. ok is false for unknown ids.
func (t *SessionTable) Lookup(sessionID string) (model.Principal, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return model.Principal{}, "", false
	}
	s.lastSeen = time.Now()
	return s.principal, s.token, true
}

// Unbind removes a session's binding. Called when the stream leg ends.
func (t *SessionTable) Unbind(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Len reports how many sessions are currently bound. Surfaced by the
// health endpoint.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (t *SessionTable) Close() error {
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

const (
	sweepInterval = 5 * time.Minute
	sessionIdle   = 1 * time.Hour
)

func (t *SessionTable) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.evictIdle()
		}
	}
}

func (t *SessionTable) evictIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-sessionIdle)
	for id, s := range t.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(t.sessions, id)
		}
	}
}
