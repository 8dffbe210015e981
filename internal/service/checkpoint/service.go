// Package checkpoint manages each user's single working-state snapshot:
// the checkpoint and resume tools save and restore it. One row per user;
// a new save replaces the old one and reports what it displaced so the
// tool layer can warn about the overwrite.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mindmirror/mindmirror/internal/ids"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/storage"
	"github.com/mindmirror/mindmirror/internal/userlock"
)

var (
	// ErrEmptyContent rejects saves with nothing in them.
	ErrEmptyContent = errors.New("checkpoint: content is required")
	// ErrNoCheckpoint means the user has never saved one.
	ErrNoCheckpoint = errors.New("checkpoint: none saved")
)

// Service wraps checkpoint persistence with per-user serialisation.
type Service struct {
	db     *storage.DB
	locks  *userlock.Registry
	logger *slog.Logger
}

// New creates a checkpoint Service.
func New(db *storage.DB, locks *userlock.Registry, logger *slog.Logger) *Service {
	return &Service{db: db, locks: locks, logger: logger}
}

// SaveResult reports a save and whatever it displaced.
type SaveResult struct {
	ID        string
	CreatedAt time.Time
	// Overwrote is true when a previous checkpoint existed;
	// PreviousCreatedAt then carries its save time.
	Overwrote         bool
	PreviousCreatedAt time.Time
}

// Save replaces the user's checkpoint. The read-then-upsert runs under
// the user's write lock so two concurrent saves cannot both believe
// they wrote first.
func (s *Service) Save(ctx context.Context, userID, content, title string) (SaveResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SaveResult{}, ErrEmptyContent
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	c := model.Checkpoint{
		ID:        ids.NewCheckpointID(),
		UserID:    userID,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	previous, err := s.db.SaveCheckpoint(ctx, c)
	if err != nil {
		return SaveResult{}, fmt.Errorf("checkpoint save: %w", err)
	}

	res := SaveResult{ID: c.ID, CreatedAt: c.CreatedAt}
	if previous != nil {
		res.Overwrote = true
		res.PreviousCreatedAt = *previous
	}
	return res, nil
}

// Load returns the user's saved checkpoint, or ErrNoCheckpoint.
func (s *Service) Load(ctx context.Context, userID string) (model.Checkpoint, error) {
	c, err := s.db.GetCheckpoint(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Checkpoint{}, ErrNoCheckpoint
		}
		return model.Checkpoint{}, fmt.Errorf("checkpoint load: %w", err)
	}
	return c, nil
}
