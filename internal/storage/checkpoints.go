package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mindmirror/mindmirror/internal/model"
)

// SaveCheckpoint upserts the user's single checkpoint row. The returned
// timestamp is the created_at of the row that was displaced, or nil when
// the user had no checkpoint; callers use it to warn about overwrites.
func (db *DB) SaveCheckpoint(ctx context.Context, c model.Checkpoint) (*time.Time, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous *time.Time
	var prev time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM short_term_memories WHERE user_id = $1 FOR UPDATE`,
		c.UserID,
	).Scan(&prev)
	switch {
	case err == nil:
		previous = &prev
	case errors.Is(err, pgx.ErrNoRows):
		// First checkpoint for this user.
	default:
		return nil, fmt.Errorf("storage: read existing checkpoint: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO short_term_memories (user_id, id, title, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET id = EXCLUDED.id, title = EXCLUDED.title,
		     content = EXCLUDED.content, created_at = EXCLUDED.created_at`,
		c.UserID, c.ID, c.Title, c.Content, c.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: save checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit checkpoint: %w", err)
	}
	return previous, nil
}

// GetCheckpoint returns the user's saved checkpoint, or ErrNotFound.
func (db *DB) GetCheckpoint(ctx context.Context, userID string) (model.Checkpoint, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT user_id, id, title, content, created_at
		 FROM short_term_memories WHERE user_id = $1`,
		userID,
	)
	var c model.Checkpoint
	if err := row.Scan(&c.UserID, &c.ID, &c.Title, &c.Content, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, ErrNotFound
		}
		return model.Checkpoint{}, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	return c, nil
}
