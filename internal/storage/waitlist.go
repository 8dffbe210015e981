package storage

import (
	"context"
	"fmt"
)

// AddWaitlistEmail records a waitlist signup. Idempotent: re-adding an
// existing address reports added=false without error.
func (db *DB) AddWaitlistEmail(ctx context.Context, email string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO waitlist_emails (email) VALUES ($1) ON CONFLICT (email) DO NOTHING`,
		email,
	)
	if err != nil {
		return false, fmt.Errorf("storage: add waitlist email: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
