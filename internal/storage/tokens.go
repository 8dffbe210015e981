package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mindmirror/mindmirror/internal/model"
)

// tokenBytes is the entropy of an issued token: 256 bits, url-safe
// base64 encoded (43 chars, same format the hosted deployment hands out).
const tokenBytes = 32

// IssueToken mints a fresh token plus user id and stores the pair.
// userName may be empty.
func (db *DB) IssueToken(ctx context.Context, userName string) (model.AuthToken, error) {
	token, err := generateSecret(tokenBytes)
	if err != nil {
		return model.AuthToken{}, fmt.Errorf("storage: generate token: %w", err)
	}

	idBytes := make([]byte, 6)
	if _, err := rand.Read(idBytes); err != nil {
		return model.AuthToken{}, fmt.Errorf("storage: generate user id: %w", err)
	}
	userID := "user_" + hex.EncodeToString(idBytes)

	row := db.pool.QueryRow(ctx,
		`INSERT INTO auth_tokens (token, user_id, user_name)
		 VALUES ($1, $2, $3)
		 RETURNING token, user_id, user_name, is_active, created_at, last_used`,
		token, userID, userName,
	)

	var t model.AuthToken
	if err := row.Scan(&t.Token, &t.UserID, &t.UserName, &t.IsActive, &t.CreatedAt, &t.LastUsed); err != nil {
		return model.AuthToken{}, fmt.Errorf("storage: insert token: %w", err)
	}
	return t, nil
}

// ValidateToken resolves a bearer token to a principal. The last_used
// bump rides the same statement, so validation stays a single round trip.
// Unknown or deactivated tokens return ErrNotFound with no further detail.
func (db *DB) ValidateToken(ctx context.Context, token string) (model.Principal, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE auth_tokens
		 SET last_used = now()
		 WHERE token = $1 AND is_active = true
		 RETURNING user_id, user_name, is_admin`,
		token,
	)

	var p model.Principal
	if err := row.Scan(&p.UserID, &p.UserName, &p.Admin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Principal{}, ErrNotFound
		}
		return model.Principal{}, fmt.Errorf("storage: validate token: %w", err)
	}
	return p, nil
}

// DeactivateToken revokes a token. Validation fails afterwards; the row
// is kept for audit.
func (db *DB) DeactivateToken(ctx context.Context, token string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE auth_tokens SET is_active = false WHERE token = $1`, token,
	)
	if err != nil {
		return fmt.Errorf("storage: deactivate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedAdminToken inserts the configured admin bootstrap token unless it
// already exists. Idempotent across restarts.
func (db *DB) SeedAdminToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO auth_tokens (token, user_id, user_name, is_admin)
		 VALUES ($1, 'user_admin', 'admin', true)
		 ON CONFLICT (token) DO NOTHING`,
		token,
	)
	if err != nil {
		return fmt.Errorf("storage: seed admin token: %w", err)
	}
	if tag.RowsAffected() > 0 {
		db.logger.Info("admin token seeded")
	}
	return nil
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
