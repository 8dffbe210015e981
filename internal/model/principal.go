package model

import "time"

// AuthToken is a row in auth_tokens: one bearer token per user.
type AuthToken struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id"`
	UserName  string     `json:"user_name"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Principal is the authenticated identity attached to a request after
// token validation. Admin is resolved from configuration, not storage:
// admin users bypass the memory quota.
type Principal struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Admin    bool   `json:"admin"`
}
