package model

import "time"

// Checkpoint is a user's single saved working-state snapshot. Saving a new
// checkpoint replaces the previous one; IDs are "chk_" followed by the save
// time in milliseconds since the Unix epoch.
type Checkpoint struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
