package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Tag classifies a memory into one of the fixed categories users can
// filter and prune by. The set is closed: anything else is rejected at
// the tool boundary before it reaches storage.
type Tag string

const (
	TagGoal       Tag = "goal"
	TagRoutine    Tag = "routine"
	TagPreference Tag = "preference"
	TagConstraint Tag = "constraint"
	TagHabit      Tag = "habit"
	TagProject    Tag = "project"
	TagTool       Tag = "tool"
	TagIdentity   Tag = "identity"
	TagValue      Tag = "value"
)

// ValidTags lists every accepted tag in presentation order. Error messages
// and tool descriptions join this slice, so the order is part of the
// user-visible contract.
var ValidTags = []Tag{
	TagGoal,
	TagRoutine,
	TagPreference,
	TagConstraint,
	TagHabit,
	TagProject,
	TagTool,
	TagIdentity,
	TagValue,
}

// IsValidTag reports whether s is one of the accepted tags.
func IsValidTag(s string) bool {
	for _, t := range ValidTags {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Protected reports whether memories with this tag are exempt from
// age-based pruning. Identity and value memories describe who the user
// is rather than what they are doing and never expire.
func (t Tag) Protected() bool {
	return t == TagIdentity || t == TagValue
}

// Memory is a single long-term memory row. IDs are "mem_" followed by
// the store time in milliseconds since the Unix epoch.
type Memory struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Text         string           `json:"text"`
	Tag          Tag              `json:"tag"`
	ExactHash    string           `json:"-"`
	Embedding    *pgvector.Vector `json:"-"`
	HasConflicts bool             `json:"has_conflicts,omitempty"`
	ConflictIDs  []string         `json:"conflict_ids,omitempty"`

	Archived       bool       `json:"archived,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ArchivedReason *string    `json:"archived_reason,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// RecalledMemory pairs a memory with its similarity to the recall query.
// Vector hits carry real cosine-derived similarity in [0,1]; keyword
// fallback hits carry a synthetic rank-based score.
type RecalledMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
}

// RelevanceLevel buckets a similarity score for display.
type RelevanceLevel string

const (
	RelevanceHigh   RelevanceLevel = "high"
	RelevanceMedium RelevanceLevel = "medium"
	RelevanceLow    RelevanceLevel = "low"
)

// Relevance maps a similarity score onto the display bucket.
func Relevance(similarity float64) RelevanceLevel {
	switch {
	case similarity >= 0.8:
		return RelevanceHigh
	case similarity >= 0.5:
		return RelevanceMedium
	default:
		return RelevanceLow
	}
}

// ConflictGroup is one connected component of the conflict graph,
// ordered newest first.
type ConflictGroup struct {
	Memories []Memory `json:"memories"`
}

// StoreStatus says how the engine disposed of a remember request.
type StoreStatus string

const (
	// StoreStatusStored means a new row was written.
	StoreStatusStored StoreStatus = "stored"
	// StoreStatusDuplicate means an exact or near-duplicate already
	// existed and no row was written.
	StoreStatusDuplicate StoreStatus = "duplicate"
	// StoreStatusQuotaExceeded means the user is at their memory cap
	// and no row was written.
	StoreStatusQuotaExceeded StoreStatus = "quota_exceeded"
)

// DuplicateReason says which dedup pass rejected a remember request.
type DuplicateReason string

const (
	// DuplicateExact means the normalized text and tag hashed to an
	// existing row.
	DuplicateExact DuplicateReason = "exact"
	// DuplicateSemantic means a same-tag neighbour sat above the
	// near-duplicate similarity threshold.
	DuplicateSemantic DuplicateReason = "semantic"
)

// QuotaStatus reports memory usage against the per-user cap.
type QuotaStatus struct {
	Used        int    `json:"used"`
	Limit       int    `json:"limit"`
	UpgradeLink string `json:"upgrade_link,omitempty"`
}

// StoreResult is the outcome of a remember operation. Status selects the
// variant; only that variant's fields are populated.
type StoreResult struct {
	Status StoreStatus `json:"status"`

	// Stored: the new row, plus the pre-existing memories it contradicts.
	Memory    Memory   `json:"memory,omitzero"`
	Conflicts []Memory `json:"conflicts,omitempty"`

	// Duplicate: which pass rejected the write. Semantic rejections also
	// name the colliding row and its similarity; exact rejections caught
	// by the in-process cache carry neither.
	Reason     DuplicateReason `json:"reason,omitempty"`
	Duplicate  *Memory         `json:"duplicate,omitempty"`
	Similarity float64         `json:"similarity,omitempty"`

	// QuotaExceeded: the usage numbers the refusal cites.
	Quota *QuotaStatus `json:"quota,omitempty"`
}

// RecallResult is the outcome of a recall operation: the ranked matches
// plus any conflict groups touching them.
type RecallResult struct {
	Memories []RecalledMemory `json:"memories"`
	Groups   []ConflictGroup  `json:"conflict_groups,omitempty"`
}
