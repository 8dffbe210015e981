package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateHash is returned when inserting a memory whose
// (user_id, exact_hash) pair already exists. The unique index is the
// authoritative duplicate guard; callers treat this as "already stored".
var ErrDuplicateHash = errors.New("storage: duplicate exact hash")
