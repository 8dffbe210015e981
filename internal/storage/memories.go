package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/mindmirror/mindmirror/internal/model"
)

// memoryColumns is the canonical select list for memory rows. Keep in
// sync with scanMemoryRow.
const memoryColumns = `id, user_id, text, tag, exact_hash, embedding, has_conflicts,
	conflict_ids, archived, archive_reason, archived_at, created_at, last_accessed`

// ArchiveReasonAgeAndAccess marks memories archived by the prune sweep.
const ArchiveReasonAgeAndAccess = "age_and_access"

// StoreMemory inserts a memory and records its conflict edges in one
// transaction: the new row carries m.ConflictIDs, and each named
// neighbour gets the new id appended to its own conflict_ids. Either
// everything lands or nothing does, so the graph never holds a
// one-sided edge. A (user_id, exact_hash) collision returns
// ErrDuplicateHash. When syncSearch is set, an upsert entry is queued
// for the search outbox in the same transaction.
func (db *DB) StoreMemory(ctx context.Context, m model.Memory, syncSearch bool) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO memories (id, user_id, text, tag, exact_hash, embedding,
		 has_conflicts, conflict_ids, created_at, last_accessed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		m.ID, m.UserID, m.Text, string(m.Tag), m.ExactHash, m.Embedding,
		len(m.ConflictIDs) > 0, conflictIDsParam(m.ConflictIDs), m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_memories_user_hash") {
			return ErrDuplicateHash
		}
		return fmt.Errorf("storage: insert memory: %w", err)
	}

	for _, neighbourID := range m.ConflictIDs {
		if _, err := tx.Exec(ctx,
			`UPDATE memories
			 SET conflict_ids = array_append(conflict_ids, $3), has_conflicts = true
			 WHERE user_id = $1 AND id = $2 AND NOT ($3 = ANY(conflict_ids))`,
			m.UserID, neighbourID, m.ID,
		); err != nil {
			return fmt.Errorf("storage: link conflict %s: %w", neighbourID, err)
		}
	}

	if syncSearch {
		if err := enqueueSearchOp(ctx, tx, m.ID, m.UserID, "upsert"); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit store memory: %w", err)
	}
	return nil
}

// ForgetMemory deletes a memory and repairs the conflict graph around
// it: the id is removed from every neighbour's conflict_ids and
// has_conflicts is cleared on rows left without edges. Returns false
// when the row does not exist for this user; a row owned by someone
// else is indistinguishable from a missing one.
func (db *DB) ForgetMemory(ctx context.Context, userID, id string, syncSearch bool) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND id = $2`, userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET conflict_ids = array_remove(conflict_ids, $2)
		 WHERE user_id = $1 AND $2 = ANY(conflict_ids)`,
		userID, id,
	); err != nil {
		return false, fmt.Errorf("storage: unlink conflicts: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE memories SET has_conflicts = false
		 WHERE user_id = $1 AND has_conflicts AND cardinality(conflict_ids) = 0`,
		userID,
	); err != nil {
		return false, fmt.Errorf("storage: clear conflict flags: %w", err)
	}

	if syncSearch {
		if err := enqueueSearchOp(ctx, tx, id, userID, "delete"); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit forget memory: %w", err)
	}
	return true, nil
}

// NearestMemories returns the user's closest active memories to the
// given embedding, nearest first. tag narrows to one category when
// non-empty. Similarity is derived from pgvector's cosine distance
// (range [0,2]) as max(0, 1 - distance/2), so callers compare against
// thresholds in [0,1].
func (db *DB) NearestMemories(ctx context.Context, userID, tag string, embedding pgvector.Vector, limit int) ([]model.RecalledMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + memoryColumns + `, embedding <=> $2 AS distance
		 FROM memories
		 WHERE user_id = $1 AND archived = false AND embedding IS NOT NULL`
	args := []any{userID, embedding, limit}
	if tag != "" {
		query += ` AND tag = $4`
		args = append(args, tag)
	}
	query += ` ORDER BY embedding <=> $2 LIMIT $3`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest memories: %w", err)
	}
	defer rows.Close()

	var out []model.RecalledMemory
	for rows.Next() {
		var rm model.RecalledMemory
		var distance float64
		if err := scanMemoryRow(rows, &rm.Memory, &distance); err != nil {
			return nil, fmt.Errorf("storage: scan nearest memory: %w", err)
		}
		rm.Similarity = max(0, 1-distance/2)
		out = append(out, rm)
	}
	return out, rows.Err()
}

// KeywordMemories returns active memories whose text matches any of the
// tokens (case-insensitive substring), newest first. Used as the recall
// fallback when the semantic pass comes back thin; excludeIDs drops
// rows the semantic pass already returned.
func (db *DB) KeywordMemories(ctx context.Context, userID, tag string, tokens, excludeIDs []string, limit int) ([]model.Memory, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	conds := []string{"user_id = $1", "archived = false"}
	args := []any{userID}
	next := 2

	if tag != "" {
		conds = append(conds, fmt.Sprintf("tag = $%d", next))
		args = append(args, tag)
		next++
	}
	if len(excludeIDs) > 0 {
		conds = append(conds, fmt.Sprintf("NOT (id = ANY($%d))", next))
		args = append(args, excludeIDs)
		next++
	}

	likes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		likes = append(likes, fmt.Sprintf("text ILIKE $%d", next))
		args = append(args, "%"+tok+"%")
		next++
	}
	conds = append(conds, "("+strings.Join(likes, " OR ")+")")

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s ORDER BY created_at DESC LIMIT %d`,
		memoryColumns, strings.Join(conds, " AND "), limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword memories: %w", err)
	}
	return scanMemories(rows)
}

// ListMemories returns the user's active memories, newest first.
func (db *DB) ListMemories(ctx context.Context, userID, tag string, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT ` + memoryColumns + ` FROM memories
		 WHERE user_id = $1 AND archived = false`
	args := []any{userID, limit}
	if tag != "" {
		query += ` AND tag = $3`
		args = append(args, tag)
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	return scanMemories(rows)
}

// GetMemory fetches one memory by id, archived or not.
func (db *DB) GetMemory(ctx context.Context, userID, id string) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	var m model.Memory
	if err := scanMemoryRow(row, &m, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetMemoryByHash fetches the memory carrying the given exact hash, used
// to name the surviving row when an insert collides.
func (db *DB) GetMemoryByHash(ctx context.Context, userID, exactHash string) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND exact_hash = $2`,
		userID, exactHash,
	)
	var m model.Memory
	if err := scanMemoryRow(row, &m, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory by hash: %w", err)
	}
	return m, nil
}

// GetMemories fetches a batch of memories by id. Missing ids are
// silently absent from the result; order is unspecified.
func (db *DB) GetMemories(ctx context.Context, userID string, ids []string) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories: %w", err)
	}
	return scanMemories(rows)
}

// TouchMemories bumps last_accessed on the given rows. Recall calls this
// for every id it returns; the prune sweep keys off the timestamp.
func (db *DB) TouchMemories(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE memories SET last_accessed = now() WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids,
	); err != nil {
		return fmt.Errorf("storage: touch memories: %w", err)
	}
	return nil
}

// CountMemories returns the number of active (non-archived) memories the
// user holds. This is the number the quota compares against.
func (db *DB) CountMemories(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = $1 AND archived = false`,
		userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count memories: %w", err)
	}
	return n, nil
}

// MarkPrunable archives every active memory that satisfies the age and
// idle cutoffs, skipping the excluded tags entirely. Rows are marked
// with ArchiveReasonAgeAndAccess, never deleted. Returns the rows it
// archived. When syncSearch is set, matching delete entries are queued
// so archived rows leave the search index.
func (db *DB) MarkPrunable(ctx context.Context, olderThan, idleSince time.Time, excludedTags []string, syncSearch bool) ([]model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE memories
		 SET archived = true, archive_reason = $1, archived_at = now()
		 WHERE archived = false
		   AND NOT (tag = ANY($2))
		   AND created_at < $3
		   AND last_accessed < $4
		 RETURNING `+memoryColumns,
		ArchiveReasonAgeAndAccess, excludedTags, olderThan, idleSince,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: mark prunable: %w", err)
	}
	marked, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	if syncSearch {
		for _, m := range marked {
			if err := enqueueSearchOp(ctx, tx, m.ID, m.UserID, "delete"); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit prune sweep: %w", err)
	}
	return marked, nil
}

// enqueueSearchOp writes one outbox row inside the caller's transaction.
func enqueueSearchOp(ctx context.Context, tx pgx.Tx, memoryID, userID, operation string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (memory_id, user_id, operation) VALUES ($1, $2, $3)`,
		memoryID, userID, operation,
	); err != nil {
		return fmt.Errorf("storage: enqueue search %s: %w", operation, err)
	}
	return nil
}

// conflictIDsParam normalises a nil slice to an empty array so the
// TEXT[] column never goes NULL.
func conflictIDsParam(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// isUniqueViolation reports whether err is a Postgres unique violation
// on the named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemoryRow scans one row in memoryColumns order. distance, when
// non-nil, receives the trailing cosine distance column emitted by the
// ANN queries.
func scanMemoryRow(row rowScanner, m *model.Memory, distance *float64) error {
	var (
		tag       string
		embedding *pgvector.Vector
	)
	dest := []any{
		&m.ID, &m.UserID, &m.Text, &tag, &m.ExactHash, &embedding, &m.HasConflicts,
		&m.ConflictIDs, &m.Archived, &m.ArchivedReason, &m.ArchivedAt,
		&m.CreatedAt, &m.LastAccessed,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	m.Tag = model.Tag(tag)
	m.Embedding = embedding
	return nil
}

func scanMemories(rows pgx.Rows) ([]model.Memory, error) {
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := scanMemoryRow(rows, &m, nil); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
