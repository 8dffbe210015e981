// Package memory implements the remember/recall lifecycle behind the
// MCP tools: deduplicated ingestion, conflict-edge maintenance, hybrid
// retrieval, deletion with graph repair, and the age-based prune sweep.
//
// The MCP dispatcher delegates to this service so every surface sees the
// same behavior (quota enforcement, duplicate guards, conflict grouping)
// regardless of transport.
package memory

import (
	"context"
	"crypto/md5" //nolint:gosec // dedup fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindmirror/mindmirror/internal/ids"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/search"
	"github.com/mindmirror/mindmirror/internal/service/embedding"
	"github.com/mindmirror/mindmirror/internal/storage"
	"github.com/mindmirror/mindmirror/internal/telemetry"
	"github.com/mindmirror/mindmirror/internal/userlock"
)

// Validation and outcome sentinels. The tool layer maps these onto
// caller-visible explanations.
var (
	// ErrEmptyText rejects remember calls with nothing to store.
	ErrEmptyText = errors.New("memory: text is required")
	// ErrEmptyQuery rejects recall calls with nothing to search for.
	ErrEmptyQuery = errors.New("memory: query is required")
	// ErrInvalidTag rejects tags outside the fixed vocabulary.
	ErrInvalidTag = errors.New("memory: invalid tag")
	// ErrNotFound covers both a missing memory and one owned by a
	// different user; callers never learn which.
	ErrNotFound = errors.New("memory: not found")
)

// Config carries the engine tunables. Zero values are not usable;
// populate from the application config.
type Config struct {
	// Quota is the active-memory cap for non-admin users.
	Quota int
	// DupThreshold is the similarity above which a same-tag neighbour
	// makes a new memory a semantic duplicate.
	DupThreshold float64
	// ConflictThreshold is the similarity at or above which a same-tag
	// neighbour becomes a conflict edge.
	ConflictThreshold float64
	// UpgradeLink is included in quota-exceeded results.
	UpgradeLink string
	// PruneMinAge and PruneMinIdle are the created-at and last-accessed
	// cutoffs for the archive sweep.
	PruneMinAge  time.Duration
	PruneMinIdle time.Duration
}

// Service encapsulates memory business logic shared by the MCP tools.
type Service struct {
	db       *storage.DB
	embedder embedding.Provider
	searcher search.Searcher
	locks    *userlock.Registry
	hashes   *hashCache
	logger   *slog.Logger
	cfg      Config

	embeddingDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
}

// New creates a memory Service.
// searcher may be nil if Qdrant is not configured (recall uses the
// store's vector scan and the keyword fallback instead).
func New(db *storage.DB, embedder embedding.Provider, searcher search.Searcher, locks *userlock.Registry, logger *slog.Logger, cfg Config) *Service {
	meter := telemetry.Meter("mindmirror/memory")
	embDur, _ := meter.Float64Histogram("mindmirror.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("mindmirror.search.duration",
		metric.WithDescription("Time to execute search queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:                db,
		embedder:          embedder,
		searcher:          searcher,
		locks:             locks,
		hashes:            newHashCache(),
		logger:            logger,
		cfg:               cfg,
		embeddingDuration: embDur,
		searchDuration:    searchDur,
	}
}

// Close stops the hash cache's eviction goroutine.
func (s *Service) Close() error {
	return s.hashes.Close()
}

// RememberInput contains the data needed to store a memory.
type RememberInput struct {
	UserID string
	Text   string
	Tag    string
	// Admin sessions bypass the quota check.
	Admin bool
}

// Remember stores one memory, guarding against exact and near-identical
// restatements and recording conflict edges against same-tag neighbours
// that sit in the "close but not identical" similarity band. Duplicate
// and quota outcomes are results, not errors; only validation and
// backend failures surface as errors.
func (s *Service) Remember(ctx context.Context, input RememberInput) (model.StoreResult, error) {
	// 0. Span attributes for trace correlation.
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("mindmirror.user_id", input.UserID),
		attribute.String("mindmirror.tag", input.Tag),
	)

	text := strings.TrimSpace(input.Text)
	if text == "" {
		return model.StoreResult{}, ErrEmptyText
	}
	if !model.IsValidTag(input.Tag) {
		return model.StoreResult{}, fmt.Errorf("%w: %q", ErrInvalidTag, input.Tag)
	}
	tag := model.Tag(input.Tag)

	// 1. Exact-duplicate fast path: a cached hash answers without the
	// lock, the embedding call, or an insert attempt. The cache is
	// advisory — a stale hit falls through to the insert path, where the
	// store's unique index has the final word.
	hash := exactHash(text, tag)
	if s.hashes.Contains(input.UserID, hash) {
		dup, err := s.db.GetMemoryByHash(ctx, input.UserID, hash)
		switch {
		case err == nil:
			return model.StoreResult{
				Status:    model.StoreStatusDuplicate,
				Reason:    model.DuplicateExact,
				Duplicate: &dup,
			}, nil
		case errors.Is(err, storage.ErrNotFound):
			s.hashes.Remove(input.UserID, hash)
		default:
			s.logger.Warn("remember: hash lookup failed, continuing to insert path", "error", err)
		}
	}

	// 2. Serialise writes for this user. The quota check, the neighbour
	// scan, and the conflict-edge writes below read state a concurrent
	// remember or forget on the same account would be mutating.
	unlock := s.locks.Lock(input.UserID)
	defer unlock()

	// 3. Quota check. Admin sessions are exempt.
	if !input.Admin {
		used, err := s.db.CountMemories(ctx, input.UserID)
		if err != nil {
			return model.StoreResult{}, fmt.Errorf("remember: count memories: %w", err)
		}
		if used >= s.cfg.Quota {
			return model.StoreResult{
				Status: model.StoreStatusQuotaExceeded,
				Quota: &model.QuotaStatus{
					Used:        used,
					Limit:       s.cfg.Quota,
					UpgradeLink: s.cfg.UpgradeLink,
				},
			}, nil
		}
	}

	// 4. Generate the embedding (may call an external API). Unlike
	// recall, a failing backend fails the whole call: a row stored
	// without a vector would skip dedup and conflict detection forever.
	embStart := time.Now()
	vec, err := s.embedder.Embed(ctx, text)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return model.StoreResult{}, fmt.Errorf("remember: embed: %w", err)
	}
	if err := s.validateEmbeddingDims(vec); err != nil {
		return model.StoreResult{}, fmt.Errorf("remember: %w (check MINDMIRROR_EMBEDDING_DIMS config)", err)
	}

	// 5+6. One nearest-neighbour scan serves both guards: among the top
	// 5 same-tag rows, any of the first 3 above the duplicate threshold
	// collapses the write into duplicate/semantic, and every row at or
	// above the conflict threshold becomes an edge. The scan runs before
	// the insert, so the new row can never name itself as a neighbour.
	var (
		emb       *pgvector.Vector
		conflicts []model.Memory
	)
	if !isZeroVector(vec) {
		emb = &vec
		neighbours, err := s.db.NearestMemories(ctx, input.UserID, string(tag), vec, 5)
		if err != nil {
			return model.StoreResult{}, fmt.Errorf("remember: scan neighbours: %w", err)
		}
		for i, n := range neighbours {
			if i < 3 && n.Similarity > s.cfg.DupThreshold {
				dup := n.Memory
				return model.StoreResult{
					Status:     model.StoreStatusDuplicate,
					Reason:     model.DuplicateSemantic,
					Duplicate:  &dup,
					Similarity: n.Similarity,
				}, nil
			}
			if n.Similarity >= s.cfg.ConflictThreshold {
				conflicts = append(conflicts, n.Memory)
			}
		}
	}

	conflictIDs := make([]string, len(conflicts))
	for i, c := range conflicts {
		conflictIDs[i] = c.ID
	}

	// 7+8. Persist. The storage layer writes the row and the reverse
	// conflict edges in one transaction; a concurrent insert of the same
	// text surfaces here as ErrDuplicateHash.
	m := model.Memory{
		ID:           ids.NewMemoryID(),
		UserID:       input.UserID,
		Text:         text,
		Tag:          tag,
		ExactHash:    hash,
		Embedding:    emb,
		HasConflicts: len(conflictIDs) > 0,
		ConflictIDs:  conflictIDs,
		CreatedAt:    time.Now().UTC(),
	}
	err = storage.WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		return s.db.StoreMemory(ctx, m, s.searcher != nil)
	})
	if errors.Is(err, storage.ErrDuplicateHash) {
		s.hashes.Add(input.UserID, hash)
		res := model.StoreResult{
			Status: model.StoreStatusDuplicate,
			Reason: model.DuplicateExact,
		}
		if dup, lookupErr := s.db.GetMemoryByHash(ctx, input.UserID, hash); lookupErr == nil {
			res.Duplicate = &dup
		} else {
			s.logger.Warn("remember: duplicate row lookup failed", "error", lookupErr)
		}
		return res, nil
	}
	if err != nil {
		return model.StoreResult{}, fmt.Errorf("remember: store: %w", err)
	}
	s.hashes.Add(input.UserID, hash)

	m.LastAccessed = m.CreatedAt
	return model.StoreResult{
		Status:    model.StoreStatusStored,
		Memory:    m,
		Conflicts: conflicts,
	}, nil
}

// RecallInput contains the parameters of a retrieval.
type RecallInput struct {
	UserID string
	Query  string
	// Limit caps the result list; 0 means the default of 10.
	Limit int
	// Tag narrows the search to one category when non-empty.
	Tag string
}

const defaultRecallLimit = 10

// Recall runs the hybrid search: a vector pass (Qdrant when healthy,
// the store's scan otherwise), a keyword fallback to fill the remainder,
// a composite re-sort, and conflict-group assembly around the results.
// Partial backend failures degrade the result rather than failing the
// call; only validation errors and a fully unavailable store surface.
func (s *Service) Recall(ctx context.Context, input RecallInput) (model.RecallResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("mindmirror.user_id", input.UserID))

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return model.RecallResult{}, ErrEmptyQuery
	}
	if input.Tag != "" && !model.IsValidTag(input.Tag) {
		return model.RecallResult{}, fmt.Errorf("%w: %q", ErrInvalidTag, input.Tag)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	// 1. Embed the query once; both vector tiers share it. A failing
	// embedding backend downgrades recall to keyword-only.
	var queryVec *pgvector.Vector
	embStart := time.Now()
	vec, err := s.embedder.Embed(ctx, query)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		s.logger.Warn("recall: embedding failed, falling back to keyword search", "error", err)
	} else if err := s.validateEmbeddingDims(vec); err != nil {
		return model.RecallResult{}, fmt.Errorf("recall: %w (check MINDMIRROR_EMBEDDING_DIMS config)", err)
	} else if !isZeroVector(vec) {
		queryVec = &vec
	}

	// 2. Vector pass.
	var found []model.RecalledMemory
	if queryVec != nil {
		found = s.vectorPass(ctx, input.UserID, input.Tag, *queryVec, limit)
	}

	// 3. Keyword fallback: fill the remainder with substring matches the
	// vector pass missed. Synthetic similarities start at 0.70 and step
	// down 0.03 per rank, below strong semantic hits but above weak ones.
	if len(found) < limit {
		if tokens := keywordTokens(query); len(tokens) > 0 {
			exclude := make([]string, len(found))
			for i, f := range found {
				exclude[i] = f.ID
			}
			extra, err := s.db.KeywordMemories(ctx, input.UserID, input.Tag, tokens, exclude, limit-len(found))
			if err != nil {
				if len(found) == 0 {
					return model.RecallResult{}, fmt.Errorf("recall: keyword search: %w", err)
				}
				s.logger.Warn("recall: keyword fallback failed, returning vector hits only", "error", err)
			}
			for i, m := range extra {
				found = append(found, model.RecalledMemory{
					Memory:     m,
					Similarity: math.Max(0, 0.70-0.03*float64(i)),
				})
			}
		}
	}

	// 4. Composite sort: similarity first, recency as the tiebreaker.
	// Creation time never overrides similarity.
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Similarity != found[j].Similarity {
			return found[i].Similarity > found[j].Similarity
		}
		return found[i].CreatedAt.After(found[j].CreatedAt)
	})

	if len(found) == 0 {
		return model.RecallResult{}, nil
	}

	// 5. Bump last_accessed on everything returned; the rows in hand
	// keep their pre-touch timestamps for display. Non-fatal.
	touched := make([]string, len(found))
	for i, f := range found {
		touched[i] = f.ID
	}
	if err := s.db.TouchMemories(ctx, input.UserID, touched); err != nil {
		s.logger.Warn("recall: touch memories failed", "error", err)
	}

	// 6. Assemble conflict groups around the returned rows.
	groups, err := s.buildConflictGroups(ctx, input.UserID, found)
	if err != nil {
		s.logger.Warn("recall: conflict grouping failed, returning matches without groups", "error", err)
		groups = nil
	}

	return model.RecallResult{Memories: found, Groups: groups}, nil
}

// vectorPass returns up to limit nearest matches. Qdrant is preferred
// when configured and healthy; any failure there falls through to the
// store's own vector scan, and a failing scan degrades to no vector
// hits rather than surfacing.
func (s *Service) vectorPass(ctx context.Context, userID, tag string, vec pgvector.Vector, limit int) []model.RecalledMemory {
	if s.searcher != nil {
		if err := s.searcher.Healthy(ctx); err == nil {
			searchStart := time.Now()
			hits, err := s.searcher.Search(ctx, userID, vec.Slice(), tag, limit)
			s.searchDuration.Record(ctx, float64(time.Since(searchStart).Milliseconds()))
			if err != nil {
				s.logger.Warn("recall: qdrant query failed, falling back to store scan", "error", err)
			} else {
				out, err := s.hydrateHits(ctx, userID, hits, limit)
				if err != nil {
					s.logger.Warn("recall: hydrating qdrant hits failed, falling back to store scan", "error", err)
				} else {
					return out
				}
			}
		} else {
			s.logger.Debug("recall: qdrant unhealthy, using store scan", "error", err)
		}
	}

	out, err := s.db.NearestMemories(ctx, userID, tag, vec, limit)
	if err != nil {
		s.logger.Warn("recall: vector scan failed, falling back to keyword search", "error", err)
		return nil
	}
	return out
}

// hydrateHits resolves index hits to full rows. The index can lag the
// store, so ids that no longer resolve — or resolve to archived rows —
// are dropped silently.
func (s *Service) hydrateHits(ctx context.Context, userID string, hits []search.Result, limit int) ([]model.RecalledMemory, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	memIDs := make([]string, len(hits))
	for i, h := range hits {
		memIDs[i] = h.MemoryID
	}
	rows, err := s.db.GetMemories(ctx, userID, memIDs)
	if err != nil {
		return nil, fmt.Errorf("hydrate %d hits: %w", len(hits), err)
	}

	byID := make(map[string]model.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	out := make([]model.RecalledMemory, 0, limit)
	for _, h := range hits {
		m, ok := byID[h.MemoryID]
		if !ok || m.Archived {
			continue
		}
		out = append(out, model.RecalledMemory{
			Memory:     m,
			Similarity: search.SimilarityFromScore(h.Score),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// buildConflictGroups merges the conflict edges touching the returned
// rows into connected components: every id co-occurring with another in
// some conflict list lands in the same group. Components of size one
// are dropped, as are archived members and near-identical restatements
// within a group.
func (s *Service) buildConflictGroups(ctx context.Context, userID string, found []model.RecalledMemory) ([]model.ConflictGroup, error) {
	known := make(map[string]model.Memory, len(found))
	for _, rm := range found {
		known[rm.ID] = rm.Memory
	}

	uf := newUnionFind()
	var missing []string
	for _, rm := range found {
		if !rm.HasConflicts {
			continue
		}
		for _, cid := range rm.ConflictIDs {
			if cid == rm.ID {
				continue
			}
			uf.union(rm.ID, cid)
			if _, ok := known[cid]; !ok {
				missing = append(missing, cid)
			}
		}
	}
	if len(missing) > 0 {
		rows, err := s.db.GetMemories(ctx, userID, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch conflict neighbours: %w", err)
		}
		for _, m := range rows {
			known[m.ID] = m
		}
	}

	var groups []model.ConflictGroup
	for _, comp := range uf.components() {
		members := make([]model.Memory, 0, len(comp))
		for _, id := range comp {
			m, ok := known[id]
			if !ok || m.Archived {
				continue
			}
			members = append(members, m)
		}
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].CreatedAt.After(members[j].CreatedAt)
		})
		members = s.dedupeGroup(members)
		if len(members) < 2 {
			continue
		}
		groups = append(groups, model.ConflictGroup{Memories: members})
	}

	// Newest group first, keyed by each group's most recent member.
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Memories[0].CreatedAt.After(groups[j].Memories[0].CreatedAt)
	})
	return groups, nil
}

// dedupeGroup collapses group members that are near-identical to an
// already-kept member, so restatements that entered the graph through
// different edges don't appear twice. Members arrive newest first, so
// the survivor of any pair is the more recent one. Members without an
// embedding cannot be compared and are kept.
func (s *Service) dedupeGroup(members []model.Memory) []model.Memory {
	kept := make([]model.Memory, 0, len(members))
	for _, cand := range members {
		nearIdentical := false
		for _, k := range kept {
			if cand.Embedding == nil || k.Embedding == nil {
				continue
			}
			if cosineSimilarity(cand.Embedding.Slice(), k.Embedding.Slice()) > s.cfg.DupThreshold {
				nearIdentical = true
				break
			}
		}
		if !nearIdentical {
			kept = append(kept, cand)
		}
	}
	return kept
}

// Forget deletes one memory and repairs the conflict edges pointing at
// it. Returns the deleted row so callers can confirm with its text. A
// missing row and a row owned by another user both report ErrNotFound.
func (s *Service) Forget(ctx context.Context, userID, id string) (model.Memory, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("mindmirror.user_id", userID))

	// Graph repair reads and rewrites the same neighbour rows a
	// concurrent remember would be linking; take the same lock.
	unlock := s.locks.Lock(userID)
	defer unlock()

	m, err := s.db.GetMemory(ctx, userID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("forget: %w", err)
	}

	deleted, err := s.db.ForgetMemory(ctx, userID, id, s.searcher != nil)
	if err != nil {
		return model.Memory{}, fmt.Errorf("forget: %w", err)
	}
	if !deleted {
		return model.Memory{}, ErrNotFound
	}

	s.hashes.Remove(userID, m.ExactHash)
	return m, nil
}

// Inventory returns the user's active memories, newest first. Unlike
// recall it computes no similarity and does not bump access times.
func (s *Service) Inventory(ctx context.Context, userID, tag string, limit int) ([]model.Memory, error) {
	if tag != "" && !model.IsValidTag(tag) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	out, err := s.db.ListMemories(ctx, userID, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return out, nil
}

// Usage reports the user's quota consumption.
func (s *Service) Usage(ctx context.Context, userID string) (model.QuotaStatus, error) {
	used, err := s.db.CountMemories(ctx, userID)
	if err != nil {
		return model.QuotaStatus{}, fmt.Errorf("usage: %w", err)
	}
	return model.QuotaStatus{
		Used:        used,
		Limit:       s.cfg.Quota,
		UpgradeLink: s.cfg.UpgradeLink,
	}, nil
}

// Prune archives every memory past both the age and idle cutoffs,
// skipping the protected tags. Classification only — nothing is
// deleted; archived rows just stop appearing in recall and inventory.
// Returns the rows archived by this sweep.
func (s *Service) Prune(ctx context.Context) ([]model.Memory, error) {
	var excluded []string
	for _, t := range model.ValidTags {
		if t.Protected() {
			excluded = append(excluded, string(t))
		}
	}

	now := time.Now()
	marked, err := s.db.MarkPrunable(ctx,
		now.Add(-s.cfg.PruneMinAge),
		now.Add(-s.cfg.PruneMinIdle),
		excluded,
		s.searcher != nil,
	)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	if len(marked) > 0 {
		s.logger.Info("prune: archived stale memories", "count", len(marked))
	}
	return marked, nil
}

// exactHash fingerprints a memory for exact dedup: md5 over the
// normalized text, a colon, and the tag. Same text under a different
// tag is a different memory.
func exactHash(text string, tag model.Tag) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	sum := md5.Sum([]byte(norm + ":" + string(tag))) //nolint:gosec // dedup fingerprint, not a security boundary
	return hex.EncodeToString(sum[:])
}

// validateEmbeddingDims checks that the vector has the expected number
// of dimensions.
func (s *Service) validateEmbeddingDims(v pgvector.Vector) error {
	expected := s.embedder.Dimensions()
	got := len(v.Slice())
	if got != expected {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", got, expected)
	}
	return nil
}

// isZeroVector returns true if all elements of the vector are zero
// (noop provider). Cosine distance to a zero vector is undefined, so
// zero vectors are never stored or scanned against.
func isZeroVector(v pgvector.Vector) bool {
	for _, val := range v.Slice() {
		if val != 0 {
			return false
		}
	}
	return true
}

// cosineSimilarity maps the cosine of the angle between a and b onto
// the same [0,1] scale the store reports, max(0, (1+cos)/2). Returns 0
// when either vector has no magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, (1+cos)/2)
}
