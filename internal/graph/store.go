// Package graph defines the L2/L3 memory store and its two adapters: a
// Neo4j-backed production store and an embedded SQLite store with the
// same semantics. Nodes carry the reserved attribute set; soft deletion
// hides nodes from every query until a purge removes them for good.
package graph

import (
	"context"
	"math"
	"time"

	"fractalmem/internal/memtypes"
)

// Edge relationship types.
const (
	RelMentions  = "MENTIONS"
	RelRelatesTo = "RELATES_TO"
	RelHasMember = "HAS_MEMBER"
	RelAppliedIn = "APPLIED_IN"
)

// Store is the L2/L3 graph tier. All queries are scoped to the user the
// adapter was opened for, and all read paths exclude soft-deleted nodes.
type Store interface {
	// Writes. Upserts merge on ID.
	UpsertEpisode(ctx context.Context, ep *memtypes.Episode) error
	UpsertEntity(ctx context.Context, en *memtypes.Entity) error
	UpsertCommunity(ctx context.Context, c *memtypes.Community) error

	// Edges.
	LinkMention(ctx context.Context, episodeID, entityID string) error
	RelateEntities(ctx context.Context, aID, bID string) error
	AddMember(ctx context.Context, communityID, memberID string) error
	LinkApplied(ctx context.Context, strategyID, experienceID string) error

	// Reads.
	GetEpisode(ctx context.Context, id string) (memtypes.Episode, error)
	ListEpisodes(ctx context.Context, level memtypes.Level, limit int) ([]memtypes.Episode, error)
	ListBySource(ctx context.Context, source string, limit int) ([]memtypes.Episode, error)
	ListCommunities(ctx context.Context, limit int) ([]memtypes.Community, error)

	// Retrieval arms.
	SearchVector(ctx context.Context, embedding []float32, k int) ([]memtypes.Episode, error)
	SearchKeyword(ctx context.Context, query string, k int) ([]memtypes.Episode, error)
	SearchGraph(ctx context.Context, entityNames []string, k int) ([]memtypes.Episode, error)

	// Lifecycle.
	ExistsDuplicate(ctx context.Context, contentHash string) (bool, error)
	TouchAccess(ctx context.Context, ids []string) error
	UpdateImportance(ctx context.Context, id string, score float64) error
	SoftDelete(ctx context.Context, ids []string) error
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error)

	// Operational.
	CountByLevel(ctx context.Context) (memtypes.TierStats, error)
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// validateEpisode enforces the data model before any write.
func validateEpisode(ep *memtypes.Episode, wantDims int) error {
	if ep.ID == "" {
		return memtypes.Validation("id", "must not be empty")
	}
	if ep.UserID == "" {
		return memtypes.Validation("user_id", "must not be empty")
	}
	if ep.ImportanceScore < 0 || ep.ImportanceScore > 1 {
		return &memtypes.IntegrityError{NodeID: ep.ID, Msg: "importance_score out of [0,1]"}
	}
	if wantDims > 0 && len(ep.Embedding) > 0 && len(ep.Embedding) != wantDims {
		return &memtypes.IntegrityError{NodeID: ep.ID, Msg: "embedding dimensionality mismatch"}
	}
	for k := range ep.Metadata {
		if memtypes.ReservedAttrs[k] {
			return &memtypes.IntegrityError{NodeID: ep.ID, Msg: "metadata key shadows reserved attribute: " + k}
		}
	}
	return nil
}
