// Package memtypes defines the shared data model for the fractal memory
// core: conversation turns (L0), session summaries (L1), graph memories
// (L2/L3), retrieval results, and the reasoning bank's strategies and
// experiences.
package memtypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// MEMORY TIERS
// =============================================================================

// Level identifies a memory tier.
type Level int

const (
	LevelL0 Level = iota // raw conversation turns
	LevelL1              // session summaries
	LevelL2              // episodic and entity memories
	LevelL3              // community abstractions
)

// String returns the lowercase tier name ("l0".."l3").
func (l Level) String() string {
	switch l {
	case LevelL0:
		return "l0"
	case LevelL1:
		return "l1"
	case LevelL2:
		return "l2"
	case LevelL3:
		return "l3"
	default:
		return "unknown"
	}
}

// ParseLevel converts a tier name to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l0", "0":
		return LevelL0, true
	case "l1", "1":
		return LevelL1, true
	case "l2", "2":
		return LevelL2, true
	case "l3", "3":
		return LevelL3, true
	}
	return 0, false
}

// =============================================================================
// L0: CONVERSATION TURNS
// =============================================================================

// Turn is a single conversation turn in the L0 append log.
type Turn struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // "user" or "assistant"
	Content    string    `json:"content"`
	SessionID  string    `json:"session_id"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
}

// =============================================================================
// L1: SESSION SUMMARIES
// =============================================================================

// SessionSummary is a consolidated summary of one session's turns.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Summary    string    `json:"summary"`
	KeyFacts   []string  `json:"key_facts,omitempty"`
	Importance float64   `json:"importance"`
	TurnCount  int       `json:"turn_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// L2/L3: GRAPH NODES
// =============================================================================

// Episode is an episodic memory node. The fields below map one-to-one to
// the reserved graph attributes; Metadata carries everything else and may
// never shadow a reserved name.
type Episode struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Content           string                 `json:"content"`
	Source            string                 `json:"source"`
	SourceDescription string                 `json:"source_description,omitempty"`
	Scale             string                 `json:"scale,omitempty"` // micro|meso|macro
	Embedding         []float32              `json:"embedding,omitempty"`
	ImportanceScore   float64                `json:"importance_score"`
	AccessCount       int64                  `json:"access_count"`
	CreatedAt         time.Time              `json:"created_at"`
	LastAccessed      time.Time              `json:"last_accessed"`
	Level             Level                  `json:"level"`
	UserID            string                 `json:"user_id"`
	Deleted           bool                   `json:"deleted"`
	DeletedAt         time.Time              `json:"deleted_at,omitempty"`
	Outcome           string                 `json:"outcome,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Entity is a named entity extracted from episodes.
type Entity struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Summary         string    `json:"summary"`
	Embedding       []float32 `json:"embedding,omitempty"`
	ImportanceScore float64   `json:"importance_score"`
	AccessCount     int64     `json:"access_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessed    time.Time `json:"last_accessed"`
	UserID          string    `json:"user_id"`
	Deleted         bool      `json:"deleted"`
	DeletedAt       time.Time `json:"deleted_at,omitempty"`
}

// Community is an L3 abstraction over a set of L2 nodes.
type Community struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary"`
	Level     Level     `json:"level"`
	MemberIDs []string  `json:"member_ids"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Episode sources written by the consolidation pipeline and the
// reasoning bank. Strategy and experience nodes are working knowledge,
// not decaying memories, so the garbage collector leaves them alone.
const (
	SourceMessage     = "message"
	SourceSummary     = "conversation_summary"
	SourceAbstraction = "abstraction"
	SourceStrategy    = "strategy"
	SourceExperience  = "experience_log"
)

// ReservedAttrs lists graph attribute names that Metadata must not shadow.
var ReservedAttrs = map[string]bool{
	"id": true, "name": true, "content": true, "summary": true,
	"embedding": true, "importance_score": true, "access_count": true,
	"created_at": true, "last_accessed": true, "level": true,
	"scale": true, "deleted": true, "deleted_at": true,
	"outcome": true, "user_id": true,
}

// ContentHash returns the dedup key for episode content: sha256 of the
// lowercased first 200 characters, hex-encoded.
func ContentHash(content string) string {
	snippet := strings.ToLower(strings.TrimSpace(content))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	sum := sha256.Sum256([]byte(snippet))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// RetrievalResult is one fused retrieval hit.
type RetrievalResult struct {
	Episode Episode  `json:"episode"`
	Score   float64  `json:"score"`
	Arms    []string `json:"arms"` // retrieval arms that surfaced this hit
}

// RetrievalOutput is the full answer to a retrieval request. Degraded is
// set when at least one arm failed and the fusion ran on partial results.
type RetrievalOutput struct {
	Results  []RetrievalResult `json:"results"`
	Degraded bool              `json:"degraded"`
}

// =============================================================================
// REASONING BANK
// =============================================================================

// Strategy is a reusable approach learned from past task outcomes.
type Strategy struct {
	ID            string    `json:"id"`
	TaskType      string    `json:"task_type"`
	Signature     []string  `json:"signature"` // common tokens across source experiences
	Description   string    `json:"description"`
	Confidence    float64   `json:"confidence"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	IsAntiPattern bool      `json:"is_anti_pattern"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Experience records the outcome of one completed task. StrategyID is
// set when a strategy was applied to the attempt.
type Experience struct {
	TaskType   string    `json:"task_type"`
	Actions    []string  `json:"actions"`
	Outcome    string    `json:"outcome"` // "success" or "failure"
	StrategyID string    `json:"strategy_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// =============================================================================
// PIPELINE REPORTS
// =============================================================================

// ConsolidationCounts reports one consolidation cycle. A cycle skipped due
// to lock contention returns the zero value.
type ConsolidationCounts struct {
	TurnsConsolidated int `json:"turns_consolidated"`
	SummariesCreated  int `json:"summaries_created"`
	EpisodesPromoted  int `json:"episodes_promoted"`
	TurnsDecayed      int `json:"turns_decayed"`
	TurnsForgotten    int `json:"turns_forgotten"`
}

// GCReport reports one garbage-collection cycle.
type GCReport struct {
	Scanned     int `json:"scanned"`
	Decayed     int `json:"decayed"`
	SoftDeleted int `json:"soft_deleted"`
	Abstracted  int `json:"abstracted"`
}

// TierStats reports node counts per tier. LastConsolidation is nil
// until the first consolidation cycle of this process did work.
type TierStats struct {
	L0Count           int64      `json:"l0_count"`
	L1Count           int64      `json:"l1_count"`
	L2Count           int64      `json:"l2_count"`
	L3Count           int64      `json:"l3_count"`
	Deleted           int64      `json:"deleted"`
	LastConsolidation *time.Time `json:"last_consolidation,omitempty"`
}
