// Package memory implements the fractal memory core: the L0 append path,
// the consolidation pipeline that distils raw turns into session
// summaries and graph episodes, the decay-driven garbage collector, and
// the recall entry point.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/llm"
	"fractalmem/internal/memtypes"
	"fractalmem/internal/retry"
	"fractalmem/internal/volatile"
)

// summaryScanLimit caps how many recent L1 summaries a recall scans.
const summaryScanLimit = 50

// Recaller is the retrieval entry point Recall delegates to when one is
// wired. The hybrid retriever satisfies it.
type Recaller interface {
	Retrieve(ctx context.Context, query string, limit int) (memtypes.RetrievalOutput, error)
}

// Options tunes the pipeline.
type Options struct {
	UserID              string
	BatchSize           int
	ImportanceThreshold float64
	// L2Threshold is the promotion cutoff for direct L0→L2 promotion.
	// nil takes the default; an explicit zero promotes every turn.
	L2Threshold    *float64
	RetrievalLimit int
	// PurgeAfter is how long soft-deleted nodes linger before a purge.
	PurgeAfter time.Duration
	Logger     *zap.Logger
}

// FractalMemory coordinates the tiers.
type FractalMemory struct {
	volatile *volatile.Store
	graph    graph.Store
	embedder embedding.Engine
	llm      llm.Client
	recaller Recaller

	userID              string
	batchSize           int
	importanceThreshold float64
	l2Threshold         float64
	retrievalLimit      int
	purgeAfter          time.Duration

	retryPolicy retry.Policy
	logger      *zap.Logger

	mu               sync.Mutex
	lastConsolidated time.Time
}

// New assembles a FractalMemory. The LLM client is optional: without it
// summaries fall back to deterministic extraction and the abstraction
// pass is skipped.
func New(vs *volatile.Store, gs graph.Store, embedder embedding.Engine, client llm.Client, opts Options) *FractalMemory {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	if opts.ImportanceThreshold <= 0 {
		opts.ImportanceThreshold = 0.3
	}
	if opts.L2Threshold == nil {
		def := 0.7
		opts.L2Threshold = &def
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 5
	}
	if opts.PurgeAfter <= 0 {
		opts.PurgeAfter = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FractalMemory{
		volatile:            vs,
		graph:               gs,
		embedder:            embedder,
		llm:                 client,
		userID:              opts.UserID,
		batchSize:           opts.BatchSize,
		importanceThreshold: opts.ImportanceThreshold,
		l2Threshold:         *opts.L2Threshold,
		retrievalLimit:      opts.RetrievalLimit,
		purgeAfter:          opts.PurgeAfter,
		retryPolicy:         retry.DefaultPolicy(),
		logger:              opts.Logger.Named("memory"),
	}
}

// SetRecaller wires the hybrid retriever in after construction; the
// retriever itself needs the graph store and embedder this memory owns.
func (m *FractalMemory) SetRecaller(r Recaller) { m.recaller = r }

// Graph exposes the underlying graph store to collaborators (retriever,
// reasoning bank, HTTP surface).
func (m *FractalMemory) Graph() graph.Store { return m.graph }

// Volatile exposes the underlying volatile store.
func (m *FractalMemory) Volatile() *volatile.Store { return m.volatile }

// EntityID returns the identifier an entity with the given name has in
// this user's graph.
func (m *FractalMemory) EntityID(name string) string { return EntityID(m.userID, name) }

// =============================================================================
// REMEMBER / RECALL
// =============================================================================

// Remember appends a turn to L0. An unscored turn (zero importance) is
// stamped with full importance before the write.
func (m *FractalMemory) Remember(ctx context.Context, turn memtypes.Turn) (string, error) {
	if turn.Importance == 0 {
		turn.Importance = 1.0
	}
	if turn.Importance < 0 || turn.Importance > 1 {
		return "", memtypes.Validation("importance", "must be in [0,1]")
	}
	var id string
	err := m.retryPolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = m.volatile.AppendTurn(ctx, turn)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}
	m.logger.Debug("turn remembered",
		zap.String("id", id), zap.String("session", turn.SessionID),
		zap.Float64("importance", turn.Importance))
	return id, nil
}

// Recall answers a query by cascading down the tiers: L0 turns and L1
// summaries by substring match scored with the decay kernel, then L2/L3
// through the hybrid retriever. When the local tiers alone can fill the
// limit the graph budget is halved. The union is re-ranked on a single
// score; ties break by recency, then ID.
func (m *FractalMemory) Recall(ctx context.Context, query string, limit int) (memtypes.RetrievalOutput, error) {
	if strings.TrimSpace(query) == "" {
		return memtypes.RetrievalOutput{}, memtypes.Validation("query", "must not be empty")
	}
	if limit <= 0 {
		limit = m.retrievalLimit
	}

	needle := strings.ToLower(query)
	now := time.Now().UTC()
	var local []memtypes.RetrievalResult

	turns, err := m.volatile.AllTurns(ctx)
	if err != nil {
		return memtypes.RetrievalOutput{}, fmt.Errorf("recall l0: %w", err)
	}
	for _, t := range turns {
		if !strings.Contains(strings.ToLower(t.Content), needle) {
			continue
		}
		local = append(local, memtypes.RetrievalResult{
			Episode: memtypes.Episode{
				ID:              "turn:" + t.ID,
				Content:         t.Content,
				Source:          "conversation",
				ImportanceScore: t.Importance,
				Level:           memtypes.LevelL0,
				UserID:          m.userID,
				CreatedAt:       t.Timestamp,
			},
			Score: DecayedImportance(t.Importance, memtypes.LevelL0, now.Sub(t.Timestamp), 0),
			Arms:  []string{"l0"},
		})
	}

	sums, err := m.volatile.RecentSummaries(ctx, summaryScanLimit)
	if err != nil {
		return memtypes.RetrievalOutput{}, fmt.Errorf("recall l1: %w", err)
	}
	for _, sum := range sums {
		if !strings.Contains(strings.ToLower(sum.Summary), needle) {
			continue
		}
		local = append(local, memtypes.RetrievalResult{
			Episode: memtypes.Episode{
				ID:              "summary:" + sum.SessionID,
				Content:         sum.Summary,
				Source:          memtypes.SourceSummary,
				ImportanceScore: sum.Importance,
				Level:           memtypes.LevelL1,
				UserID:          m.userID,
				CreatedAt:       sum.CreatedAt,
			},
			Score: DecayedImportance(sum.Importance, memtypes.LevelL1, now.Sub(sum.CreatedAt), 0),
			Arms:  []string{"l1"},
		})
	}

	// Local tiers that already fill the limit shrink the graph budget.
	graphLimit := limit
	if len(local) >= limit {
		graphLimit = limit / 2
		if graphLimit < 1 {
			graphLimit = 1
		}
	}

	var out memtypes.RetrievalOutput
	if m.recaller != nil {
		fused, err := m.recaller.Retrieve(ctx, query, graphLimit)
		switch {
		case errors.Is(err, memtypes.ErrRetrieverUnavailable) && len(local) > 0:
			// The local tiers still answer; the result is degraded.
			out.Degraded = true
		case err != nil:
			return memtypes.RetrievalOutput{}, err
		default:
			out = fused
		}
	}
	out.Results = append(local, out.Results...)

	sort.Slice(out.Results, func(i, j int) bool {
		a, b := out.Results[i], out.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Episode.CreatedAt.Equal(b.Episode.CreatedAt) {
			return a.Episode.CreatedAt.After(b.Episode.CreatedAt)
		}
		return a.Episode.ID < b.Episode.ID
	})
	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out, nil
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// Consolidate runs one L0→L1→L2 cycle under the distributed lock. When
// another process holds the lock the cycle is skipped: zero counts, no
// error.
func (m *FractalMemory) Consolidate(ctx context.Context) (memtypes.ConsolidationCounts, error) {
	var counts memtypes.ConsolidationCounts

	token, err := m.volatile.AcquireLock(ctx)
	if errors.Is(err, memtypes.ErrLockHeld) {
		m.logger.Debug("consolidation lock busy, skipping cycle")
		return counts, nil
	}
	if err != nil {
		return counts, fmt.Errorf("consolidate: %w", err)
	}
	defer func() {
		if err := m.volatile.ReleaseLock(context.WithoutCancel(ctx), token); err != nil {
			m.logger.Warn("lock release failed", zap.Error(err))
		}
	}()

	turns, err := m.volatile.UnconsolidatedTurns(ctx)
	if err != nil {
		return counts, fmt.Errorf("consolidate: %w", err)
	}
	if len(turns) == 0 {
		return counts, nil
	}

	// Decay and forgetting run every cycle, even when too few turns have
	// accumulated to summarise. Turns whose decayed importance falls
	// below the threshold are marked so no later cycle sees them again.
	now := time.Now().UTC()
	var kept []memtypes.Turn
	var forgotten []string
	for i := range turns {
		t := turns[i]
		decayed := DecayedImportance(t.Importance, memtypes.LevelL0, now.Sub(t.Timestamp), 0)
		if decayed != t.Importance {
			counts.TurnsDecayed++
		}
		if decayed < m.importanceThreshold {
			forgotten = append(forgotten, t.ID)
			counts.TurnsForgotten++
			continue
		}
		t.Importance = decayed
		kept = append(kept, t)
	}
	if len(forgotten) > 0 {
		err := m.retryPolicy.Do(ctx, func(ctx context.Context) error {
			return m.volatile.MarkConsolidated(ctx, forgotten)
		})
		if err != nil {
			return counts, fmt.Errorf("forget turns: %w", err)
		}
	}

	// Summarisation waits for a full batch of surviving turns.
	if len(kept) < m.batchSize {
		m.logger.Debug("below batch size, decay-only cycle",
			zap.Int("unconsolidated", len(kept)),
			zap.Int("batch_size", m.batchSize),
			zap.Int("forgotten", counts.TurnsForgotten))
		return counts, nil
	}

	// Sessions consolidate independently; turns within a session keep
	// arrival order.
	sessions := map[string][]memtypes.Turn{}
	var order []string
	for _, t := range kept {
		if _, ok := sessions[t.SessionID]; !ok {
			order = append(order, t.SessionID)
		}
		sessions[t.SessionID] = append(sessions[t.SessionID], t)
	}

	// High-importance raw turns are promoted directly as message
	// episodes before summarisation, so the dedup guard favours the
	// verbatim turn over a derived summary of the same content.
	for _, t := range kept {
		if t.Importance >= m.l2Threshold {
			promoted, err := m.promoteEpisode(ctx, t.Content, memtypes.SourceMessage,
				fmt.Sprintf("turn from session %s", t.SessionID), "micro", t.Importance)
			if err != nil {
				return counts, err
			}
			if promoted {
				counts.EpisodesPromoted++
			}
		}
	}

	for _, sessionID := range order {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		sessionTurns := sessions[sessionID]
		for start := 0; start < len(sessionTurns); start += m.batchSize {
			end := start + m.batchSize
			if end > len(sessionTurns) {
				end = len(sessionTurns)
			}
			batch := sessionTurns[start:end]
			if err := m.consolidateBatch(ctx, sessionID, batch, &counts); err != nil {
				return counts, err
			}
		}
	}

	m.mu.Lock()
	m.lastConsolidated = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("consolidation cycle complete",
		zap.Int("turns", counts.TurnsConsolidated),
		zap.Int("summaries", counts.SummariesCreated),
		zap.Int("promoted", counts.EpisodesPromoted),
		zap.Int("decayed", counts.TurnsDecayed),
		zap.Int("forgotten", counts.TurnsForgotten))
	return counts, nil
}

func (m *FractalMemory) consolidateBatch(ctx context.Context, sessionID string, batch []memtypes.Turn, counts *memtypes.ConsolidationCounts) error {
	payload := m.summarize(ctx, batch)
	if strings.TrimSpace(payload.Summary) == "" {
		// Nothing worth keeping; still mark the turns so the cycle
		// cannot reprocess them forever.
		return m.markBatch(ctx, batch, counts)
	}

	sum := memtypes.SessionSummary{
		SessionID:  sessionID,
		Summary:    payload.Summary,
		KeyFacts:   payload.KeyFacts,
		Importance: payload.Importance,
		TurnCount:  len(batch),
		CreatedAt:  time.Now().UTC(),
	}
	err := m.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return m.volatile.PutSummary(ctx, sum)
	})
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	counts.SummariesCreated++

	if err := m.markBatch(ctx, batch, counts); err != nil {
		return err
	}

	// The summary is written to L2 exactly once: a marker in the
	// consolidated set plus content-hash dedup guard the promotion.
	marker := "summary:" + memtypes.ContentHash(payload.Summary)
	done, err := m.volatile.IsConsolidated(ctx, marker)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	promoted, err := m.promoteEpisode(ctx, payload.Summary, memtypes.SourceSummary,
		fmt.Sprintf("summary of session %s", sessionID), "meso", payload.Importance)
	if err != nil {
		return err
	}
	if promoted {
		counts.EpisodesPromoted++
	}
	return m.volatile.MarkConsolidated(ctx, []string{marker})
}

func (m *FractalMemory) markBatch(ctx context.Context, batch []memtypes.Turn, counts *memtypes.ConsolidationCounts) error {
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}
	err := m.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return m.volatile.MarkConsolidated(ctx, ids)
	})
	if err != nil {
		return fmt.Errorf("mark consolidated: %w", err)
	}
	counts.TurnsConsolidated += len(batch)
	return nil
}

// promoteEpisode writes content to L2 unless an equivalent episode
// already exists. It also extracts and links mentioned entities.
func (m *FractalMemory) promoteEpisode(ctx context.Context, content, source, sourceDesc, scale string, importance float64) (bool, error) {
	hash := memtypes.ContentHash(content)
	exists, err := m.graph.ExistsDuplicate(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if exists {
		return false, nil
	}

	ep := memtypes.Episode{
		ID:                uuid.NewString(),
		Name:              firstSentence(content),
		Content:           content,
		Source:            source,
		SourceDescription: sourceDesc,
		Scale:             scale,
		ImportanceScore:   clamp01(importance),
		Level:             memtypes.LevelL2,
		UserID:            m.userID,
		CreatedAt:         time.Now().UTC(),
		LastAccessed:      time.Now().UTC(),
	}
	if m.embedder != nil {
		emb, err := m.embedder.Embed(ctx, content)
		if err != nil {
			m.logger.Warn("embedding failed, storing episode without vector", zap.Error(err))
		} else {
			ep.Embedding = emb
		}
	}
	err = m.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return m.graph.UpsertEpisode(ctx, &ep)
	})
	if err != nil {
		return false, fmt.Errorf("promote episode: %w", err)
	}

	for _, name := range ExtractEntityNames(content) {
		entity := memtypes.Entity{
			ID:              EntityID(m.userID, name),
			Name:            name,
			Summary:         "mentioned in " + source,
			ImportanceScore: 0.5,
			UserID:          m.userID,
		}
		if err := m.graph.UpsertEntity(ctx, &entity); err != nil {
			m.logger.Warn("entity upsert failed", zap.String("name", name), zap.Error(err))
			continue
		}
		if err := m.graph.LinkMention(ctx, ep.ID, entity.ID); err != nil {
			m.logger.Warn("mention link failed", zap.String("name", name), zap.Error(err))
		}
	}
	return true, nil
}

// =============================================================================
// GARBAGE COLLECTION
// =============================================================================

// GarbageCollect recomputes decayed importance for graph memories, soft
// deletes those below the forgetting threshold, purges old tombstones,
// and, when an LLM is available, abstracts dense L2 neighbourhoods to L3.
func (m *FractalMemory) GarbageCollect(ctx context.Context) (memtypes.GCReport, error) {
	var report memtypes.GCReport
	now := time.Now().UTC()

	for _, level := range []memtypes.Level{memtypes.LevelL2, memtypes.LevelL3} {
		episodes, err := m.graph.ListEpisodes(ctx, level, 10000)
		if err != nil {
			return report, fmt.Errorf("gc list %s: %w", level, err)
		}
		var doomed []string
		for _, ep := range episodes {
			// Strategy and experience nodes belong to the reasoning
			// bank's lifecycle; decay never forgets them.
			if ep.Source == memtypes.SourceStrategy || ep.Source == memtypes.SourceExperience {
				continue
			}
			report.Scanned++
			decayed := DecayedImportance(ep.ImportanceScore, level, now.Sub(ep.CreatedAt), ep.AccessCount)
			if decayed != ep.ImportanceScore {
				if err := m.graph.UpdateImportance(ctx, ep.ID, decayed); err != nil {
					return report, fmt.Errorf("gc decay: %w", err)
				}
				report.Decayed++
			}
			if decayed < m.importanceThreshold {
				doomed = append(doomed, ep.ID)
			}
		}
		if len(doomed) > 0 {
			if err := m.graph.SoftDelete(ctx, doomed); err != nil {
				return report, fmt.Errorf("gc soft delete: %w", err)
			}
			report.SoftDeleted += len(doomed)
		}
	}

	if _, err := m.graph.PurgeDeleted(ctx, m.purgeAfter); err != nil {
		return report, fmt.Errorf("gc purge: %w", err)
	}

	if m.llm != nil {
		abstracted, err := m.abstract(ctx)
		if err != nil {
			// Abstraction is best-effort: log and keep the report.
			m.logger.Warn("abstraction pass failed", zap.Error(err))
		}
		report.Abstracted = abstracted
	}

	m.logger.Info("gc cycle complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("decayed", report.Decayed),
		zap.Int("soft_deleted", report.SoftDeleted),
		zap.Int("abstracted", report.Abstracted))
	return report, nil
}

// abstract condenses the most important L2 episodes into an L3 community
// with an LLM-written summary. Runs only when enough material exists.
func (m *FractalMemory) abstract(ctx context.Context) (int, error) {
	const minEpisodes = 5
	episodes, err := m.graph.ListEpisodes(ctx, memtypes.LevelL2, minEpisodes*2)
	if err != nil {
		return 0, err
	}
	if len(episodes) < minEpisodes {
		return 0, nil
	}

	var b strings.Builder
	memberIDs := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- %s\n", ep.Content)
		memberIDs = append(memberIDs, ep.ID)
	}
	summary, err := m.llm.Complete(ctx,
		"Condense these memories into one short abstract theme (2 sentences max).",
		b.String())
	if err != nil {
		return 0, err
	}
	summary = strings.TrimSpace(llm.StripCodeFence(summary))
	if summary == "" {
		return 0, nil
	}

	// One community per distinct theme content; dedup via episode hash.
	exists, err := m.graph.ExistsDuplicate(ctx, memtypes.ContentHash(summary))
	if err != nil || exists {
		return 0, err
	}

	community := memtypes.Community{
		ID:        uuid.NewString(),
		Name:      firstSentence(summary),
		Summary:   summary,
		Level:     memtypes.LevelL3,
		MemberIDs: memberIDs,
		UserID:    m.userID,
	}
	if err := m.graph.UpsertCommunity(ctx, &community); err != nil {
		return 0, err
	}
	// A matching L3 episode makes abstractions retrievable.
	if _, err := m.promoteAbstraction(ctx, summary); err != nil {
		return 0, err
	}
	return 1, nil
}

func (m *FractalMemory) promoteAbstraction(ctx context.Context, summary string) (bool, error) {
	ep := memtypes.Episode{
		ID:              uuid.NewString(),
		Name:            firstSentence(summary),
		Content:         summary,
		Source:          memtypes.SourceAbstraction,
		Scale:           "macro",
		ImportanceScore: 0.8,
		Level:           memtypes.LevelL3,
		UserID:          m.userID,
	}
	if m.embedder != nil {
		if emb, err := m.embedder.Embed(ctx, summary); err == nil {
			ep.Embedding = emb
		}
	}
	if err := m.graph.UpsertEpisode(ctx, &ep); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// STATS AND BACKGROUND LOOP
// =============================================================================

// Stats reports node counts across all tiers.
func (m *FractalMemory) Stats(ctx context.Context) (memtypes.TierStats, error) {
	stats, err := m.graph.CountByLevel(ctx)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	l0, l1, err := m.volatile.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	stats.L0Count = l0
	stats.L1Count = l1

	m.mu.Lock()
	if !m.lastConsolidated.IsZero() {
		ts := m.lastConsolidated
		stats.LastConsolidation = &ts
	}
	m.mu.Unlock()
	return stats, nil
}

// Run consolidates and garbage-collects on the given interval until ctx
// is cancelled.
func (m *FractalMemory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("background consolidation started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("background consolidation stopped")
			return
		case <-ticker.C:
			if _, err := m.Consolidate(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("consolidation cycle failed", zap.Error(err))
			}
			if _, err := m.GarbageCollect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("gc cycle failed", zap.Error(err))
			}
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
