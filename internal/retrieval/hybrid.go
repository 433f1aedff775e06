// Package retrieval implements hybrid memory retrieval: vector, keyword
// and graph arms run concurrently and their rankings are fused with
// reciprocal-rank fusion. A failed arm degrades the result; only a full
// blackout is an error.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/memory"
	"fractalmem/internal/memtypes"
)

// rrfK is the reciprocal-rank fusion constant: score contributions are
// weight / (rrfK + rank), which keeps deep ranks from dominating.
const rrfK = 60

// armMultiplier sizes each arm's candidate pool relative to the final
// limit, so fusion has real overlap to work with.
const armMultiplier = 3

// Weights holds the normalised per-arm fusion weights.
type Weights struct {
	Vector  float64
	Keyword float64
	Graph   float64
}

// Normalize scales the weights to sum to 1. All-zero input falls back to
// the documented defaults.
func (w Weights) Normalize() Weights {
	total := w.Vector + w.Keyword + w.Graph
	if total <= 0 {
		return Weights{Vector: 0.5, Keyword: 0.3, Graph: 0.2}
	}
	return Weights{Vector: w.Vector / total, Keyword: w.Keyword / total, Graph: w.Graph / total}
}

// HybridRetriever fans a query out across the three arms.
type HybridRetriever struct {
	graph    graph.Store
	embedder embedding.Engine
	weights  Weights
	logger   *zap.Logger
}

// New builds a retriever. Weights are normalised here once.
func New(gs graph.Store, embedder embedding.Engine, weights Weights, logger *zap.Logger) *HybridRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridRetriever{
		graph:    gs,
		embedder: embedder,
		weights:  weights.Normalize(),
		logger:   logger.Named("retrieval"),
	}
}

// armResult carries one arm's ranking or its failure.
type armResult struct {
	name     string
	weight   float64
	episodes []memtypes.Episode
	err      error
}

// Retrieve runs the three arms concurrently and fuses their rankings.
// Returns ErrRetrieverUnavailable only when every arm failed.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, limit int) (memtypes.RetrievalOutput, error) {
	if strings.TrimSpace(query) == "" {
		return memtypes.RetrievalOutput{}, memtypes.Validation("query", "must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}
	kArm := limit * armMultiplier

	arms := []struct {
		name   string
		weight float64
		run    func(ctx context.Context) ([]memtypes.Episode, error)
	}{
		{"vector", r.weights.Vector, func(ctx context.Context) ([]memtypes.Episode, error) {
			emb, err := r.embedder.Embed(ctx, query)
			if err != nil {
				return nil, err
			}
			return r.graph.SearchVector(ctx, emb, kArm)
		}},
		{"keyword", r.weights.Keyword, func(ctx context.Context) ([]memtypes.Episode, error) {
			return r.graph.SearchKeyword(ctx, query, kArm)
		}},
		{"graph", r.weights.Graph, func(ctx context.Context) ([]memtypes.Episode, error) {
			return r.graph.SearchGraph(ctx, memory.ExtractEntityNames(query), kArm)
		}},
	}

	results := make([]armResult, len(arms))
	var wg sync.WaitGroup
	for i, arm := range arms {
		wg.Add(1)
		go func(i int, name string, weight float64, run func(ctx context.Context) ([]memtypes.Episode, error)) {
			defer wg.Done()
			eps, err := run(ctx)
			results[i] = armResult{name: name, weight: weight, episodes: eps, err: err}
		}(i, arm.name, arm.weight, arm.run)
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
			r.logger.Warn("retrieval arm failed",
				zap.String("arm", res.name), zap.Error(res.err))
		}
	}
	if failed == len(results) {
		return memtypes.RetrievalOutput{}, memtypes.ErrRetrieverUnavailable
	}

	fused := fuse(results, limit)
	fused.Degraded = failed > 0

	// Touch returned episodes so access frequency feeds the decay kernel.
	ids := make([]string, 0, len(fused.Results))
	for _, res := range fused.Results {
		if res.Episode.ID != "" {
			ids = append(ids, res.Episode.ID)
		}
	}
	if err := r.graph.TouchAccess(ctx, ids); err != nil {
		r.logger.Warn("access touch failed", zap.Error(err))
	}
	return fused, nil
}

// fuse merges per-arm rankings with reciprocal-rank fusion. Episodes are
// identified by ID, falling back to a content prefix for ID-less nodes;
// the best-scoring instance of a duplicate is kept.
func fuse(results []armResult, limit int) memtypes.RetrievalOutput {
	type entry struct {
		episode memtypes.Episode
		score   float64
		arms    []string
	}
	entries := map[string]*entry{}

	for _, res := range results {
		if res.err != nil {
			continue
		}
		for rank, ep := range res.episodes {
			key := ep.ID
			if key == "" {
				key = fuseKey(ep.Content)
			}
			contribution := res.weight / float64(rrfK+rank+1)
			e, ok := entries[key]
			if !ok {
				e = &entry{episode: ep}
				entries[key] = e
			}
			e.score += contribution
			e.arms = append(e.arms, res.name)
		}
	}

	ordered := make([]*entry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	// Equal fused scores break on recency, then ID, so rankings stay
	// stable across runs.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		if !ordered[i].episode.CreatedAt.Equal(ordered[j].episode.CreatedAt) {
			return ordered[i].episode.CreatedAt.After(ordered[j].episode.CreatedAt)
		}
		return ordered[i].episode.ID < ordered[j].episode.ID
	})
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}

	out := memtypes.RetrievalOutput{Results: make([]memtypes.RetrievalResult, len(ordered))}
	for i, e := range ordered {
		out.Results[i] = memtypes.RetrievalResult{
			Episode: e.episode,
			Score:   e.score,
			Arms:    e.arms,
		}
	}
	return out
}

// fuseKey is the identity fallback for episodes without an ID: the first
// 100 characters of content.
func fuseKey(content string) string {
	if len(content) > 100 {
		return content[:100]
	}
	return content
}
