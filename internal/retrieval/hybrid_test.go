package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/memtypes"
)

func newStore(t *testing.T) *graph.SQLiteStore {
	t.Helper()
	s, err := graph.NewSQLiteStore(":memory:", "alice", 64, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEpisode(t *testing.T, s *graph.SQLiteStore, e *embedding.HashEngine, id, content string, importance float64) {
	t.Helper()
	emb, err := e.Embed(context.Background(), content)
	require.NoError(t, err)
	require.NoError(t, s.UpsertEpisode(context.Background(), &memtypes.Episode{
		ID:              id,
		Name:            content,
		Content:         content,
		Source:          "message",
		Embedding:       emb,
		ImportanceScore: importance,
		Level:           memtypes.LevelL2,
		UserID:          "alice",
	}))
}

func TestRetrieveFusesArms(t *testing.T) {
	s := newStore(t)
	e := embedding.NewHashEngine(64)
	ctx := context.Background()

	seedEpisode(t, s, e, "ep-coffee", "the user drinks espresso coffee daily", 0.8)
	seedEpisode(t, s, e, "ep-tea", "green tea in the afternoon", 0.6)
	seedEpisode(t, s, e, "ep-other", "compiler design homework", 0.5)

	r := New(s, e, Weights{Vector: 0.5, Keyword: 0.3, Graph: 0.2}, zap.NewNop())
	out, err := r.Retrieve(ctx, "espresso coffee", 5)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	require.NotEmpty(t, out.Results)

	// The coffee episode is surfaced by both vector and keyword arms and
	// wins the fusion.
	top := out.Results[0]
	assert.Equal(t, "ep-coffee", top.Episode.ID)
	assert.Contains(t, top.Arms, "vector")
	assert.Contains(t, top.Arms, "keyword")
	assert.Greater(t, top.Score, 0.0)
}

func TestRetrieveTouchesAccess(t *testing.T) {
	s := newStore(t)
	e := embedding.NewHashEngine(64)
	ctx := context.Background()
	seedEpisode(t, s, e, "ep-1", "the user collects vinyl records", 0.8)

	r := New(s, e, Weights{}, zap.NewNop())
	_, err := r.Retrieve(ctx, "vinyl records", 5)
	require.NoError(t, err)

	ep, err := s.GetEpisode(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ep.AccessCount)
}

func TestRetrieveValidatesQuery(t *testing.T) {
	r := New(newStore(t), embedding.NewHashEngine(64), Weights{}, zap.NewNop())
	_, err := r.Retrieve(context.Background(), "", 5)
	assert.True(t, memtypes.IsValidation(err))
}

func TestRetrieveLimitsResults(t *testing.T) {
	s := newStore(t)
	e := embedding.NewHashEngine(64)
	for i := 0; i < 10; i++ {
		seedEpisode(t, s, e, fmt.Sprintf("ep-%d", i),
			fmt.Sprintf("note %d about sailing and boats", i), 0.5)
	}

	r := New(s, e, Weights{}, zap.NewNop())
	out, err := r.Retrieve(context.Background(), "sailing boats", 3)
	require.NoError(t, err)
	assert.Len(t, out.Results, 3)
}

// failingStore wraps the SQLite adapter and fails selected arms.
type failingStore struct {
	graph.Store
	failVector  bool
	failKeyword bool
	failGraph   bool
}

var errArmDown = errors.New("arm down")

func (f *failingStore) SearchVector(ctx context.Context, emb []float32, k int) ([]memtypes.Episode, error) {
	if f.failVector {
		return nil, errArmDown
	}
	return f.Store.SearchVector(ctx, emb, k)
}

func (f *failingStore) SearchKeyword(ctx context.Context, q string, k int) ([]memtypes.Episode, error) {
	if f.failKeyword {
		return nil, errArmDown
	}
	return f.Store.SearchKeyword(ctx, q, k)
}

func (f *failingStore) SearchGraph(ctx context.Context, names []string, k int) ([]memtypes.Episode, error) {
	if f.failGraph {
		return nil, errArmDown
	}
	return f.Store.SearchGraph(ctx, names, k)
}

func TestRetrieveDegradedOnPartialFailure(t *testing.T) {
	s := newStore(t)
	e := embedding.NewHashEngine(64)
	seedEpisode(t, s, e, "ep-1", "the user plays chess on sundays", 0.8)

	r := New(&failingStore{Store: s, failVector: true}, e, Weights{}, zap.NewNop())
	out, err := r.Retrieve(context.Background(), "chess sundays", 5)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "ep-1", out.Results[0].Episode.ID)
}

func TestRetrieveUnavailableWhenAllArmsFail(t *testing.T) {
	s := newStore(t)
	e := embedding.NewHashEngine(64)

	r := New(&failingStore{Store: s, failVector: true, failKeyword: true, failGraph: true},
		e, Weights{}, zap.NewNop())
	_, err := r.Retrieve(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, memtypes.ErrRetrieverUnavailable)
}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Vector: 5, Keyword: 3, Graph: 2}.Normalize()
	assert.InDelta(t, 0.5, w.Vector, 1e-9)
	assert.InDelta(t, 0.3, w.Keyword, 1e-9)
	assert.InDelta(t, 0.2, w.Graph, 1e-9)

	// Zero weights fall back to defaults.
	w = Weights{}.Normalize()
	assert.InDelta(t, 0.5, w.Vector, 1e-9)
	assert.InDelta(t, 0.3, w.Keyword, 1e-9)
	assert.InDelta(t, 0.2, w.Graph, 1e-9)
}

func TestFusePrefersMultiArmHits(t *testing.T) {
	shared := memtypes.Episode{ID: "shared", Content: "seen by both arms"}
	solo := memtypes.Episode{ID: "solo", Content: "seen by one arm at rank 1"}

	results := []armResult{
		{name: "vector", weight: 0.5, episodes: []memtypes.Episode{solo, shared}},
		{name: "keyword", weight: 0.3, episodes: []memtypes.Episode{shared}},
	}
	out := fuse(results, 10)
	require.Len(t, out.Results, 2)
	// 0.5/61 ≈ 0.0082 for solo; shared gets 0.5/62 + 0.3/61 ≈ 0.0130.
	assert.Equal(t, "shared", out.Results[0].Episode.ID)
	assert.ElementsMatch(t, []string{"vector", "keyword"}, out.Results[0].Arms)
}

func TestFuseBreaksTiesByRecencyThenID(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := memtypes.Episode{ID: "ep-a", Content: "older note", CreatedAt: base}
	newer := memtypes.Episode{ID: "ep-b", Content: "newer note", CreatedAt: base.Add(time.Hour)}
	twin := memtypes.Episode{ID: "ep-c", Content: "same age as the older note", CreatedAt: base}

	// One hit per arm at rank 1 with equal weights: fused scores tie.
	results := []armResult{
		{name: "vector", weight: 0.2, episodes: []memtypes.Episode{older}},
		{name: "keyword", weight: 0.2, episodes: []memtypes.Episode{newer}},
		{name: "graph", weight: 0.2, episodes: []memtypes.Episode{twin}},
	}
	for i := 0; i < 25; i++ {
		out := fuse(results, 10)
		require.Len(t, out.Results, 3)
		assert.Equal(t, "ep-b", out.Results[0].Episode.ID) // most recent
		assert.Equal(t, "ep-a", out.Results[1].Episode.ID) // then ID order
		assert.Equal(t, "ep-c", out.Results[2].Episode.ID)
	}
}

func TestFuseKeyFallsBackToContentPrefix(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	a := memtypes.Episode{Content: string(long)}
	b := memtypes.Episode{Content: string(long) + "tail"}

	results := []armResult{
		{name: "vector", weight: 0.5, episodes: []memtypes.Episode{a}},
		{name: "keyword", weight: 0.5, episodes: []memtypes.Episode{b}},
	}
	out := fuse(results, 10)
	// Same 100-char prefix: treated as the same memory.
	assert.Len(t, out.Results, 1)
}
