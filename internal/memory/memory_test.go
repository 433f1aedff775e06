package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/memtypes"
	"fractalmem/internal/reasoning"
	"fractalmem/internal/volatile"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(context.Context, string, string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

type fixture struct {
	mem      *FractalMemory
	volatile *volatile.Store
	graph    *graph.SQLiteStore
	redis    *miniredis.Miniredis
	llm      *fakeLLM
}

func newFixture(t *testing.T, client *fakeLLM) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	vs := volatile.NewWithClient(rc, "alice", volatile.Options{})
	gs, err := graph.NewSQLiteStore(":memory:", "alice", 64, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Close() })

	var llmClient *fakeLLM
	if client != nil {
		llmClient = client
	}
	opts := Options{UserID: "alice", BatchSize: 3}
	var mem *FractalMemory
	if llmClient != nil {
		mem = New(vs, gs, embedding.NewHashEngine(64), llmClient, opts)
	} else {
		mem = New(vs, gs, embedding.NewHashEngine(64), nil, opts)
	}
	return &fixture{mem: mem, volatile: vs, graph: gs, redis: mr, llm: llmClient}
}

func addTurns(t *testing.T, f *fixture, session string, n int, importance float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.mem.Remember(context.Background(), memtypes.Turn{
			Role:       "user",
			Content:    fmt.Sprintf("turn %d about gardening in session %s.", i, session),
			SessionID:  session,
			Importance: importance,
		})
		require.NoError(t, err)
	}
}

func TestRememberStampsDefaultImportance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// An unscored turn enters at full importance.
	_, err := f.mem.Remember(ctx, memtypes.Turn{Role: "user", Content: "hello.", SessionID: "s1"})
	require.NoError(t, err)

	turns, err := f.volatile.RecentTurns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, turns[0].Importance)
}

func TestRememberRejectsBadImportance(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mem.Remember(context.Background(), memtypes.Turn{
		Role: "user", Content: "x", Importance: 1.5,
	})
	assert.True(t, memtypes.IsValidation(err))
}

func TestConsolidateFallbackSummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.6)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.TurnsConsolidated)
	assert.Equal(t, 1, counts.SummariesCreated)

	sum, err := f.volatile.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, sum.Summary, "turn 0")
	assert.InDelta(t, 0.6, sum.Importance, 1e-3)

	// Nothing left to consolidate on the second cycle.
	counts, err = f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.TurnsConsolidated)
}

func TestConsolidateLLMSummary(t *testing.T) {
	client := &fakeLLM{reply: "```json\n{\"summary\": \"User gardens tomatoes.\", \"key_facts\": [\"grows tomatoes\"], \"importance\": 0.9}\n```"}
	f := newFixture(t, client)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.4)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SummariesCreated)
	require.GreaterOrEqual(t, client.calls, 1)

	sum, err := f.volatile.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "User gardens tomatoes.", sum.Summary)
	assert.Equal(t, []string{"grows tomatoes"}, sum.KeyFacts)
	assert.Equal(t, 0.9, sum.Importance)

	// The summary landed in L2 as a conversation_summary episode.
	eps, err := f.graph.ListBySource(ctx, "conversation_summary", 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "meso", eps[0].Scale)
	assert.Equal(t, memtypes.LevelL2, eps[0].Level)
	assert.NotEmpty(t, eps[0].Embedding)
}

func TestSummaryPromotedExactlyOnce(t *testing.T) {
	client := &fakeLLM{reply: `{"summary": "Stable summary.", "key_facts": [], "importance": 0.8}`}
	f := newFixture(t, client)
	ctx := context.Background()

	addTurns(t, f, "s1", 3, 0.4)
	_, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)

	// New turns, same summary content from the model.
	addTurns(t, f, "s1", 3, 0.4)
	_, err = f.mem.Consolidate(ctx)
	require.NoError(t, err)

	eps, err := f.graph.ListBySource(ctx, "conversation_summary", 10)
	require.NoError(t, err)
	assert.Len(t, eps, 1)
}

func TestLLMGarbageFallsBack(t *testing.T) {
	client := &fakeLLM{reply: "I cannot produce JSON today"}
	f := newFixture(t, client)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.5)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SummariesCreated)

	sum, err := f.volatile.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, sum.Summary, "turn 0")
}

func TestHighImportanceTurnsPromoted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mem.Remember(ctx, memtypes.Turn{
		Role: "user", Content: "Remember that my passport expires in June.",
		SessionID: "s1", Importance: 0.95,
	})
	require.NoError(t, err)
	addTurns(t, f, "s1", 2, 0.5) // fill the batch

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.EpisodesPromoted, 1)

	eps, err := f.graph.ListBySource(ctx, "message", 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "micro", eps[0].Scale)
}

func TestZeroL2ThresholdPromotesEveryTurn(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	vs := volatile.NewWithClient(rc, "alice", volatile.Options{})
	gs, err := graph.NewSQLiteStore(":memory:", "alice", 64, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Close() })

	zero := 0.0
	mem := New(vs, gs, embedding.NewHashEngine(64), nil,
		Options{UserID: "alice", BatchSize: 3, L2Threshold: &zero})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := mem.Remember(ctx, memtypes.Turn{
			Role:       "user",
			Content:    fmt.Sprintf("note %d about sailing.", i),
			SessionID:  "s1",
			Importance: 0.4,
		})
		require.NoError(t, err)
	}

	counts, err := mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.EpisodesPromoted, 3)

	eps, err := gs.ListBySource(ctx, "message", 10)
	require.NoError(t, err)
	assert.Len(t, eps, 3)
}

func TestConsolidateSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.5)

	token, err := f.volatile.AcquireLock(ctx)
	require.NoError(t, err)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, memtypes.ConsolidationCounts{}, counts)

	require.NoError(t, f.volatile.ReleaseLock(ctx, token))
	counts, err = f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.TurnsConsolidated)
}

func TestConsolidateBatchesBySession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 4, 0.5) // batch size 3 → two batches
	addTurns(t, f, "s2", 2, 0.5)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, counts.TurnsConsolidated)
	assert.Equal(t, 3, counts.SummariesCreated)
}

func TestConsolidateForgetsDecayedTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mem.Remember(ctx, memtypes.Turn{
		Role: "user", Content: "old thought.", SessionID: "s1",
		Importance: 0.2, Timestamp: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	// 0.2 decayed over an hour falls below the 0.3 threshold.
	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.TurnsForgotten)
	assert.Equal(t, 1, counts.TurnsDecayed)
	assert.Zero(t, counts.TurnsConsolidated)
	assert.Zero(t, counts.SummariesCreated)

	// No summary was written for the forgotten turn.
	_, err = f.volatile.GetSummary(ctx, "s1")
	assert.ErrorIs(t, err, memtypes.ErrNotFound)

	// The turn does not come back on the next cycle.
	counts, err = f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.TurnsForgotten)
}

func TestConsolidateWaitsForFullBatch(t *testing.T) {
	f := newFixture(t, nil) // batch size 3
	ctx := context.Background()
	addTurns(t, f, "s1", 2, 0.5)

	counts, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.TurnsConsolidated)
	assert.Zero(t, counts.SummariesCreated)
	_, err = f.volatile.GetSummary(ctx, "s1")
	assert.ErrorIs(t, err, memtypes.ErrNotFound)

	// The remainder stays pending until a full batch accumulates.
	pending, err := f.volatile.UnconsolidatedTurns(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	addTurns(t, f, "s1", 1, 0.5)
	counts, err = f.mem.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.TurnsConsolidated)
	assert.Equal(t, 1, counts.SummariesCreated)
}

func TestGarbageCollectSoftDeletesFaded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	fresh := &memtypes.Episode{
		ID: "ep-fresh", Content: "important recent memory", Source: "message",
		ImportanceScore: 0.9, Level: memtypes.LevelL2, UserID: "alice",
	}
	stale := &memtypes.Episode{
		ID: "ep-stale", Content: "stale trivia", Source: "message",
		ImportanceScore: 0.35, Level: memtypes.LevelL2, UserID: "alice",
		CreatedAt: time.Now().UTC().Add(-120 * 24 * time.Hour),
	}
	require.NoError(t, f.graph.UpsertEpisode(ctx, fresh))
	require.NoError(t, f.graph.UpsertEpisode(ctx, stale))

	report, err := f.mem.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.SoftDeleted)

	_, err = f.graph.GetEpisode(ctx, "ep-stale")
	assert.ErrorIs(t, err, memtypes.ErrNotFound)
	_, err = f.graph.GetEpisode(ctx, "ep-fresh")
	assert.NoError(t, err)
}

func TestGarbageCollectSparesStrategyEpisodes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	anti := memtypes.Strategy{
		ID: "st-1", TaskType: "coding",
		Description: "known failure mode for coding",
		Confidence:  0.1, FailureCount: 2, IsAntiPattern: true,
	}
	body, err := json.Marshal(anti)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	require.NoError(t, f.graph.UpsertEpisode(ctx, &memtypes.Episode{
		ID: "strategy:st-1", Name: "coding strategy", Content: string(body),
		Source: memtypes.SourceStrategy, ImportanceScore: anti.Confidence,
		Level: memtypes.LevelL3, Scale: "macro", UserID: "alice", CreatedAt: old,
	}))
	require.NoError(t, f.graph.UpsertEpisode(ctx, &memtypes.Episode{
		ID: "experience:ex-1", Content: `{"task_type":"coding","outcome":"failure"}`,
		Source: memtypes.SourceExperience, ImportanceScore: 0.5,
		Level: memtypes.LevelL2, UserID: "alice", CreatedAt: old,
	}))

	report, err := f.mem.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, report.SoftDeleted)

	// A fresh bank still loads the anti-pattern after the sweep.
	bank := reasoning.New(f.graph, "alice", reasoning.Options{Logger: zap.NewNop()})
	require.NoError(t, bank.Load(ctx))
	strategies := bank.Strategies()
	require.Len(t, strategies, 1)
	assert.True(t, strategies[0].IsAntiPattern)
}

func TestAbstractionCreatesCommunity(t *testing.T) {
	client := &fakeLLM{reply: "User is building a vegetable garden."}
	f := newFixture(t, client)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.graph.UpsertEpisode(ctx, &memtypes.Episode{
			ID:              fmt.Sprintf("ep-%d", i),
			Content:         fmt.Sprintf("garden note %d", i),
			Source:          "message",
			ImportanceScore: 0.9,
			Level:           memtypes.LevelL2,
			UserID:          "alice",
		}))
	}

	report, err := f.mem.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abstracted)

	comms, err := f.graph.ListCommunities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, comms, 1)
	assert.Len(t, comms[0].MemberIDs, 5)

	// A second cycle does not duplicate the same theme.
	report, err = f.mem.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Abstracted)
}

func TestRecallScansLocalTiers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mem.Remember(ctx, memtypes.Turn{
		Role: "user", Content: "I drink espresso every morning.", SessionID: "s1", Importance: 0.7,
	})
	require.NoError(t, err)
	require.NoError(t, f.volatile.PutSummary(ctx, memtypes.SessionSummary{
		SessionID: "old-session", Summary: "Talked about espresso brewing gear.",
		Importance: 0.6, TurnCount: 4, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	out, err := f.mem.Recall(ctx, "espresso", 5)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Degraded)

	// The fresh raw turn outranks the hour-old summary.
	assert.Equal(t, memtypes.LevelL0, out.Results[0].Episode.Level)
	assert.Equal(t, []string{"l0"}, out.Results[0].Arms)
	assert.Equal(t, memtypes.LevelL1, out.Results[1].Episode.Level)
	assert.Equal(t, []string{"l1"}, out.Results[1].Arms)
	assert.Greater(t, out.Results[0].Score, out.Results[1].Score)
}

func TestRecallShrinksGraphBudgetWhenLocalFills(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 2, 0.8)

	f.mem.SetRecaller(recallerFunc(func(ctx context.Context, q string, limit int) (memtypes.RetrievalOutput, error) {
		assert.Equal(t, 1, limit) // halved: two local hits already fill the limit
		return memtypes.RetrievalOutput{Results: []memtypes.RetrievalResult{{
			Episode: memtypes.Episode{ID: "ep-garden", Content: "garden plot layout", Level: memtypes.LevelL2},
			Score:   0.95,
			Arms:    []string{"vector"},
		}}}, nil
	}))

	out, err := f.mem.Recall(ctx, "gardening", 2)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "ep-garden", out.Results[0].Episode.ID)
}

func TestRecallDegradedWhenRetrieverDown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mem.Remember(ctx, memtypes.Turn{
		Role: "user", Content: "I drink espresso every morning.", SessionID: "s1", Importance: 0.7,
	})
	require.NoError(t, err)
	f.mem.SetRecaller(recallerFunc(func(context.Context, string, int) (memtypes.RetrievalOutput, error) {
		return memtypes.RetrievalOutput{}, memtypes.ErrRetrieverUnavailable
	}))

	// The local tiers still answer, degraded.
	out, err := f.mem.Recall(ctx, "espresso", 5)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	require.Len(t, out.Results, 1)

	// With nothing local the failure surfaces.
	_, err = f.mem.Recall(ctx, "submarine", 5)
	assert.ErrorIs(t, err, memtypes.ErrRetrieverUnavailable)
}

func TestRecallValidatesQuery(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mem.Recall(context.Background(), "  ", 5)
	assert.True(t, memtypes.IsValidation(err))
}

func TestRecallDelegatesToRecaller(t *testing.T) {
	f := newFixture(t, nil)
	want := memtypes.RetrievalOutput{Degraded: true}
	f.mem.SetRecaller(recallerFunc(func(ctx context.Context, q string, limit int) (memtypes.RetrievalOutput, error) {
		assert.Equal(t, "espresso", q)
		return want, nil
	}))
	out, err := f.mem.Recall(context.Background(), "espresso", 5)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

type recallerFunc func(ctx context.Context, query string, limit int) (memtypes.RetrievalOutput, error)

func (f recallerFunc) Retrieve(ctx context.Context, query string, limit int) (memtypes.RetrievalOutput, error) {
	return f(ctx, query, limit)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.5)
	_, err := f.mem.Consolidate(ctx)
	require.NoError(t, err)

	stats, err := f.mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.L0Count)
	assert.Equal(t, int64(1), stats.L1Count)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.mem.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}

func TestDecayedImportance(t *testing.T) {
	// Fresh memories keep their importance.
	assert.InDelta(t, 0.8, DecayedImportance(0.8, memtypes.LevelL2, 0, 0), 1e-9)

	// One half-life without access halves the score.
	halved := DecayedImportance(0.8, memtypes.LevelL2, 30*24*time.Hour, 0)
	assert.InDelta(t, 0.4, halved, 1e-3)

	// Decay is monotonic in age.
	young := DecayedImportance(0.8, memtypes.LevelL2, 24*time.Hour, 0)
	old := DecayedImportance(0.8, memtypes.LevelL2, 60*24*time.Hour, 0)
	assert.Greater(t, young, old)

	// Access count boosts survival.
	touched := DecayedImportance(0.8, memtypes.LevelL2, 30*24*time.Hour, 10)
	assert.Greater(t, touched, halved)

	// Higher tiers decay more slowly.
	l2 := DecayedImportance(0.8, memtypes.LevelL2, 30*24*time.Hour, 0)
	l3 := DecayedImportance(0.8, memtypes.LevelL3, 30*24*time.Hour, 0)
	assert.Greater(t, l3, l2)

	// Output never leaves [0,1].
	assert.LessOrEqual(t, DecayedImportance(1.0, memtypes.LevelL3, 0, 1000000), 1.0)
	assert.GreaterOrEqual(t, DecayedImportance(0.0, memtypes.LevelL0, time.Hour, 0), 0.0)
}

func TestEntityIDIsUserScoped(t *testing.T) {
	assert.Equal(t, "entity:alice:tokyo", EntityID("alice", "Tokyo"))
	assert.NotEqual(t, EntityID("alice", "Tokyo"), EntityID("bob", "Tokyo"))
}

func TestExtractEntityNames(t *testing.T) {
	names := ExtractEntityNames(`I visited Tokyo with my friend from "Acme Corp" last week`)
	assert.Contains(t, names, "Tokyo")
	assert.Contains(t, names, "Acme Corp")

	// Sentence-initial capitals are not entities.
	names = ExtractEntityNames("The weather is nice. Should we go out?")
	assert.Empty(t, names)

	// Adjacent capitals join into one name.
	names = ExtractEntityNames("we are moving to New York soon")
	assert.Contains(t, names, "New York")
}

func TestConsolidateStoreFailureSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addTurns(t, f, "s1", 3, 0.5)

	f.redis.SetError("redis down")
	_, err := f.mem.Consolidate(ctx)
	f.redis.SetError("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, memtypes.ErrStoreUnavailable))
}
