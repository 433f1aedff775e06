package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
	"fractalmem/internal/config"
	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/health"
	"fractalmem/internal/memory"
	"fractalmem/internal/memtypes"
	"fractalmem/internal/retrieval"
	"fractalmem/internal/volatile"
)

type fakeLLM struct{ response string }

func (f *fakeLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f.response, nil
}

func (f *fakeLLM) Name() string { return "fake" }

type fixture struct {
	srv *Server
	ts  *httptest.Server
	mr  *miniredis.Miniredis
	mem *memory.FractalMemory
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	vs := volatile.NewWithClient(client, "alice", volatile.Options{Logger: zap.NewNop()})
	gs, err := graph.NewSQLiteStore(":memory:", "alice", 64, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Close() })

	embedder := embedding.NewHashEngine(64)
	fake := &fakeLLM{response: "Noted."}

	mem := memory.New(vs, gs, embedder, fake, memory.Options{UserID: "alice", BatchSize: 2})
	mem.SetRecaller(retrieval.New(gs, embedder, retrieval.Weights{}, zap.NewNop()))

	a, err := agent.New(context.Background(), config.DefaultConfig(), zap.NewNop(),
		agent.WithMemory(mem), agent.WithLLM(fake))
	require.NoError(t, err)

	srv := New(a, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, mr: mr, mem: mem}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatEndpoint(t *testing.T) {
	f := newFixture(t, Options{})

	resp := postJSON(t, f.ts.URL+"/chat", `{"session_id":"s1","message":"explain how tides work"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "Noted.", body["response"])
	assert.Equal(t, "explanation", body["task_type"])
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, Options{})

	resp := postJSON(t, f.ts.URL+"/chat", `{"session_id":"s1","message":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Contains(t, body["error"], "message")
	assert.Equal(t, "validation", body["code"])

	resp = postJSON(t, f.ts.URL+"/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRememberAndStats(t *testing.T) {
	f := newFixture(t, Options{})

	resp := postJSON(t, f.ts.URL+"/memory/remember", `{"content":"the user plays cello","importance":0.9}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["id"])

	get, err := http.Get(f.ts.URL + "/memory/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get.StatusCode)
	stats := decode[map[string]any](t, get)
	assert.EqualValues(t, 1, stats["l0_count"])
}

func TestRememberRejectsBadImportance(t *testing.T) {
	f := newFixture(t, Options{})
	resp := postJSON(t, f.ts.URL+"/memory/remember", `{"content":"x","importance":7}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMemoryLevelListing(t *testing.T) {
	f := newFixture(t, Options{})

	resp := postJSON(t, f.ts.URL+"/memory/remember", `{"content":"the user plays cello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	get, err := http.Get(f.ts.URL + "/memory/l0")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get.StatusCode)
	nodes := decode[[]node](t, get)
	require.Len(t, nodes, 1)
	assert.Equal(t, "l0", nodes[0].Level)
	assert.Equal(t, "user", nodes[0].Label)
	assert.Equal(t, "the user plays cello", nodes[0].Content)

	all, err := http.Get(f.ts.URL + "/memory/all")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, all.StatusCode)
	assert.Len(t, decode[[]node](t, all), 1)
}

func TestMemoryLevelRejectsUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	get, err := http.Get(f.ts.URL + "/memory/l9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, get.StatusCode)
	get.Body.Close()
}

func TestConsolidateEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, msg := range []string{"I moved to Lisbon last spring", "I started a pottery class"} {
		_, err := f.mem.Remember(ctx, turnOf(msg))
		require.NoError(t, err)
	}

	resp := postJSON(t, f.ts.URL+"/memory/consolidate", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", counts["status"])
	assert.EqualValues(t, 2, counts["l0_to_l1"])
	assert.Contains(t, counts, "decayed")
	assert.EqualValues(t, 0, counts["forgotten"])
}

func TestHealthEndpoint(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("redis", func(ctx context.Context) error { return nil })
	f := newFixture(t, Options{Checks: reg})

	get, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get.StatusCode)
	report := decode[struct {
		Status     string                   `json:"status"`
		Components map[string]health.Status `json:"components"`
	}](t, get)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Components["redis"].Status)
}

func TestHealthEndpointReportsDown(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("redis", func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	f := newFixture(t, Options{Checks: reg})

	get, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, get.StatusCode)
	body := decode[map[string]any](t, get)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("redis", func(ctx context.Context) error { return nil })
	reg.Register("graph", func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	f := newFixture(t, Options{Checks: reg})

	get, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get.StatusCode)
	body := decode[map[string]any](t, get)
	assert.Equal(t, "degraded", body["status"])
}

func TestStatsStoreDown(t *testing.T) {
	f := newFixture(t, Options{})
	f.mr.Close()

	get, err := http.Get(f.ts.URL + "/memory/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, get.StatusCode)
	get.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSDisallowedOrigin(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/memory/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func turnOf(content string) memtypes.Turn {
	return memtypes.Turn{Role: "user", Content: content, SessionID: "s1"}
}
