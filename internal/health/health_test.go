package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReportsPerComponent(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", func(ctx context.Context) error { return nil })
	r.Register("neo4j", func(ctx context.Context) error { return errors.New("connection refused") })

	report := r.Run(context.Background())
	require.Len(t, report, 2)

	assert.Equal(t, "ok", report["redis"].Status)
	assert.Empty(t, report["redis"].Error)
	assert.GreaterOrEqual(t, report["redis"].LatencyMS, 0.0)

	assert.Equal(t, "down", report["neo4j"].Status)
	assert.Equal(t, "connection refused", report["neo4j"].Error)

	assert.False(t, Healthy(report))
}

func TestHealthyAllOK(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", func(ctx context.Context) error { return nil })
	assert.True(t, Healthy(r.Run(context.Background())))
}

func TestOverall(t *testing.T) {
	ok := Status{Status: "ok"}
	down := Status{Status: "down", Error: "refused"}

	assert.Equal(t, "ok", Overall(map[string]Status{"a": ok, "b": ok}))
	assert.Equal(t, "degraded", Overall(map[string]Status{"a": ok, "b": down}))
	assert.Equal(t, "unhealthy", Overall(map[string]Status{"a": down, "b": down}))
	assert.Equal(t, "ok", Overall(nil))
}

func TestRunMeasuresLatency(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	report := r.Run(context.Background())
	assert.GreaterOrEqual(t, report["slow"].LatencyMS, 20.0)
}

func TestReRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("c", func(ctx context.Context) error { return errors.New("old") })
	r.Register("c", func(ctx context.Context) error { return nil })
	report := r.Run(context.Background())
	require.Len(t, report, 1)
	assert.Equal(t, "ok", report["c"].Status)
}
