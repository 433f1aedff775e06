package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
	"fractalmem/internal/health"
	"fractalmem/internal/memtypes"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke-test",
	Short: "Probe every backend and run a write/read/delete round trip",
	RunE:  runSmoke,
}

func runSmoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: exitDependency, msg: "construct stack: " + err.Error()}
	}
	defer a.Close()

	checks := health.NewRegistry()
	checks.Register("volatile", a.Memory().Volatile().Ping)
	checks.Register("graph", a.Memory().Graph().Ping)
	checks.Register("graph_round_trip", func(ctx context.Context) error {
		return roundTrip(ctx, a)
	})

	report := checks.Run(ctx)
	ok := true
	for name, st := range report {
		fmt.Fprintf(os.Stdout, "%-18s %-5s %8.2fms", name, st.Status, st.LatencyMS)
		if st.Error != "" {
			fmt.Fprintf(os.Stdout, "  %s", st.Error)
			ok = false
		}
		fmt.Fprintln(os.Stdout)
	}
	if !ok {
		return &exitError{code: exitDependency, msg: "smoke test failed"}
	}
	logger.Info("smoke test passed", zap.Int("checks", len(report)))
	return nil
}

// roundTrip writes a probe episode, reads it back, and soft-deletes it.
func roundTrip(ctx context.Context, a *agent.Agent) error {
	gs := a.Memory().Graph()
	id := "smoke:" + uuid.NewString()

	err := gs.UpsertEpisode(ctx, &memtypes.Episode{
		ID:              id,
		Name:            "smoke probe",
		Content:         "smoke probe " + id,
		Source:          "message",
		ImportanceScore: 0.1,
		Level:           memtypes.LevelL2,
		UserID:          cfg.UserID,
	})
	if err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	if _, err := gs.GetEpisode(ctx, id); err != nil {
		return fmt.Errorf("read probe: %w", err)
	}
	if err := gs.SoftDelete(ctx, []string{id}); err != nil {
		return fmt.Errorf("delete probe: %w", err)
	}
	return nil
}
