package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every memory tier for the configured user",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm deletion")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return &exitError{code: exitValidation,
			msg: fmt.Sprintf("refusing to delete all memory for user %q without --yes", cfg.UserID)}
	}
	ctx := cmd.Context()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Memory().Volatile().Reset(ctx); err != nil {
		return fmt.Errorf("reset volatile tiers: %w", err)
	}
	if err := a.Memory().Graph().Reset(ctx); err != nil {
		return fmt.Errorf("reset graph tiers: %w", err)
	}
	logger.Info("all memory tiers reset", zap.String("user", cfg.UserID))
	return nil
}
