package main

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fractalmem/internal/agent"
	"fractalmem/internal/health"
	"fractalmem/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the background consolidation loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := health.NewRegistry()
	checks.Register("volatile", a.Memory().Volatile().Ping)
	checks.Register("graph", a.Memory().Graph().Ping)

	srv := server.New(a, server.Options{
		Addr:        cfg.ServerAddr,
		CORSOrigins: cfg.CORSOrigins,
		Checks:      checks,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Memory().Run(gctx, cfg.ConsolidationInterval())
		return nil
	})
	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	logger.Info("fractald running",
		zap.String("addr", cfg.ServerAddr),
		zap.String("user", cfg.UserID),
		zap.String("graph_backend", cfg.GraphBackend))
	return g.Wait()
}
