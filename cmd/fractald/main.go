// fractald is the daemon and operator CLI for the fractal memory service.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fractalmem/internal/config"
	"fractalmem/internal/memtypes"
)

// Exit codes.
const (
	exitOK         = 0
	exitValidation = 1
	exitDependency = 2
	exitInternal   = 3
)

var (
	// Global flags
	cfgPath string
	verbose bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fractald",
	Short: "fractald - hierarchical memory daemon",
	Long: `fractald runs the fractal memory service: a tiered conversational
memory (recent turns, session summaries, episodic graph, abstractions)
with hybrid retrieval and a strategy bank, exposed over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		cfg, err = config.Load(cfgPath, logger)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "fractalmem.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd, migrateCmd, smokeCmd, resetCmd, inspectCmd)
}

func main() {
	// Env file first, so config overrides see it.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status: explicit codes
// win, then validation and dependency failures, then internal.
func exitCode(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	switch {
	case memtypes.IsValidation(err):
		return exitValidation
	case errors.Is(err, memtypes.ErrStoreUnavailable),
		errors.Is(err, memtypes.ErrRetrieverUnavailable):
		return exitDependency
	default:
		return exitInternal
	}
}

// exitCoder lets a subcommand pick its process exit code.
type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }
