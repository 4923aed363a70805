package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/taskpack/internal/config"
	"github.com/aristath/taskpack/internal/model"
)

// errReported is returned by commands that already wrote their failure to
// stderr; main only sets the exit status.
var errReported = errors.New("reported")

// app carries the state shared by every command.
type app struct {
	verbose bool
	logger  *zap.Logger
	pm      *model.ProcessManager

	// loadConfig and newClient are replaced in tests.
	loadConfig func() (*config.Config, error)
	newClient  func(ctx context.Context, cfg model.Config, pm *model.ProcessManager) (model.Client, error)
}

func newApp() *app {
	return &app{
		logger:     zap.NewNop(),
		pm:         model.NewProcessManager(),
		loadConfig: config.LoadDefault,
		newClient:  model.New,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskpack",
		Short: "Turn work items into structured Task Packs",
		Long: `taskpack runs a work item through a fixed pipeline of model calls
(analysis, test design, prompt synthesis, pack assembly) and prints the
validated Task Pack as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zcfg := zap.NewProductionConfig()
			if a.verbose {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := zcfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		runCmd(a),
		batchCmd(a),
		configCmd(a),
		sanitizeCmd(),
		runsCmd(a),
	)
	return root
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()

	// Model calls outlive the caller's context up to the call timeout, so
	// CLI subprocesses are killed explicitly on shutdown.
	context.AfterFunc(ctx, func() {
		if err := a.pm.KillAll(); err != nil {
			a.logger.Warn("killing model subprocesses", zap.Error(err))
		}
	})

	err := newRootCmd(a).ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(data), nil
}
