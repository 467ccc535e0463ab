package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"encodeq/internal/logging"
	"encodeq/internal/workerd"
)

type workerFlags struct {
	socket       string
	session      string
	slot         int
	engine       string
	engineBinary string
	probeBinary  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:           "encodeq-worker",
		Short:         "Encode worker process driven by the encodeq daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.socket, "socket", "", "Unix socket to serve the worker endpoint on")
	cmd.Flags().StringVar(&flags.session, "session", "", "Session identifier assigned by the daemon")
	cmd.Flags().IntVar(&flags.slot, "slot", 0, "Pool slot index")
	cmd.Flags().StringVar(&flags.engine, "engine", "", "Engine kind: library or cli")
	cmd.Flags().StringVar(&flags.engineBinary, "engine-binary", "", "Encoder executable for the cli engine")
	cmd.Flags().StringVar(&flags.probeBinary, "probe-binary", "", "Probe executable used for scans")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}

func run(parent context.Context, flags workerFlags) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// stderr is captured to the per-session log by the daemon. SetUp adjusts
	// the level once the verbosity is known.
	levelVar := new(slog.LevelVar)
	logger, err := logging.New(logging.Options{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stderr"},
		LevelVar:    levelVar,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(
		logging.String(logging.FieldSessionID, flags.session),
		logging.Int(logging.FieldWorkerSlot, flags.slot),
	)

	rt := workerd.NewRuntime(workerd.Options{
		Engine:   engineFactory(flags),
		Logger:   logger,
		LogLevel: levelVar,
	})
	return workerd.Serve(ctx, rt, flags.socket, logger)
}
