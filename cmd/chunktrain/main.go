// Command chunktrain trains a binary image classifier one chunk at a time,
// checkpointing and logging after every chunk so a run can be interrupted and
// inspected without losing work.
//
// Usage:
//
//	chunktrain [-env .env] run.yaml
//	chunktrain -summarize runs/default/history.csv
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/chunktrain/config"
	"github.com/tsawler/chunktrain/training"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chunktrain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", ".env", "dotenv file loaded before the run file")
	summarize := fs.String("summarize", "", "print a summary of a session log and exit")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	if *summarize != "" {
		if err := printSummary(stdout, *summarize); err != nil {
			fmt.Fprintf(stderr, "chunktrain: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: chunktrain [-env file] run.yaml")
		return exitFailure
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "chunktrain: %v\n", err)
		return exitFailure
	}
	cfg, err := config.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "chunktrain: %v\n", err)
		return exitFailure
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "chunktrain: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return train(ctx, cfg, uuid.NewString(), logger, stdout)
}

// train builds a session from cfg, runs it and maps the outcome to an exit code.
func train(ctx context.Context, cfg config.Config, sessionID string, logger *zap.SugaredLogger, stdout io.Writer) int {
	controller, err := newController(ctx, cfg, sessionID, logger, stdout)
	if err != nil {
		logger.Errorw("failed to set up training session", "session", sessionID, "error", err)
		return exitFailure
	}

	result, err := controller.Run(ctx)
	if err != nil {
		var serr *training.SessionError
		if errors.As(err, &serr) {
			logger.Errorw("training failed", "session", sessionID, "chunk", serr.Chunk, "op", serr.Op, "error", err)
		} else {
			logger.Errorw("training failed", "session", sessionID, "error", err)
		}
		return exitFailure
	}

	switch result.State {
	case training.StateInterrupted:
		fmt.Fprintln(stdout, "Interrupted")
		if result.FinalSaveErr != nil {
			logger.Warnw("could not save weights after interruption", "session", sessionID, "error", result.FinalSaveErr)
		} else {
			fmt.Fprintf(stdout, "Weights saved to %s after %d chunks\n", cfg.WeightsPath(), result.ChunksCompleted)
		}
		return exitInterrupted
	default:
		logger.Infow("training completed",
			"session", sessionID,
			"chunks", result.ChunksCompleted,
			"resets", result.Resets,
			"elapsed", result.Elapsed,
		)
		return exitOK
	}
}
