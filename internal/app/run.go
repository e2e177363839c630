package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
	"github.com/adisbladis/hydra-evaluator/internal/eval"
	"github.com/adisbladis/hydra-evaluator/internal/executor"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
	"github.com/adisbladis/hydra-evaluator/internal/worker"
)

// Run executes the configured role: the coordinator walking the job tree
// with a pool of worker processes, or one such worker.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "worker_mode", a.config.WorkerMode)

	if a.config.WorkerMode {
		return a.runWorker(ctx)
	}
	return a.runCoordinator(ctx)
}

// runCoordinator drives the whole evaluation and emits the final result
// tree as pretty-printed JSON, once, after every handler loop has joined.
func (a *App) runCoordinator(ctx context.Context) error {
	if a.config.GCRootsDir == "" {
		a.logger.Warn("--gc-roots-dir not specified, resolved jobs will not be protected from garbage collection")
	}

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own executable: %w", err)
	}
	spawn := executor.CommandSpawner(bin, a.workerArgs())

	a.logger.Info("Starting evaluation.", "expr", a.config.Expr, "workers", a.config.Workers)
	results, err := executor.New(spawn, a.config.Workers).Run(ctx)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	a.logger.Info("Evaluation finished.", "jobs", len(results))

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize results: %w", err)
	}
	_, err = fmt.Fprintln(a.outW, string(out))
	return err
}

// workerArgs renders the command line for one worker child process.
func (a *App) workerArgs() []string {
	args := []string{
		"--worker",
		"--max-memory-size", strconv.Itoa(a.config.MaxMemoryMiB),
		"--log-level", a.config.LogLevel,
		"--log-format", a.config.LogFormat,
	}
	if a.config.Flake {
		args = append(args, "--flake")
	}
	if a.config.DryRun {
		args = append(args, "--dry-run")
	}
	if a.config.GCRootsDir != "" {
		args = append(args, "--gc-roots-dir", a.config.GCRootsDir)
	}
	return append(args, a.config.Expr)
}

// runWorker hosts one evaluator instance and answers expansion requests on
// the process's stdio. A startup fault is reported as a single structured
// error record so the coordinator treats it as a worker that never became
// ready.
func (a *App) runWorker(ctx context.Context) error {
	ev, err := eval.New(ctx, eval.Options{
		Expr:       a.config.Expr,
		Flake:      a.config.Flake,
		DryRun:     a.config.DryRun,
		GCRootsDir: a.config.GCRootsDir,
	})
	if err != nil {
		a.logger.Error("Worker startup failed.", "error", err)
		if line, encErr := (protocol.Result{Error: err.Error()}).Encode(); encErr == nil {
			fmt.Fprintln(a.outW, line)
		}
		return err
	}

	return worker.Serve(ctx, ev, a.inR, a.outW, a.config.MaxMemoryBytes())
}
