package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/adisbladis/hydra-evaluator/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("hydra-eval-jobs", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
hydra-eval-jobs - concurrently evaluate a tree of build-job definitions.

Usage:
  hydra-eval-jobs [options] EXPR

Arguments:
  EXPR
    Path to the release expression file, or a flake reference when --flake
    is given.

Options:
`)
		flagSet.PrintDefaults()
	}

	flakeFlag := flagSet.Bool("flake", false, "Build a flake: resolve EXPR as a locked flake reference and evaluate purely.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Don't create store derivations or other store-mutating side effects.")
	workersFlag := flagSet.Int("workers", 1, "Number of evaluation worker processes.")
	maxMemoryFlag := flagSet.Int("max-memory-size", 4096, "Maximum evaluation memory size per worker, in MiB, before it is recycled.")
	gcRootsDirFlag := flagSet.String("gc-roots-dir", "", "Garbage collector roots directory.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workerFlag := flagSet.Bool("worker", false, "Run as an evaluation worker child process (internal).")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	if flagSet.NArg() == 0 {
		return nil, false, &ExitError{Code: 2, Message: "no expression specified"}
	}
	if flagSet.NArg() > 1 {
		return nil, false, &ExitError{Code: 2, Message: "more than one expression specified"}
	}

	config, err := app.NewConfig(app.Config{
		Expr:         flagSet.Arg(0),
		Flake:        *flakeFlag,
		DryRun:       *dryRunFlag,
		Workers:      *workersFlag,
		MaxMemoryMiB: *maxMemoryFlag,
		GCRootsDir:   *gcRootsDirFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		WorkerMode:   *workerFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
