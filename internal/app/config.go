package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Expr is the release expression: a file path, or a flake reference
	// when Flake is set.
	Expr  string
	Flake bool

	// DryRun suppresses store-mutating side effects during evaluation.
	DryRun bool
	// GCRootsDir is where resolved jobs are registered as GC roots.
	GCRootsDir string

	// Workers is the fixed size of the evaluation worker pool.
	Workers int
	// MaxMemoryMiB is the per-worker memory ceiling before recycling.
	MaxMemoryMiB int

	LogFormat string
	LogLevel  string

	// WorkerMode selects the child-process role instead of the coordinator.
	WorkerMode bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.Expr == "" {
		return nil, errors.New("no expression specified")
	}
	if cfg.Workers < 1 {
		return nil, errors.New("workers must be at least 1")
	}
	if cfg.MaxMemoryMiB < 1 {
		return nil, errors.New("max-memory-size must be at least 1 MiB")
	}

	return &cfg, nil
}

// MaxMemoryBytes converts the configured ceiling to bytes.
func (c *Config) MaxMemoryBytes() uint64 {
	return uint64(c.MaxMemoryMiB) << 20
}
