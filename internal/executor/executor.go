package executor

import (
	"context"
	"sync"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
)

// Executor walks one job tree to exhaustion using a fixed pool of handler
// loops over a shared frontier. The pool size is fixed for the whole run;
// idle slots exit when the walk completes.
type Executor struct {
	frontier *Frontier
	spawn    SpawnFunc
	workers  int
}

// New creates an executor with a fresh frontier seeded at the tree root.
func New(spawn SpawnFunc, workers int) *Executor {
	return &Executor{
		frontier: NewFrontier(),
		spawn:    spawn,
		workers:  workers,
	}
}

// Run starts one handler loop per worker slot, waits for all of them to
// reach a terminal state, and returns the final result mapping. If any slot
// recorded a fatal error, that single error is returned instead and partial
// results are discarded.
//
// Cancelling ctx is promoted to the run's fatal error, so every blocked
// claim observes termination within one wake cycle; in-flight dispatches
// are allowed to drain.
func (e *Executor) Run(ctx context.Context) (map[attr.Path]Entry, error) {
	logger := ctxlog.FromContext(ctx)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.frontier.Fail(ctx.Err())
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h := &handler{id: id, frontier: e.frontier, spawn: e.spawn}
			h.run(ctx)
		}(i)
	}
	wg.Wait()
	close(done)

	if err := e.frontier.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Debug("All handler loops joined.", "results", len(e.frontier.Results()))
	return e.frontier.Results(), nil
}
