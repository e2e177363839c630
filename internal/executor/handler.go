package executor

import (
	"context"
	"fmt"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
)

// handler drives one worker slot: it spawns (and respawns) its worker
// process, claims paths from the frontier, dispatches them, and folds the
// responses back in. The worker handle is exclusively owned by this loop.
type handler struct {
	id       int
	frontier *Frontier
	spawn    SpawnFunc
}

// run drives the slot to a terminal state, promoting any loop failure to
// the run's single fatal error.
func (h *handler) run(ctx context.Context) {
	if err := h.loop(ctx); err != nil {
		ctxlog.FromContext(ctx).Error("Handler loop failed.", "slot", h.id, "error", err)
		h.frontier.Fail(err)
	}
}

func (h *handler) loop(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("slot", h.id)

	var w WorkerProc
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()

	for {
		// Start a new worker process if necessary.
		if w == nil {
			var err error
			w, err = h.spawn(ctx)
			if err != nil {
				return fmt.Errorf("failed to start worker: %w", err)
			}
		}

		// Check whether the existing worker process is still there.
		line, err := w.Recv()
		if err != nil {
			return fmt.Errorf("worker failed to become ready: %w", err)
		}
		switch line {
		case protocol.SignalRestart:
			_ = w.Close()
			w = nil
			continue
		case protocol.SignalNext:
		default:
			return workerFault(line)
		}

		// Wait for a path to become available.
		path, ok := h.frontier.Claim()
		if !ok {
			logger.Debug("No work left, releasing worker.")
			_ = w.Send(protocol.EncodeExit())
			return nil
		}

		res, err := h.dispatch(ctx, &w, path)
		if err != nil {
			return err
		}

		entry, children := foldResult(path, res)
		h.frontier.Fold(path, entry, children)
	}
}

// dispatch sends one path to the worker and reads its structured result. A
// worker that recycles itself before answering is respawned and the same
// path re-dispatched; the path stays recorded as active throughout, so it
// is never lost.
func (h *handler) dispatch(ctx context.Context, w *WorkerProc, path attr.Path) (protocol.Result, error) {
	logger := ctxlog.FromContext(ctx).With("slot", h.id)

	for {
		if err := (*w).Send(protocol.EncodeDo(path)); err != nil {
			return protocol.Result{}, fmt.Errorf("failed to dispatch '%s': %w", path, err)
		}

		line, err := (*w).Recv()
		if err != nil {
			return protocol.Result{}, fmt.Errorf("worker died evaluating '%s': %w", path, err)
		}

		if line == protocol.SignalRestart {
			logger.Debug("Worker restarting mid-dispatch, respawning.", "path", path)
			_ = (*w).Close()
			fresh, err := h.spawn(ctx)
			if err != nil {
				return protocol.Result{}, fmt.Errorf("failed to respawn worker: %w", err)
			}
			*w = fresh

			ready, err := fresh.Recv()
			if err != nil {
				return protocol.Result{}, fmt.Errorf("respawned worker failed to become ready: %w", err)
			}
			if ready != protocol.SignalNext {
				return protocol.Result{}, workerFault(ready)
			}
			continue
		}

		res, err := protocol.ParseResult(line)
		if err != nil {
			return protocol.Result{}, err
		}
		return res, nil
	}
}

// workerFault interprets an out-of-band worker line: either a structured
// startup error record or a protocol violation. Both are unrecoverable for
// the whole run.
func workerFault(line string) error {
	if res, err := protocol.ParseResult(line); err == nil && res.Error != "" {
		return fmt.Errorf("worker error: %s", res.Error)
	}
	return fmt.Errorf("unexpected worker line %q", line)
}

// foldResult translates a worker response into a result entry and the child
// paths discovered by the expansion.
func foldResult(path attr.Path, res protocol.Result) (*Entry, []attr.Path) {
	switch {
	case res.Job != nil:
		return &Entry{Job: res.Job}, nil
	case res.Error != "":
		return &Entry{Err: res.Error}, nil
	case len(res.Attrs) > 0:
		children := make([]attr.Path, 0, len(res.Attrs))
		for _, name := range res.Attrs {
			children = append(children, path.Child(name))
		}
		return nil, children
	default:
		// Null node: contributes nothing.
		return nil, nil
	}
}
