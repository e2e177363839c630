// Package worker implements the child-process side of the evaluation
// protocol: one evaluator instance answering path-expansion requests over a
// pair of byte streams.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
)

// Evaluator answers one path-expansion request at a time and reports its own
// memory footprint.
type Evaluator interface {
	Resolve(ctx context.Context, path attr.Path) protocol.Result
	MemoryUsage() uint64
}

// Serve runs the worker main loop: announce readiness, answer "do" commands
// with one result line each, and stop on "exit".
//
// After every result the worker checks its peak resident memory against
// maxMemory; crossing the ceiling sends "restart" and terminates the loop so
// the coordinator respawns a fresh process. This bounds evaluator memory
// growth by process recycling.
func Serve(ctx context.Context, ev Evaluator, in io.Reader, out io.Writer, maxMemory uint64) error {
	logger := ctxlog.FromContext(ctx)
	r := bufio.NewReader(in)

	for {
		if err := writeLine(out, protocol.SignalNext); err != nil {
			return err
		}

		line, err := readLine(r)
		if err != nil {
			return fmt.Errorf("failed to read command: %w", err)
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			return err
		}
		if cmd.Kind == protocol.CmdExit {
			logger.Debug("Worker exiting on request.")
			return nil
		}

		logger.Debug("Worker evaluating path.", "path", cmd.Path)
		res := ev.Resolve(ctx, cmd.Path)

		reply, err := res.Encode()
		if err != nil {
			return err
		}
		if err := writeLine(out, reply); err != nil {
			return err
		}

		if usage := ev.MemoryUsage(); usage > maxMemory {
			logger.Info("Memory ceiling crossed, restarting worker.",
				"usage_bytes", usage, "ceiling_bytes", maxMemory)
			return writeLine(out, protocol.SignalRestart)
		}
	}
}

func writeLine(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("failed to write %q: %w", line, err)
	}
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}
