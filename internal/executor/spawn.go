package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
)

// WorkerProc is one live worker endpoint: two half-duplex byte channels and
// a teardown. A WorkerProc is exclusively owned by one handler loop and is
// never accessed concurrently.
type WorkerProc interface {
	Send(line string) error
	Recv() (string, error)
	Close() error
}

// SpawnFunc creates a fresh worker. Handler loops call it on startup and
// after every recycle.
type SpawnFunc func(ctx context.Context) (WorkerProc, error)

// terminateGrace is how long a worker gets between SIGTERM and SIGKILL.
const terminateGrace = 100 * time.Millisecond

// CommandSpawner returns a SpawnFunc that executes bin with args, speaking
// the protocol over the child's stdin and stdout. Stderr is inherited so
// worker diagnostics reach the run's diagnostic stream directly.
func CommandSpawner(bin string, args []string) SpawnFunc {
	return func(ctx context.Context) (WorkerProc, error) {
		cmd := exec.Command(bin, args...)
		cmd.Stderr = os.Stderr
		configureWorkerProcess(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open worker stdout: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker process: %w", err)
		}

		session := uuid.NewString()
		ctxlog.FromContext(ctx).Debug("Created worker process.",
			"pid", cmd.Process.Pid, "session", session)

		return &procWorker{cmd: cmd, in: stdin, out: bufio.NewReader(stdout)}, nil
	}
}

// procWorker adapts an exec.Cmd with piped stdio to the WorkerProc
// interface.
type procWorker struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

func (p *procWorker) Send(line string) error {
	_, err := io.WriteString(p.in, line+"\n")
	return err
}

func (p *procWorker) Recv() (string, error) {
	line, err := p.out.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

// Close tears the worker down and reaps it. Well-behaved workers exit on
// their own once stdin closes; the signal escalation only catches hung
// evaluations.
func (p *procWorker) Close() error {
	_ = p.in.Close()
	terminateWorkerProcess(p.cmd, terminateGrace)
	_ = p.cmd.Wait()
	return nil
}
