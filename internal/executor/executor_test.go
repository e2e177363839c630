package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
	"github.com/adisbladis/hydra-evaluator/internal/worker"
)

// treeEval resolves paths from a fixed table; unknown paths are null nodes.
type treeEval struct {
	tree  map[attr.Path]protocol.Result
	usage uint64
	calls atomic.Int32
}

func (e *treeEval) Resolve(_ context.Context, path attr.Path) protocol.Result {
	e.calls.Add(1)
	return e.tree[path]
}

func (e *treeEval) MemoryUsage() uint64 { return e.usage }

// pipeProc connects a handler loop to an in-process worker over io.Pipes,
// standing in for a child process and its stdio.
type pipeProc struct {
	in   *io.PipeWriter
	out  *bufio.Reader
	outR *io.PipeReader
}

func (p *pipeProc) Send(line string) error {
	_, err := io.WriteString(p.in, line+"\n")
	return err
}

func (p *pipeProc) Recv() (string, error) {
	line, err := p.out.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (p *pipeProc) Close() error {
	_ = p.in.Close()
	_ = p.outR.Close()
	return nil
}

// fakeSpawner spawns in-process workers running worker.Serve against a
// fresh treeEval per spawn, mirroring one evaluator per worker process.
type fakeSpawner struct {
	tree   map[attr.Path]protocol.Result
	usage  uint64
	maxMem uint64

	mu  sync.Mutex
	evs []*treeEval
}

func (s *fakeSpawner) spawn(ctx context.Context) (WorkerProc, error) {
	ev := &treeEval{tree: s.tree, usage: s.usage}
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = worker.Serve(ctx, ev, cmdR, respW, s.maxMem)
		_ = respW.Close()
		_ = cmdR.Close()
	}()
	return &pipeProc{in: cmdW, out: bufio.NewReader(respR), outR: respR}, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

func run(t *testing.T, tree map[attr.Path]protocol.Result, workers int) map[attr.Path]Entry {
	t.Helper()
	s := &fakeSpawner{tree: tree, maxMem: 1 << 40}
	results, err := New(s.spawn, workers).Run(context.Background())
	require.NoError(t, err)
	return results
}

func TestRunRootIsJob(t *testing.T) {
	results := run(t, map[attr.Path]protocol.Result{
		attr.Root: {Job: &protocol.Job{DrvPath: "/nix/store/abc-root.drv"}},
	}, 2)

	out, err := json.Marshal(results)
	require.NoError(t, err)
	assert.JSONEq(t, `{"": {"drvPath": "/nix/store/abc-root.drv"}}`, string(out))
}

func TestRunExpandsChildren(t *testing.T) {
	// "b.bad" was already dropped by the evaluator; "c" is a null node.
	tree := map[attr.Path]protocol.Result{
		attr.Root: {Attrs: []string{"a", "c"}},
		"a":       {Job: &protocol.Job{DrvPath: "/nix/store/a.drv"}},
		"c":       {},
	}
	results := run(t, tree, 2)

	require.Len(t, results, 1)
	require.Contains(t, results, attr.Path("a"))
	assert.Equal(t, "/nix/store/a.drv", results["a"].Job.DrvPath)
}

func TestRunDeepTree(t *testing.T) {
	tree := map[attr.Path]protocol.Result{
		attr.Root:     {Attrs: []string{"pkgs", "tests"}},
		"pkgs":        {Attrs: []string{"hello", "world"}},
		"tests":       {Attrs: []string{"smoke"}},
		"pkgs.hello":  {Job: &protocol.Job{DrvPath: "/nix/store/hello.drv"}},
		"pkgs.world":  {Job: &protocol.Job{DrvPath: "/nix/store/world.drv"}},
		"tests.smoke": {Error: "smoke test is broken"},
	}
	results := run(t, tree, 3)

	require.Len(t, results, 3)
	assert.Equal(t, "/nix/store/hello.drv", results["pkgs.hello"].Job.DrvPath)
	assert.Equal(t, "/nix/store/world.drv", results["pkgs.world"].Job.DrvPath)
	assert.Equal(t, "smoke test is broken", results["tests.smoke"].Err)
}

func TestRunPerNodeErrorIsNotFatal(t *testing.T) {
	tree := map[attr.Path]protocol.Result{
		attr.Root: {Attrs: []string{"broken", "ok"}},
		"broken":  {Error: "attribute 'broken' is string, which is not supported"},
		"ok":      {Job: &protocol.Job{DrvPath: "/nix/store/ok.drv"}},
	}
	results := run(t, tree, 2)

	require.Len(t, results, 2)
	assert.Contains(t, results["broken"].Err, "not supported")
	assert.NotNil(t, results["ok"].Job)
}

func TestRunPoolSizeDoesNotAffectOutcome(t *testing.T) {
	tree := map[attr.Path]protocol.Result{
		attr.Root: {Attrs: []string{"a", "b", "c"}},
		"a":       {Attrs: []string{"x", "y"}},
		"a.x":     {Job: &protocol.Job{DrvPath: "/nix/store/ax.drv"}},
		"a.y":     {Error: "boom"},
		"b":       {},
		"c":       {Job: &protocol.Job{DrvPath: "/nix/store/c.drv"}},
	}

	single, err := json.Marshal(run(t, tree, 1))
	require.NoError(t, err)
	pooled, err := json.Marshal(run(t, tree, 8))
	require.NoError(t, err)

	assert.Equal(t, string(single), string(pooled))
}

func TestRunRecyclesWorkerAboveMemoryCeiling(t *testing.T) {
	tree := map[attr.Path]protocol.Result{
		attr.Root: {Attrs: []string{"a", "b"}},
		"a":       {Job: &protocol.Job{DrvPath: "/nix/store/a.drv"}},
		"b":       {Job: &protocol.Job{DrvPath: "/nix/store/b.drv"}},
	}
	// Every response crosses the ceiling, so each worker instance answers
	// exactly one dispatch before recycling.
	s := &fakeSpawner{tree: tree, usage: 2, maxMem: 1}

	results, err := New(s.spawn, 1).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Greater(t, s.spawnCount(), 1, "ceiling breaches must respawn workers")
	for i, ev := range s.evs {
		assert.LessOrEqual(t, ev.calls.Load(), int32(1),
			"worker %d answered more than one dispatch after a ceiling breach", i)
	}
}

func TestRunWorkerCrashIsFatal(t *testing.T) {
	// The first worker answers the root job then recycles; its replacement
	// is dead. The already collected root result must be discarded.
	tree := map[attr.Path]protocol.Result{
		attr.Root: {Job: &protocol.Job{DrvPath: "/nix/store/root.drv"}},
	}
	s := &fakeSpawner{tree: tree, usage: 2, maxMem: 1}

	spawned := 0
	spawn := func(ctx context.Context) (WorkerProc, error) {
		spawned++
		if spawned > 1 {
			return deadProc{}, nil
		}
		return s.spawn(ctx)
	}

	results, err := New(spawn, 1).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestRunWorkerStartupErrorIsFatal(t *testing.T) {
	spawn := func(ctx context.Context) (WorkerProc, error) {
		return &startupErrProc{msg: "cannot resolve flake reference"}, nil
	}

	results, err := New(spawn, 2).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker error: cannot resolve flake reference")
	assert.Nil(t, results)
}

func TestRunObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree := map[attr.Path]protocol.Result{
		attr.Root: {Job: &protocol.Job{DrvPath: "/nix/store/root.drv"}},
	}
	s := &fakeSpawner{tree: tree, maxMem: 1 << 40}

	_, err := New(s.spawn, 2).Run(ctx)
	require.Error(t, err)
}

// deadProc simulates a worker process that exited without producing output.
type deadProc struct{}

func (deadProc) Send(string) error     { return nil }
func (deadProc) Recv() (string, error) { return "", io.EOF }
func (deadProc) Close() error          { return nil }

// startupErrProc simulates a worker that faulted before its first readiness
// signal and reported a single structured error record.
type startupErrProc struct {
	msg  string
	sent bool
}

func (p *startupErrProc) Send(string) error { return nil }

func (p *startupErrProc) Recv() (string, error) {
	if p.sent {
		return "", io.EOF
	}
	p.sent = true
	line, err := protocol.Result{Error: p.msg}.Encode()
	return line, err
}

func (p *startupErrProc) Close() error { return nil }
