// Package executor implements the concurrent orchestration core: a shared
// work frontier, one recoverable handler loop per worker slot, and the
// driver that joins them and aggregates the final result tree.
package executor

import (
	"encoding/json"
	"sync"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
)

// Entry is one finished path's contribution to the output: either a job
// descriptor or a per-node evaluation error.
type Entry struct {
	Job *protocol.Job
	Err string
}

// MarshalJSON renders the entry as the job descriptor object, or as
// {"error": "<message>"} for failed nodes.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Err != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Err})
	}
	return json.Marshal(e.Job)
}

// Frontier is the only cross-goroutine mutable state of a run: pending and
// in-flight attribute paths, accumulated results, and the single recorded
// fatal error. All access goes through one mutex and one condition variable.
//
// Invariant: a path is never in todo and active at the same time, and is
// removed from active only when its outcome has been folded back in.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond

	todo    map[attr.Path]struct{}
	active  map[attr.Path]struct{}
	results map[attr.Path]Entry
	fatal   error
}

// NewFrontier creates a frontier seeded with the tree root.
func NewFrontier() *Frontier {
	f := &Frontier{
		todo:    map[attr.Path]struct{}{attr.Root: {}},
		active:  make(map[attr.Path]struct{}),
		results: make(map[attr.Path]Entry),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Claim removes and returns one pending path, marking it in-flight. It
// blocks while work may still be discovered. ok is false when the walk is
// complete or a fatal error has been recorded; no path is claimed then.
//
// The smallest pending path is claimed first so parents are expanded before
// deep descendants, keeping the number of partially expanded subtrees low.
func (f *Frontier) Claim() (path attr.Path, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.fatal != nil || (len(f.todo) == 0 && len(f.active) == 0) {
			return "", false
		}
		if len(f.todo) > 0 {
			path := f.minTodo()
			delete(f.todo, path)
			f.active[path] = struct{}{}
			return path, true
		}
		f.cond.Wait()
	}
}

// minTodo returns the smallest pending path. Called with mu held.
func (f *Frontier) minTodo() attr.Path {
	var min attr.Path
	first := true
	for p := range f.todo {
		if first || p < min {
			min = p
			first = false
		}
	}
	return min
}

// Fold records the outcome of one claimed path: its result entry (nil for
// nodes that contribute nothing), and any children discovered by expanding
// it. It wakes every waiter, since new work or termination may now be
// observable.
func (f *Frontier) Fold(path attr.Path, entry *Entry, children []attr.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry != nil {
		f.results[path] = *entry
	}
	delete(f.active, path)
	for _, c := range children {
		f.todo[c] = struct{}{}
	}
	f.cond.Broadcast()
}

// Fail records the run's fatal error. The first writer wins; later calls
// are no-ops. All waiters are woken so every slot observes termination.
func (f *Frontier) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fatal == nil {
		f.fatal = err
	}
	f.cond.Broadcast()
}

// Err returns the recorded fatal error, if any.
func (f *Frontier) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

// Results returns a copy of the accumulated result mapping.
func (f *Frontier) Results() map[attr.Path]Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[attr.Path]Entry, len(f.results))
	for p, e := range f.results {
		out[p] = e
	}
	return out
}
