// Package eval embeds the job-tree evaluator hosted by each worker process.
//
// A job tree is a single HCL expression evaluating to nested attribute sets
// (cty objects or maps). A set carrying a drvPath attribute is a concrete
// job; a null node contributes nothing; any other attribute set expands into
// its children.
package eval

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
	"github.com/adisbladis/hydra-evaluator/internal/gcroots"
	"github.com/adisbladis/hydra-evaluator/internal/protocol"
)

// Options configures a single evaluator instance. It is explicit startup
// configuration; the evaluator keeps no implicit global state.
type Options struct {
	// Expr is the release expression: a file path containing one HCL
	// expression, or a flake reference when Flake is set.
	Expr string
	// Flake selects locked, pure flake evaluation of Expr.
	Flake bool
	// DryRun suppresses store-mutating side effects (GC-root registration).
	DryRun bool
	// GCRootsDir, when non-empty, receives a GC root per resolved job.
	GCRootsDir string
}

// Evaluator holds the fully evaluated job-tree root and resolves attribute
// paths against it. One instance lives per worker process; it is not safe
// for concurrent use.
type Evaluator struct {
	root cty.Value
	opts Options
}

// New loads the release expression and evaluates it to the job-tree root.
// Failures here are fatal startup errors for the hosting worker.
func New(ctx context.Context, opts Options) (*Evaluator, error) {
	logger := ctxlog.FromContext(ctx)

	var root cty.Value
	var err error
	if opts.Flake {
		root, err = loadFlake(ctx, opts.Expr)
	} else {
		root, err = loadExprFile(opts.Expr)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("Evaluator initialized.", "expr", opts.Expr, "flake", opts.Flake)
	return &Evaluator{root: root, opts: opts}, nil
}

// loadExprFile parses and evaluates a plain expression file. Plain mode is
// impure: the expression may read the ambient environment via env().
func loadExprFile(path string) (cty.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to read expression file: %w", err)
	}
	return evalExpr(src, path, false)
}

// evalExpr parses src as one HCL expression and evaluates it.
func evalExpr(src []byte, filename string, pure bool) (cty.Value, error) {
	expr, diags := hclsyntax.ParseExpression(src, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("failed to parse %s: %s", filename, diags.Error())
	}

	v, diags := expr.Value(evalContext(pure))
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("failed to evaluate %s: %s", filename, diags.Error())
	}
	return v, nil
}

// MemoryUsage returns the peak resident memory of the hosting process in
// bytes. Workers consult it after every response to decide whether to
// recycle themselves.
func (e *Evaluator) MemoryUsage() uint64 {
	return peakRSS()
}

// Resolve looks up path against the job-tree root and classifies the node.
// Per-node failures are returned as error-tagged results, never as process
// faults, so sibling processing continues.
func (e *Evaluator) Resolve(ctx context.Context, path attr.Path) protocol.Result {
	logger := ctxlog.FromContext(ctx)

	v, err := lookup(e.root, path)
	if err != nil {
		return e.errResult(ctx, err)
	}

	switch {
	case v.IsNull():
		// Null nodes contribute nothing.
		return protocol.Result{}

	case isAttrSet(v):
		if _, ok := getAttr(v, "drvPath"); ok {
			return e.resolveJob(ctx, v, path)
		}

		var names []string
		for it := v.ElementIterator(); it.Next(); {
			key, _ := it.Element()
			name := key.AsString()
			if !attr.ValidName(name) {
				logger.Warn("Skipping job with illegal name.", "name", name)
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if names == nil {
			names = []string{}
		}
		return protocol.Result{Attrs: names}

	default:
		return e.errResult(ctx, fmt.Errorf("attribute '%s' is %s, which is not supported",
			path, v.Type().FriendlyName()))
	}
}

// resolveJob extracts the build identity from a node already known to carry
// a drvPath attribute and registers its GC root when configured.
func (e *Evaluator) resolveJob(ctx context.Context, v cty.Value, path attr.Path) protocol.Result {
	drvPath, ok := getStringAttr(v, "drvPath")
	if !ok || drvPath == "" {
		return e.errResult(ctx, fmt.Errorf("derivation at '%s' has an invalid 'drvPath' attribute", path))
	}

	system, ok := getStringAttr(v, "system")
	if !ok || system == "" || system == "unknown" {
		return e.errResult(ctx, fmt.Errorf("derivation must have a 'system' attribute"))
	}

	if e.opts.GCRootsDir != "" && !e.opts.DryRun {
		if err := gcroots.Register(drvPath, e.opts.GCRootsDir); err != nil {
			return e.errResult(ctx, err)
		}
	}

	return protocol.Result{Job: &protocol.Job{DrvPath: drvPath}}
}

// errResult records a per-node evaluation error. It is echoed to the
// diagnostic stream as well as transmitted, since the final JSON entry is
// what downstream UIs display.
func (e *Evaluator) errResult(ctx context.Context, err error) protocol.Result {
	ctxlog.FromContext(ctx).Error("Evaluation failed.", "error", err)
	return protocol.Result{Error: err.Error()}
}

// lookup walks the dot-joined path down the job tree.
func lookup(root cty.Value, path attr.Path) (cty.Value, error) {
	v := root
	for _, seg := range path.Segments() {
		if v.IsNull() || !isAttrSet(v) {
			return cty.NilVal, fmt.Errorf("attribute '%s' in selection path '%s' not found", seg, path)
		}
		child, ok := getAttr(v, seg)
		if !ok {
			return cty.NilVal, fmt.Errorf("attribute '%s' in selection path '%s' not found", seg, path)
		}
		v = child
	}
	return v, nil
}

// isAttrSet reports whether v is an attribute set: a cty object or a
// string-keyed map.
func isAttrSet(v cty.Value) bool {
	ty := v.Type()
	return ty.IsObjectType() || ty.IsMapType()
}

// getAttr fetches a named member from an attribute set.
func getAttr(v cty.Value, name string) (cty.Value, bool) {
	ty := v.Type()
	switch {
	case ty.IsObjectType():
		if !ty.HasAttribute(name) {
			return cty.NilVal, false
		}
		return v.GetAttr(name), true
	case ty.IsMapType():
		idx := cty.StringVal(name)
		if v.HasIndex(idx).False() {
			return cty.NilVal, false
		}
		return v.Index(idx), true
	}
	return cty.NilVal, false
}

// getStringAttr fetches a named member and requires it to be a non-null
// string.
func getStringAttr(v cty.Value, name string) (string, bool) {
	av, ok := getAttr(v, name)
	if !ok || av.IsNull() || av.Type() != cty.String {
		return "", false
	}
	return av.AsString(), true
}
