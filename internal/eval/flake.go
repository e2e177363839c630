package eval

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/adisbladis/hydra-evaluator/internal/ctxlog"
)

// flakeFile is the expression file resolved from a flake reference.
const flakeFile = "flake.hcl"

// lockFile pins the flake content. The lock is verified, never updated.
const lockFile = "flake.lock"

type flakeLock struct {
	NarHash string `json:"narHash"`
}

// loadFlake resolves a flake reference ("path:<dir>" or a bare directory) to
// its locked, purely evaluated output set and returns the job-tree root: the
// hydraJobs output, or checks when hydraJobs is absent.
func loadFlake(ctx context.Context, ref string) (cty.Value, error) {
	logger := ctxlog.FromContext(ctx)

	dir := strings.TrimPrefix(ref, "path:")
	src, err := os.ReadFile(filepath.Join(dir, flakeFile))
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to resolve flake '%s': %w", ref, err)
	}

	if err := verifyLock(dir, src); err != nil {
		return cty.NilVal, err
	}

	v, err := evalExpr(src, filepath.Join(dir, flakeFile), true)
	if err != nil {
		return cty.NilVal, err
	}

	if !isAttrSet(v) {
		return cty.NilVal, fmt.Errorf("flake '%s' does not evaluate to an attribute set", ref)
	}
	outputs, ok := getAttr(v, "outputs")
	if !ok || outputs.IsNull() || !isAttrSet(outputs) {
		return cty.NilVal, fmt.Errorf("flake '%s' has no outputs", ref)
	}

	jobs, ok := getAttr(outputs, "hydraJobs")
	if !ok {
		jobs, ok = getAttr(outputs, "checks")
	}
	if !ok {
		return cty.NilVal, fmt.Errorf("flake '%s' does not provide any Hydra jobs or checks", ref)
	}

	logger.Debug("Flake resolved.", "ref", ref)
	return jobs, nil
}

// verifyLock checks the flake content against its lock file when one exists.
// An absent lock is tolerated but never written.
func verifyLock(dir string, src []byte) error {
	data, err := os.ReadFile(filepath.Join(dir, lockFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read flake lock: %w", err)
	}

	var lock flakeLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return fmt.Errorf("failed to parse flake lock: %w", err)
	}

	if lock.NarHash != narHash(src) {
		return fmt.Errorf("flake content does not match its lock file")
	}
	return nil
}

// narHash renders the SRI-style content hash recorded in lock files.
func narHash(src []byte) string {
	sum := sha256.Sum256(src)
	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}
