// Package gcroots registers resolved build identities as garbage-collector
// roots, preventing their referenced artifacts from being collected between
// evaluation and build.
package gcroots

import (
	"fmt"
	"os"
	"path/filepath"
)

// Register links drvPath under dir using the store path's base name. It is
// idempotent: a destination that already exists is left untouched. Roots may
// be registered for jobs that were already done in a previous run.
func Register(drvPath, dir string) error {
	root := filepath.Join(dir, filepath.Base(drvPath))

	if _, err := os.Lstat(root); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat GC root %s: %w", root, err)
	}

	if err := os.Symlink(drvPath, root); err != nil {
		// A concurrent worker may have created the same root.
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("failed to register GC root %s: %w", root, err)
	}
	return nil
}
