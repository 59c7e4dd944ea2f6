//go:build !windows

package wal

import (
	"fmt"
	"os"
)

// syncDir fsyncs a directory so metadata changes (file creation, rename)
// survive a crash. Without it a freshly created or renamed file can lose its
// directory entry even though the file data itself was fsync'd.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: failed to open directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync directory: %w", err)
	}
	return nil
}
