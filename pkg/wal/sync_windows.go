//go:build windows

package wal

// syncDir is a no-op on Windows: NTFS journals metadata updates itself, and
// directories cannot be opened for FlushFileBuffers the way Unix allows.
func syncDir(dir string) error {
	return nil
}
