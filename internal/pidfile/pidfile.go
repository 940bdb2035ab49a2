// Package pidfile writes and removes the PID file named by §6's -p flag.
//
// No PID-file or daemonization library appears anywhere in the retrieved
// corpus (the teacher and its siblings all run in the foreground under a
// process supervisor like systemd or the shell); this is a handful of
// lines of straightforward stdlib file I/O, so it is written directly
// against os rather than introducing a dependency with no grounding.
package pidfile

import (
	"fmt"
	"os"
)

// Write creates path containing the current process's PID, truncating any
// existing file. A no-op if path is empty.
func Write(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes path, ignoring a not-exist error. A no-op if path is empty.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
