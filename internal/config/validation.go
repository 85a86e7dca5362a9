package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// canonicalizePath resolves path to its canonical, symlink-free form.
//
// If path does not exist yet, the longest existing parent is resolved and
// the remaining (non-existent) components are appended unchanged. This lets
// callers validate directories that will be created on demand (state/log
// dirs) without requiring them to pre-exist, while still collapsing any
// symlinks an attacker (or a stale bind-mount) might have planted in an
// already-existing ancestor.
func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}

	parent := filepath.Dir(cleaned)
	if parent == cleaned {
		// Reached the root without finding an existing ancestor.
		return cleaned, nil
	}

	resolvedParent, err := canonicalizePath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(cleaned)), nil
}

// validateDirectoryExists checks that path (after symlink resolution) names
// an existing directory. The error, if any, names fieldName so config
// validation failures point at the offending config key.
func validateDirectoryExists(path, fieldName string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("%s: %q does not exist (resolved to %q): %w", fieldName, path, canonical, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %q (resolved to %q) is not a directory", fieldName, path, canonical)
	}
	return nil
}

// ensureDirectoryWritable creates path (and any missing parents) at its
// canonical location and verifies the result is a writable directory.
func ensureDirectoryWritable(path, fieldName string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}

	if err := os.MkdirAll(canonical, 0o750); err != nil {
		return fmt.Errorf("%s: create %q: %w", fieldName, canonical, err)
	}

	probe := filepath.Join(canonical, ".shellgate-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("%s: %q is not writable: %w", fieldName, canonical, err)
	}
	f.Close()
	os.Remove(probe)

	return nil
}

// validateExecutable resolves path through any symlinks and checks that the
// result is a regular file with at least one executable bit set.
func validateExecutable(path, fieldName string) error {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %q is a directory, not an executable", fieldName, canonical)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s: %q is not executable", fieldName, canonical)
	}
	return nil
}
