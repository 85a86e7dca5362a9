// Package paths centralizes the small amount of filesystem probing
// shellgate needs outside of internal/config's validation (locating a
// config file, checking whether a state directory already exists before
// deciding whether to create it).
package paths

import "os"

const (
	// DefaultStateDir holds the optional audit log (see internal/persistence).
	DefaultStateDir = "/var/lib/shellgate"

	// DefaultLogDir is where a non-systemd deployment would redirect stdout/stderr.
	DefaultLogDir = "/var/log/shellgate"
)

// GetStateDir returns the shellgate state directory, checking the
// environment variable first.
func GetStateDir() string {
	if dir := os.Getenv("SHELLGATE_STATE_DIR"); dir != "" {
		return dir
	}
	return DefaultStateDir
}

// fileExists reports whether path exists (following symlinks) and names a
// regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// dirExists reports whether path exists (following symlinks) and names a
// directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FirstExistingConfig returns the first candidate path that names an
// existing regular file, or "" if none do. Used by cmd/shellgated to pick a
// config file when --config is not passed explicitly.
func FirstExistingConfig(candidates ...string) string {
	for _, c := range candidates {
		if fileExists(c) {
			return c
		}
	}
	return ""
}

// FirstExistingDir returns the first candidate path that names an existing
// directory, or "" if none do.
func FirstExistingDir(candidates ...string) string {
	for _, c := range candidates {
		if dirExists(c) {
			return c
		}
	}
	return ""
}
