//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalizePathCleansDotDot(t *testing.T) {
	tmpDir := t.TempDir()
	stateDir := filepath.Join(tmpDir, "state")
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		t.Fatal(err)
	}

	messy := filepath.Join(stateDir, "..", "state")
	canonical, err := canonicalizePath(messy)
	if err != nil {
		t.Fatalf("canonicalizePath failed: %v", err)
	}
	if canonical != stateDir {
		t.Errorf("expected %s, got %s", stateDir, canonical)
	}
}

func TestCanonicalizePathResolvesSymlinkedStateDir(t *testing.T) {
	tmpDir := t.TempDir()

	realDir := filepath.Join(tmpDir, "real-state")
	if err := os.MkdirAll(realDir, 0750); err != nil {
		t.Fatal(err)
	}
	// An operator might bind-mount or symlink stateDir onto a larger volume.
	linked := filepath.Join(tmpDir, "state")
	if err := os.Symlink(realDir, linked); err != nil {
		t.Fatal(err)
	}

	canonical, err := canonicalizePath(linked)
	if err != nil {
		t.Fatalf("canonicalizePath failed: %v", err)
	}
	if canonical != realDir {
		t.Errorf("expected symlink to resolve to %s, got %s", realDir, canonical)
	}
}

func TestCanonicalizePathHandlesNotYetCreatedStateDir(t *testing.T) {
	tmpDir := t.TempDir()

	// ensureDirectoryWritable is called against a stateDir that may not
	// exist yet; canonicalizePath must still resolve the existing parent
	// and append the rest unchanged.
	notYetCreated := filepath.Join(tmpDir, "shellgate", "state")
	canonical, err := canonicalizePath(notYetCreated)
	if err != nil {
		t.Fatalf("canonicalizePath failed for not-yet-created stateDir: %v", err)
	}
	if canonical != filepath.Join(tmpDir, "shellgate", "state") {
		t.Errorf("expected %s, got %s", filepath.Join(tmpDir, "shellgate", "state"), canonical)
	}
}

func TestCanonicalizePathExposesSymlinkEscape(t *testing.T) {
	tmpDir := t.TempDir()

	configuredArea := filepath.Join(tmpDir, "configured-state")
	elsewhere := filepath.Join(tmpDir, "elsewhere")
	if err := os.MkdirAll(configuredArea, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(elsewhere, 0750); err != nil {
		t.Fatal(err)
	}

	// A stateDir config value that looks contained but actually points
	// somewhere else via a planted symlink.
	escape := filepath.Join(configuredArea, "escape")
	if err := os.Symlink(elsewhere, escape); err != nil {
		t.Fatal(err)
	}

	canonical, err := canonicalizePath(escape)
	if err != nil {
		t.Fatalf("canonicalizePath failed: %v", err)
	}
	if canonical != elsewhere {
		t.Errorf("expected the escape to resolve to %s, got %s", elsewhere, canonical)
	}
}

func TestEnsureDirectoryWritableCreatesAtCanonicalPath(t *testing.T) {
	tmpDir := t.TempDir()

	realDir := filepath.Join(tmpDir, "real-state")
	if err := os.MkdirAll(realDir, 0750); err != nil {
		t.Fatal(err)
	}
	linked := filepath.Join(tmpDir, "state")
	if err := os.Symlink(realDir, linked); err != nil {
		t.Fatal(err)
	}

	// Simulates validate()'s ensureDirectoryWritable(c.StateDir, "stateDir")
	// call site with a stateDir that's actually a symlink.
	if err := ensureDirectoryWritable(linked, "stateDir"); err != nil {
		t.Fatalf("ensureDirectoryWritable failed: %v", err)
	}

	info, err := os.Stat(realDir)
	if err != nil {
		t.Fatalf("directory not created at canonical path %s: %v", realDir, err)
	}
	if !info.IsDir() {
		t.Errorf("expected a directory at %s", realDir)
	}
}

func TestEnsureDirectoryWritableRejectsReadOnlyParent(t *testing.T) {
	tmpDir := t.TempDir()
	readOnlyParent := filepath.Join(tmpDir, "ro")
	if err := os.MkdirAll(readOnlyParent, 0500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(readOnlyParent, 0750) })

	err := ensureDirectoryWritable(filepath.Join(readOnlyParent, "state"), "stateDir")
	if err == nil {
		t.Fatal("expected ensureDirectoryWritable to fail under a read-only parent")
	}
}

func TestValidateShellCommandResolvesBareNameOnPath(t *testing.T) {
	// validateShellCommand's bare-name branch is the one real shell types
	// actually hit: config.json names "bash" or "pig", not an absolute path.
	if err := validateShellCommand("sh"); err != nil {
		t.Fatalf("validateShellCommand(%q) failed: %v", "sh", err)
	}
}

func TestValidateShellCommandRejectsUnknownExecutable(t *testing.T) {
	if err := validateShellCommand("no-such-shell-binary"); err == nil {
		t.Fatal("expected validateShellCommand to fail for an executable not on PATH")
	}
}

func TestValidateShellCommandResolvesSymlinkedExecutable(t *testing.T) {
	tmpDir := t.TempDir()

	realExe := filepath.Join(tmpDir, "real-shell")
	if err := os.WriteFile(realExe, []byte("#!/bin/sh\n"), 0750); err != nil {
		t.Fatal(err)
	}
	linked := filepath.Join(tmpDir, "configured-shell")
	if err := os.Symlink(realExe, linked); err != nil {
		t.Fatal(err)
	}

	if err := validateShellCommand(linked); err != nil {
		t.Errorf("validateShellCommand failed for a symlinked shell executable: %v", err)
	}
}

func TestValidateShellCommandFailsForBrokenSymlink(t *testing.T) {
	tmpDir := t.TempDir()

	broken := filepath.Join(tmpDir, "broken-shell")
	if err := os.Symlink("/nonexistent/shell-binary", broken); err != nil {
		t.Fatal(err)
	}

	if err := validateShellCommand(broken); err == nil {
		t.Error("expected validateShellCommand to fail for a broken symlink")
	}
}

func TestValidateShellCommandRejectsDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if err := validateShellCommand(tmpDir); err == nil {
		t.Error("expected validateShellCommand to reject a directory")
	}
}
