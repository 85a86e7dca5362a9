// Package config loads and validates the on-disk configuration for a
// shellgate server: the frozen table of spawnable shell types and the
// handful of tunables an operator may narrow (never widen) past the
// defaults in constants.go.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/containerd/log"
)

// DefaultConfigPath is used when SHELLGATE_CONFIG is unset.
const DefaultConfigPath = "/etc/shellgate/config.json"

// configPath returns the configuration file location, checking the
// environment variable first.
func configPath() string {
	if p := os.Getenv("SHELLGATE_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Get loads, validates and returns the server configuration from the path
// named by SHELLGATE_CONFIG (or DefaultConfigPath). It fails fast: a missing
// file, malformed JSON, or an unresolvable shell executable is returned as
// an error, so operators notice at startup instead of at first shell
// creation. A limit above its compiled-in ceiling is not an error: it is
// clamped to the ceiling and a warning is logged.
func Get() (*Config, error) {
	path := configPath()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}

	if len(c.ShellTypes) == 0 {
		return fmt.Errorf("no shellTypes configured")
	}
	seen := make(map[string]bool, len(c.ShellTypes))
	for i := range c.ShellTypes {
		st := &c.ShellTypes[i]
		if st.KeyName == "" {
			return fmt.Errorf("shellTypes[%d]: keyName is required", i)
		}
		if seen[st.KeyName] {
			return fmt.Errorf("shellTypes[%d]: duplicate keyName %q", i, st.KeyName)
		}
		seen[st.KeyName] = true
		if len(st.Command) == 0 {
			return fmt.Errorf("shellTypes[%d] (%s): command is required", i, st.KeyName)
		}
		if err := validateShellCommand(st.Command[0]); err != nil {
			return fmt.Errorf("shellTypes[%d] (%s): %w", i, st.KeyName, err)
		}
	}

	if c.StateDir != "" {
		if err := ensureDirectoryWritable(c.StateDir, "stateDir"); err != nil {
			return err
		}
	}

	if c.Limits.MaxShells == 0 {
		c.Limits.MaxShells = MaxShells
	} else if c.Limits.MaxShells > MaxShells {
		log.L.WithField("requested", c.Limits.MaxShells).WithField("ceiling", MaxShells).
			Warn("config requested maxShells above the compiled ceiling; clamping")
		c.Limits.MaxShells = MaxShells
	}

	if c.Limits.WriteBufferLimitBytes == 0 {
		c.Limits.WriteBufferLimitBytes = WriteBufferLimit
	} else if c.Limits.WriteBufferLimitBytes > WriteBufferLimit {
		log.L.WithField("requested", c.Limits.WriteBufferLimitBytes).WithField("ceiling", WriteBufferLimit).
			Warn("config requested writeBufferLimitBytes above the compiled ceiling; clamping")
		c.Limits.WriteBufferLimitBytes = WriteBufferLimit
	}

	ceilingSeconds := int(ShellTimeout.Seconds())
	if c.Limits.ShellTimeoutSeconds == 0 {
		c.Limits.ShellTimeoutSeconds = ceilingSeconds
	} else if c.Limits.ShellTimeoutSeconds > ceilingSeconds {
		log.L.WithField("requested", c.Limits.ShellTimeoutSeconds).WithField("ceiling", ceilingSeconds).
			Warn("config requested shellTimeoutSeconds above the compiled ceiling; clamping")
		c.Limits.ShellTimeoutSeconds = ceilingSeconds
	}

	return nil
}

// validateShellCommand resolves cmd (absolute, relative, or bare name
// looked up on PATH) and confirms it names an executable file.
func validateShellCommand(cmd string) error {
	resolved := cmd
	if _, err := os.Stat(cmd); err != nil {
		found, lookErr := exec.LookPath(cmd)
		if lookErr != nil {
			return fmt.Errorf("executable %q not found: %w", cmd, lookErr)
		}
		resolved = found
	}
	return validateExecutable(resolved, "command")
}
