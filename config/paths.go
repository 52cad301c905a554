// ABOUTME: XDG-based resolution of the taskflow home directory.
// ABOUTME: Checks XDG_DATA_HOME, falls back to ~/.local/share/taskflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultHome returns the directory holding the database and pipelines when
// no home is configured.
func DefaultHome() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskflow"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "taskflow"), nil
}

// EnsureDirs creates the home and pipelines directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.PipelinesDir, filepath.Dir(c.Database)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
