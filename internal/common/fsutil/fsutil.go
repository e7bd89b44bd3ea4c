// Package fsutil holds the small path helpers shared by the daemon, the
// registry, and the tests.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading "~" with the user's home directory, so
// config values like "~/models/mlx" work the way a shell suggests they do.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// ResolveDir expands a leading "~" and makes the path absolute. Model
// directories go through here so the registry, the hub destination, and the
// logs all name the same form. An empty path stays empty.
func ResolveDir(path string) (string, error) {
	p, err := ExpandHome(path)
	if err != nil || p == "" {
		return p, err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}
