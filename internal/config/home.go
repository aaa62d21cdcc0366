package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConductorHome returns the conductor home directory.
// Priority order:
//  1. CONDUCTOR_HOME environment variable, if set
//  2. <repo root>/.conductor, where repo root is found by walking up for
//     a go.mod belonging to this module or a .conductor-root marker
//  3. <cwd>/.conductor as a fallback
//
// In cases 2 and 3 the directory is created if it doesn't already exist;
// a CONDUCTOR_HOME value is returned as is, without creating it.
func ConductorHome() (string, error) {
	if home := os.Getenv("CONDUCTOR_HOME"); home != "" {
		return home, nil
	}

	root, err := findRepoRoot()
	if err != nil || root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		root = cwd
	}

	home := filepath.Join(root, ".conductor")
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("create conductor home directory: %w", err)
	}
	return home, nil
}

func findRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".conductor-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/harrison/conductor") {
				return current, nil
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("conductor repository root not found")
}
