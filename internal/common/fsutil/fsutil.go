package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
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

// ResolveUnder returns path made absolute: '~' is expanded, absolute paths are
// kept, and relative paths are joined onto root.
func ResolveUnder(root, path string) (string, error) {
	p, err := ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", nil
	}
	if !filepath.IsAbs(p) {
		r, err := ExpandHome(root)
		if err != nil {
			return "", err
		}
		p = filepath.Join(r, p)
	}
	return filepath.Abs(p)
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
