package utils

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func IsValidName(name string) bool {
	if len(name) == 0 {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return true
}

// checks if path is safe and resolves to an existing directory
func ValidateSubvolumePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)

	if strings.Contains(p, "..") {
		evalPath, err := filepath.EvalSymlinks(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate path: %w", err)
		}
		cleanPath = evalPath
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("path does not exist: %s", cleanPath)
		}
		return "", fmt.Errorf("failed to access path: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", cleanPath)
	}

	return cleanPath, nil
}

// CleanRelative drops empty, "." and ".." segments from a slash separated
// logical path so the result can never climb above whatever it is joined to.
func CleanRelative(logical string) string {
	logical = strings.ReplaceAll(logical, "\\", "/")
	parts := strings.Split(logical, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	return path.Join(kept...)
}
