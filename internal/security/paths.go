package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IsValidPath reports whether path is a non-empty relative path that stays
// below its base once cleaned.
func IsValidPath(path string) bool {
	if path == "" || strings.Contains(path, "\x00") {
		return false
	}

	cleaned := filepath.Clean(path)

	// Drive-letter paths count as absolute on every platform.
	if len(cleaned) >= 2 && cleaned[1] == ':' {
		return false
	}
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, string(filepath.Separator)) {
		return false
	}

	return cleaned != ".." && !strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}

// ValidateFilePath joins requestedPath onto basePath and fails when the result
// would leave basePath.
func ValidateFilePath(basePath, requestedPath string) (string, error) {
	if filepath.IsAbs(requestedPath) {
		return "", fmt.Errorf("absolute paths not allowed")
	}
	if !IsValidPath(requestedPath) {
		return "", fmt.Errorf("path traversal attempt detected: %q", requestedPath)
	}

	cleanBase := filepath.Clean(basePath)
	fullPath := filepath.Join(cleanBase, filepath.Clean(requestedPath))

	relPath, err := filepath.Rel(cleanBase, fullPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected: %q", requestedPath)
	}

	return fullPath, nil
}
