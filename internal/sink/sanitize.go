// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxNameLength bounds a sanitized path component, adapted from the
// teacher's agent/storage/backup name guard
// (internal/server/sanitize.go's validatePathComponent).
const maxNameLength = 255

// SanitizeDestinationName validates that a manifest's root_name is safe to
// join onto a coordinator's configured destination directory — a
// receiver must never let an untrusted peer dictate a write outside its
// configured root (§4.6 step 1 derives the destination path from
// manifest.root_name).
func SanitizeDestinationName(name string) error {
	if name == "" {
		return fmt.Errorf("sink: destination name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("sink: destination name exceeds max length %d", maxNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("sink: destination name %q contains a path separator", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("sink: destination name %q contains a null byte", name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("sink: destination name %q attempts path traversal", name)
	}
	return nil
}

// ResolveDestinationPath joins name onto baseDir after sanitizing it, and
// confirms the resolved path is still contained within baseDir as
// defense in depth against path traversal, adapted from the teacher's
// validatePathInBaseDir.
func ResolveDestinationPath(baseDir, name string) (string, error) {
	if err := SanitizeDestinationName(name); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("sink: resolving base dir: %w", err)
	}
	resolved := filepath.Join(absBase, name)

	rel, err := filepath.Rel(absBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sink: destination name %q escapes base directory", name)
	}

	return resolved, nil
}
