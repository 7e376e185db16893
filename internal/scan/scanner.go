// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scan walks a sender's source paths and produces the ordered file
// list a Manifest is built from.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Scanner walks one or more source roots and filters out paths matching
// exclude glob patterns.
type Scanner struct {
	sources  []string
	excludes []string
}

// NewScanner builds a Scanner over the given source roots, skipping any
// path matched by excludes.
func NewScanner(sources []string, excludes []string) *Scanner {
	return &Scanner{sources: sources, excludes: excludes}
}

// FileEntry is one discovered input: its absolute filesystem path, its
// manifest-relative path, and its 0-based manifest file id.
type FileEntry struct {
	ID      uint16
	Path    string
	RelPath string
	Size    uint64
}

// Scan walks every source root in order and assigns each regular file the
// next sequential manifest id, starting at 0. It fails only on context
// cancellation; individual unreadable entries are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]FileEntry, error) {
	var entries []FileEntry
	var nextID uint16

	for _, src := range s.sources {
		root := filepath.Clean(src)
		rootParent := filepath.Dir(root)
		rootLabel := filepath.Base(root)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if d.IsDir() {
				if s.isExcluded(path, rootParent, true) {
					return filepath.SkipDir
				}
				return nil
			}

			if s.isExcluded(path, rootParent, false) {
				return nil
			}

			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(rootParent, path)
			if err != nil {
				return nil
			}

			entries = append(entries, FileEntry{
				ID:      nextID,
				Path:    path,
				RelPath: filepath.ToSlash(rel),
				Size:    uint64(info.Size()),
			})
			nextID++

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan: walking %s: %w", rootLabel, err)
		}
	}

	return entries, nil
}

// isExcluded mirrors the glob matching rules: basename matches ("*.log"),
// directory matches with a trailing slash ("*/access-logs/"), and
// recursive directory matches ("node_modules/**").
func (s *Scanner) isExcluded(path, rootParent string, isDir bool) bool {
	rel, err := filepath.Rel(rootParent, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	parts := strings.Split(rel, "/")

	for _, pattern := range s.excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimSuffix(pattern, "/")
				dirPattern = strings.TrimPrefix(dirPattern, "*/")
				for _, part := range parts {
					if matched, _ := filepath.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}

		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := filepath.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}

		if matched, _ := filepath.Match(pattern, rel); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// ReopenableSource describes one manifest input that the Sender Pipeline
// can open fresh on every queue-drain restart (see DESIGN.md's Open
// Question resolution: sources are re-read, never cached).
type ReopenableSource struct {
	RelPath string
	Size    uint64
	Open    func() (*os.File, error)
}

// Sources converts scanned entries into ReopenableSources bound to their
// absolute filesystem path.
func Sources(entries []FileEntry) []ReopenableSource {
	out := make([]ReopenableSource, len(entries))
	for i, e := range entries {
		path := e.Path
		out[i] = ReopenableSource{
			RelPath: e.RelPath,
			Size:    e.Size,
			Open: func() (*os.File, error) {
				return os.Open(path)
			},
		}
	}
	return out
}
