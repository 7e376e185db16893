// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// LocalSink is a random-access destination backend: writes land in a
// ".part" temp file beside the final path and Close renames it into
// place, mirroring the teacher's AtomicWriter temp-then-rename commit
// discipline (internal/server/storage.go) adapted from a fixed
// agent/backup directory layout to one destination path per transfer.
type LocalSink struct {
	finalPath string
	tmpPath   string
	f         *os.File
}

// NewLocalSink creates (or truncates) the temp file backing finalPath. The
// caller should run DiskFreePreflight first when minFreeBytes matters.
func NewLocalSink(finalPath string) (*LocalSink, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: creating destination directory: %w", err)
	}

	tmpPath := finalPath + ".part"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: opening temp file: %w", err)
	}

	return &LocalSink{finalPath: finalPath, tmpPath: tmpPath, f: f}, nil
}

func (s *LocalSink) WriteAt(_ context.Context, p []byte, off int64) error {
	if _, err := s.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("sink: writing at offset %d: %w", off, err)
	}
	return nil
}

// Truncate cuts the temp file to exactly size bytes, per §4.6 step 7.
func (s *LocalSink) Truncate(_ context.Context, size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("sink: truncating to %d bytes: %w", size, err)
	}
	return nil
}

// Close commits the temp file to its final path.
func (s *LocalSink) Close(_ context.Context) error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sink: syncing destination: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("sink: closing destination: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("sink: committing temp file to %s: %w", s.finalPath, err)
	}
	return nil
}

// Abort discards the temp file without committing it.
func (s *LocalSink) Abort(_ context.Context) error {
	_ = s.f.Close()
	return os.Remove(s.tmpPath)
}

func (s *LocalSink) SupportsRandomAccess() bool { return true }

// DiskFreePreflight checks that dir's filesystem has at least minFreeBytes
// available before a receiver opens its destination file, in the same
// spirit as the teacher's gopsutil-based disk check
// (internal/agent/monitor.go's periodic disk.Usage sample, applied here as
// a one-shot gate instead of a recurring metric).
func DiskFreePreflight(dir string, minFreeBytes uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("sink: checking free disk space on %s: %w", dir, err)
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("sink: insufficient free disk space on %s: have %d bytes, need %d", dir, usage.Free, minFreeBytes)
	}
	return nil
}
