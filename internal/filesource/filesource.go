// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package filesource bridges internal/scan and internal/archive into the
// concrete local-filesystem source that cmd/ponswarp-sender feeds to the
// Sender Pipeline: it scans the configured sources once at construction to
// build a stable Manifest, then re-opens (and, for multi-file/folder
// transfers, re-archives) them from scratch on every call to Open,
// satisfying the Sender Pipeline's need for a fresh byte stream on every
// queue-drain restart (DESIGN.md's "re-read on queue drain" resolution).
package filesource

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"

	"github.com/ponswarp/ponswarp/internal/archive"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/scan"
)

// Source is one local-filesystem transfer source: a stable Manifest built
// once at New, plus a fresh byte stream on every call to Open.
type Source struct {
	manifest protocol.Manifest
	entries  []scan.FileEntry
	archived bool
}

// New scans sources (and any excludes) and builds the Manifest that will
// be advertised to every peer. forceArchive requests archiving even for a
// single plain file; otherwise a single regular file is sent raw and
// anything else (multiple sources, or one directory) is archived, per
// §2's is_folder rule.
func New(ctx context.Context, transferID string, sources, excludes []string, forceArchive bool) (*Source, error) {
	scanner := scan.NewScanner(sources, excludes)
	entries, err := scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("filesource: scanning sources: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("filesource: no files found under the given sources")
	}

	archived := forceArchive || len(entries) > 1
	rootName := rootNameFor(sources, entries, archived)

	files := make([]protocol.FileEntry, len(entries))
	var totalSize uint64
	for i, e := range entries {
		files[i] = protocol.FileEntry{ID: e.ID, Path: e.RelPath, Size: e.Size}
		totalSize += e.Size
	}

	return &Source{
		entries:  entries,
		archived: archived,
		manifest: protocol.Manifest{
			TransferID:      transferID,
			RootName:        rootName,
			IsFolder:        archived,
			TotalFiles:      len(entries),
			TotalSize:       totalSize,
			Files:           files,
			IsSizeEstimated: archived,
		},
	}, nil
}

func rootNameFor(sources []string, entries []scan.FileEntry, archived bool) string {
	if !archived && len(entries) == 1 {
		return filepath.Base(entries[0].Path)
	}
	if len(sources) == 1 {
		return filepath.Base(filepath.Clean(sources[0])) + ".zip"
	}
	return "transfer.zip"
}

// Manifest reports the transfer's manifest, built once at New and sent to
// the coordinator in the MANIFEST control message.
func (s *Source) Manifest() protocol.Manifest {
	return s.manifest
}

// Open returns a fresh reader over the source for one streaming pass. For
// a raw single-file transfer it returns the file's io.Reader directly
// (sourceBytesRead is nil: wire bytes equal plaintext bytes, so the
// Sender Pipeline's own byte counter already tracks progress exactly).
// For an archived transfer it streams a fresh Archiver, counting
// pre-compression bytes read so the pipeline can report progress against
// the manifest's estimated total. Every call starts over from the
// beginning of the source, which is what the sender needs on each
// queue-drain restart.
func (s *Source) Open(ctx context.Context) (io.Reader, func() uint64, error) {
	if !s.archived {
		f, err := newCountingFile(s.entries[0].Path)
		if err != nil {
			return nil, nil, fmt.Errorf("filesource: opening %s: %w", s.entries[0].Path, err)
		}
		return f, nil, nil
	}
	return s.openArchived(ctx)
}

func (s *Source) openArchived(ctx context.Context) (io.Reader, func() uint64, error) {
	archiver := archive.New()
	var sourceBytesRead atomic.Uint64

	go func() {
		for _, e := range s.entries {
			select {
			case <-ctx.Done():
				archiver.Abort(ctx.Err())
				return
			default:
			}

			f, err := newCountingFile(e.Path)
			if err != nil {
				archiver.Abort(fmt.Errorf("filesource: opening %s: %w", e.Path, err))
				return
			}
			cf := f.(*countingFile)
			cf.onRead = func(n int) { sourceBytesRead.Add(uint64(n)) }

			err = archiver.PushFile(e.RelPath, cf)
			cf.Close()
			if err != nil {
				archiver.Abort(fmt.Errorf("filesource: archiving %s: %w", e.RelPath, err))
				return
			}
		}
		if err := archiver.Finalize(); err != nil {
			archiver.Abort(err)
		}
	}()

	return archiver.Output(), sourceBytesRead.Load, nil
}
