// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive implements the streaming ZIP/Deflate Archiver: a
// push-style producer that accepts a sequence of named byte sources and
// emits an ordered, backpressured byte stream that is a valid ZIP archive.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	kflate "github.com/klauspost/compress/flate"
)

// HighWatermark is the output-queue size above which PushFile blocks.
const HighWatermark = 32 * 1024 * 1024

// LowWatermark is the output-queue size PushFile waits to drain below
// before resuming, once HighWatermark has been crossed.
const LowWatermark = 8 * 1024 * 1024

// storeExtensions lists file extensions that are already compressed, for
// which the archiver selects the Store method (no further compression).
// Anything else uses Deflate.
var storeExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".gz": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".webm": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true,
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
}

func methodFor(relPath string) uint16 {
	ext := strings.ToLower(filepath.Ext(relPath))
	if storeExtensions[ext] {
		return zip.Store
	}
	return zip.Deflate
}

func init() {
	// Registers klauspost/compress's flate implementation as the zip
	// package's Deflate compressor — a drop-in replacement for
	// compress/flate with lower allocation overhead under sustained
	// streaming writes.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(w, kflate.DefaultCompression)
	})
}

// Archiver is a streaming ZIP producer. Callers push files one at a time,
// in order, via PushFile, and read the resulting archive bytes from
// Output() concurrently (the archiver blocks PushFile when the reader
// falls behind).
type Archiver struct {
	zw    *zip.Writer
	queue *boundedQueue
}

// New creates an Archiver ready to accept files.
func New() *Archiver {
	q := newBoundedQueue()
	return &Archiver{
		zw:    zip.NewWriter(q),
		queue: q,
	}
}

// Output returns the archive's byte stream. It is valid to read
// concurrently with calls to PushFile/Finalize.
func (a *Archiver) Output() io.Reader {
	return a.queue
}

// PushFile streams one input's bytes into the archive as a new ZIP entry
// named relPath. It blocks while the output queue is backpressured (see
// HighWatermark/LowWatermark).
func (a *Archiver) PushFile(relPath string, src io.Reader) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:   relPath,
		Method: methodFor(relPath),
	})
	if err != nil {
		return fmt.Errorf("archive: creating entry %s: %w", relPath, err)
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("archive: writing entry %s: %w", relPath, err)
	}

	return nil
}

// Finalize writes the ZIP central directory and signals end-of-stream to
// Output()'s reader.
func (a *Archiver) Finalize() error {
	err := a.zw.Close()
	a.queue.close(err)
	if err != nil {
		return fmt.Errorf("archive: closing archive: %w", err)
	}
	return nil
}

// Abort tears down the archiver after an unrecoverable error from the
// input side, unblocking any reader with that error instead of success.
func (a *Archiver) Abort(cause error) {
	a.queue.close(cause)
}
