// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implements the Receiver Writer (C6): deframe → decrypt
// → reorder → batched write to the destination sink.
package receiver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ponswarp/ponswarp/internal/cryptutil"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/reorder"
	"github.com/ponswarp/ponswarp/internal/sink"
	"github.com/ponswarp/ponswarp/internal/transferr"
)

// writeBatchThreshold is the accumulated-bytes threshold at which a
// pending write batch is flushed to the sink, per §4.6 step 4.
const writeBatchThreshold = 8 * 1024 * 1024

// progressInterval bounds how often Progress events are emitted, per §4.6
// step 5: "Every 100 ms at most".
const progressInterval = 100 * time.Millisecond

// pauseHighWatermark / pauseLowWatermark bound pending_in_memory
// (bytes held in the reorder buffer plus the write batch), per §4.6's
// optional backpressure output.
const (
	pauseHighWatermark = 32 * 1024 * 1024
	pauseLowWatermark  = 16 * 1024 * 1024
)

// Complete is emitted once, when the EOS packet is processed and the
// destination has been finalized.
type Complete struct {
	BytesWritten uint64
}

// Progress is emitted at most every progressInterval while data is
// flowing.
type Progress struct {
	ProgressPercent float64
	ThroughputBps   float64
	BytesWritten    uint64
	TotalBytes      uint64
}

// BackpressureHint is PAUSE or RESUME, forwarded by the owning Peer
// Session to the sender as a control message.
type BackpressureHint int

const (
	HintNone BackpressureHint = iota
	HintPause
	HintResume
)

// Writer is owned by exactly one Peer Session on the receiving side. It is
// safe for concurrent WritePacket calls: an internal mutex serializes them
// in arrival order, playing the role of the teacher's promise-chain write
// queue (§4.6: "Writes are serialized through a promise-chain queue").
type Writer struct {
	dest            sink.Sink
	cipher          *cryptutil.ChunkCipher
	totalSize       uint64
	isSizeEstimated bool

	onProgress func(Progress)
	onHint     func(BackpressureHint)

	mu sync.Mutex

	reorderBuf    *reorder.Buffer
	chunkByOffset map[uint64]uint32 // in-flight wire offset -> chunk_index, for post-reorder decrypt

	writeBatch   bytes.Buffer
	bytesWritten uint64
	startedAt    time.Time
	lastProgress time.Time
	paused       bool

	done chan struct{}
}

// New builds a Writer. cipher is nil when the transfer is unencrypted.
func New(dest sink.Sink, totalSize uint64, isSizeEstimated bool, cipher *cryptutil.ChunkCipher) *Writer {
	return &Writer{
		dest:            dest,
		cipher:          cipher,
		totalSize:       totalSize,
		isSizeEstimated: isSizeEstimated,
		reorderBuf:      reorder.New(),
		chunkByOffset:   make(map[uint64]uint32),
		startedAt:       time.Now(),
		done:            make(chan struct{}),
	}
}

// OnProgress registers a callback invoked at most every progressInterval.
func (w *Writer) OnProgress(fn func(Progress)) { w.onProgress = fn }

// OnBackpressureHint registers a callback invoked whenever pending_in_memory
// crosses a pause/resume watermark.
func (w *Writer) OnBackpressureHint(fn func(BackpressureHint)) { w.onHint = fn }

// RunSweeper blocks sweeping stale reorder entries until stop is closed; run
// it in its own goroutine alongside the Writer's lifetime.
func (w *Writer) RunSweeper(stop <-chan struct{}) {
	w.reorderBuf.RunSweeper(stop)
}

// WritePacket processes one raw wire frame. It decodes the header,
// reorders it into the wire-byte-offset stream, decrypts each
// newly-in-order chunk (using the chunk_index recovered for that offset),
// and appends the result to the pending write batch, flushing to the
// destination sink once the batch threshold is crossed. It returns a
// non-nil *Complete only once, when raw is the EOS packet and
// finalization succeeded.
func (w *Writer) WritePacket(ctx context.Context, raw []byte) (*Complete, error) {
	header, err := protocol.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", transferr.ErrCorruptPacket)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if header.IsEOS() {
		return w.finalizeLocked(ctx)
	}

	beforeOffset := w.reorderBuf.NextExpectedOffset()
	if header.ByteOffset >= beforeOffset {
		// Duplicate/late packets (offset < beforeOffset) are silently
		// dropped by Push without buffering; recording their chunk_index
		// here would leak entries that finalizeLocked's offset/remaining
		// index pairing never consumes.
		w.chunkByOffset[header.ByteOffset] = header.ChunkIndex
	}

	emitted, err := w.reorderBuf.Push(header.ByteOffset, header.Payload)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", transferr.ErrBufferOverflow)
	}

	if err := w.consumeLocked(ctx, beforeOffset, emitted); err != nil {
		return nil, err
	}

	w.maybeEmitProgressLocked()
	w.maybeEmitHintLocked()
	return nil, nil
}

// consumeLocked decrypts (if configured) and appends a run of
// already-offset-ordered wire payloads, starting at offset, to the
// pending write batch, flushing whenever the batch crosses
// writeBatchThreshold.
func (w *Writer) consumeLocked(ctx context.Context, offset uint64, payloads [][]byte) error {
	for _, wirePayload := range payloads {
		chunkIndex, known := w.chunkByOffset[offset]
		delete(w.chunkByOffset, offset)
		offset += uint64(len(wirePayload))

		plaintext := wirePayload
		if w.cipher != nil {
			if !known {
				// A force-flushed gap-fill entry whose chunk_index we never
				// recorded (should not happen given invariants, but fail
				// safe rather than decrypt with a wrong IV).
				return fmt.Errorf("receiver: %w: missing chunk index for offset", transferr.ErrDecryptFailure)
			}
			pt, err := w.cipher.Open(chunkIndex, wirePayload)
			if err != nil {
				return fmt.Errorf("receiver: %w", transferr.ErrDecryptFailure)
			}
			plaintext = pt
		}

		if !w.isSizeEstimated && w.totalSize > 0 {
			remaining := int64(w.totalSize) - int64(w.bytesWritten) - int64(w.writeBatch.Len())
			if remaining <= 0 {
				continue // already have everything; drop excess (logged by caller)
			}
			if int64(len(plaintext)) > remaining {
				plaintext = plaintext[:remaining]
			}
		}

		w.writeBatch.Write(plaintext)
		if w.writeBatch.Len() >= writeBatchThreshold {
			if err := w.flushBatchLocked(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushBatchLocked(ctx context.Context) error {
	if w.writeBatch.Len() == 0 {
		return nil
	}
	data := append([]byte(nil), w.writeBatch.Bytes()...)
	w.writeBatch.Reset()

	if err := w.dest.WriteAt(ctx, data, int64(w.bytesWritten)); err != nil {
		return fmt.Errorf("receiver: %w: %v", transferr.ErrSinkWriteFailure, err)
	}
	w.bytesWritten += uint64(len(data))
	return nil
}

// finalizeLocked implements §4.6 step 7: flush the batch, force-flush any
// remaining reorder gaps in offset order, truncate to the final byte
// count, and close.
func (w *Writer) finalizeLocked(ctx context.Context) (*Complete, error) {
	if err := w.flushBatchLocked(ctx); err != nil {
		return nil, err
	}

	if remaining := w.reorderBuf.ForceFlushAll(); len(remaining) > 0 {
		offsets := make([]uint64, 0, len(w.chunkByOffset))
		for off := range w.chunkByOffset {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

		for i, wirePayload := range remaining {
			chunkIndex := uint32(0)
			if i < len(offsets) {
				chunkIndex = w.chunkByOffset[offsets[i]]
			}
			plaintext := wirePayload
			if w.cipher != nil {
				pt, err := w.cipher.Open(chunkIndex, wirePayload)
				if err != nil {
					return nil, fmt.Errorf("receiver: %w", transferr.ErrDecryptFailure)
				}
				plaintext = pt
			}
			w.writeBatch.Write(plaintext)
		}
		w.chunkByOffset = make(map[uint64]uint32)
		if err := w.flushBatchLocked(ctx); err != nil {
			return nil, err
		}
	}

	if err := w.dest.Truncate(ctx, int64(w.bytesWritten)); err != nil {
		return nil, fmt.Errorf("receiver: %w", transferr.ErrSinkWriteFailure)
	}
	if err := w.dest.Close(ctx); err != nil {
		return nil, fmt.Errorf("receiver: %w", transferr.ErrSinkWriteFailure)
	}

	close(w.done)
	return &Complete{BytesWritten: w.bytesWritten}, nil
}

// Abort tears down the destination without committing it, for use when a
// fatal error (decrypt failure, sink write failure) ends the transfer
// early.
func (w *Writer) Abort(ctx context.Context) error {
	return w.dest.Abort(ctx)
}

func (w *Writer) maybeEmitProgressLocked() {
	if w.onProgress == nil {
		return
	}
	now := time.Now()
	if now.Sub(w.lastProgress) < progressInterval {
		return
	}
	w.lastProgress = now

	elapsed := now.Sub(w.startedAt).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(w.bytesWritten) / elapsed
	}
	var percent float64
	if w.totalSize > 0 {
		percent = float64(w.bytesWritten) / float64(w.totalSize) * 100
	}

	w.onProgress(Progress{
		ProgressPercent: percent,
		ThroughputBps:   throughput,
		BytesWritten:    w.bytesWritten,
		TotalBytes:      w.totalSize,
	})
}

func (w *Writer) maybeEmitHintLocked() {
	if w.onHint == nil {
		return
	}
	pending := w.reorderBuf.BytesBuffered() + uint64(w.writeBatch.Len())

	if !w.paused && pending > pauseHighWatermark {
		w.paused = true
		w.onHint(HintPause)
	} else if w.paused && pending < pauseLowWatermark {
		w.paused = false
		w.onHint(HintResume)
	}
}

// BytesWritten reports the current committed byte count.
func (w *Writer) BytesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Done returns a channel closed once the transfer has been finalized.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}
