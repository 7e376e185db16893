// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package reorder reassembles byte-offset-tagged payloads into a strictly
// sequential stream. With an ordered, reliable transport it is a fast
// pass-through; it exists as a safety net for multi-substream delivery,
// where order across substreams is not guaranteed.
package reorder

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MaxBufferedBytes is the cap on bytes held in the pending (gap) map before
// new arrivals are dropped.
const MaxBufferedBytes = 64 * 1024 * 1024

// PendingTTL is how long a gap entry may sit unmatched before the sweeper
// discards it.
const PendingTTL = 30 * time.Second

// SweepInterval is how often the sweeper scans for expired entries.
const SweepInterval = 5 * time.Second

// ErrBufferOverflow is raised when a new payload would push bytes_buffered
// past MaxBufferedBytes; the payload is dropped and the transfer should be
// flagged for integrity failure.
var ErrBufferOverflow = errors.New("reorder: buffer overflow")

type pendingEntry struct {
	payload   []byte
	arrivedAt time.Time
}

// Buffer reassembles a byte stream from payloads tagged with an absolute
// offset. It is owned by exactly one Receiver Writer; it is not safe to
// share across writers.
type Buffer struct {
	mu            sync.Mutex
	nextExpected  uint64
	pending       map[uint64]pendingEntry
	bytesBuffered uint64
}

// New creates an empty Buffer expecting its first payload at offset 0.
func New() *Buffer {
	return &Buffer{
		pending: make(map[uint64]pendingEntry),
	}
}

// Push accepts one payload tagged with its absolute offset in the wire
// stream. It returns, in order, every payload now safe to write — which may
// be zero, one (the pushed payload itself), or several (the pushed payload
// plus any pending entries it bridges to).
//
// Duplicate or late payloads (offset < next_expected_offset) are silently
// dropped: Push returns (nil, nil).
func (b *Buffer) Push(offset uint64, payload []byte) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < b.nextExpected {
		return nil, nil
	}

	if offset != b.nextExpected {
		if b.bytesBuffered+uint64(len(payload)) > MaxBufferedBytes {
			return nil, ErrBufferOverflow
		}
		if _, exists := b.pending[offset]; !exists {
			b.pending[offset] = pendingEntry{payload: payload, arrivedAt: time.Now()}
			b.bytesBuffered += uint64(len(payload))
		}
		return nil, nil
	}

	out := [][]byte{payload}
	b.nextExpected += uint64(len(payload))

	for {
		entry, ok := b.pending[b.nextExpected]
		if !ok {
			break
		}
		delete(b.pending, b.nextExpected)
		b.bytesBuffered -= uint64(len(entry.payload))
		out = append(out, entry.payload)
		b.nextExpected += uint64(len(entry.payload))
	}

	return out, nil
}

// Sweep drops any pending entry older than PendingTTL as of now. Callers
// run this on a SweepInterval ticker; it is exposed directly so tests can
// drive it deterministically without real time passing.
func (b *Buffer) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for offset, entry := range b.pending {
		if now.Sub(entry.arrivedAt) > PendingTTL {
			b.bytesBuffered -= uint64(len(entry.payload))
			delete(b.pending, offset)
		}
	}
}

// RunSweeper blocks, sweeping on SweepInterval, until ctx is done.
func (b *Buffer) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}

// ForceFlushAll emits every remaining pending payload sorted by offset,
// regardless of gaps, and clears all state. It is used only at transfer
// finalize, when a gap at end-of-stream would otherwise lose data.
func (b *Buffer) ForceFlushAll() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	offsets := make([]uint64, 0, len(b.pending))
	for offset := range b.pending {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([][]byte, 0, len(offsets))
	for _, offset := range offsets {
		out = append(out, b.pending[offset].payload)
	}

	b.pending = make(map[uint64]pendingEntry)
	b.bytesBuffered = 0

	return out
}

// BytesBuffered reports the current size of the pending (gap) map.
func (b *Buffer) BytesBuffered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesBuffered
}

// NextExpectedOffset reports the next offset the buffer expects as a
// contiguous write.
func (b *Buffer) NextExpectedOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpected
}
