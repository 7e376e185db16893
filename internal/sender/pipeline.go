// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implements the Sender Pipeline: read (raw file or
// archiver output) → chunk → optional encrypt → frame, producing ordered
// packet batches on demand through a prefetching double-buffer.
package sender

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ponswarp/ponswarp/internal/cryptutil"
	"github.com/ponswarp/ponswarp/internal/protocol"
)

// Chunk size bounds, per §4.5.
const (
	MinChunkSize     = 16 * 1024
	MaxChunkSize     = 64 * 1024
	DefaultChunkSize = MaxChunkSize
)

// Batch size bounds, per §4.7.
const (
	MinBatchSize     = 64
	MaxBatchSize     = 256
	DefaultBatchSize = 128
)

// prefetchCapBytes bounds the inactive half of the double-buffer, per §4.5
// step 4: "A prefetch task fills the inactive half up to 8 MiB of packets".
const prefetchCapBytes = 8 * 1024 * 1024

// Progress reports the Sender Pipeline's state after a processed batch.
type Progress struct {
	BytesSent       uint64
	TotalBytes      uint64
	ThroughputBps   float64
	ProgressPercent float64
}

// Pipeline produces ordered, framed packets for one transfer run. A new
// Pipeline is constructed for every queue-drain restart — chunk_index and
// byte_offset always start at 0 (see DESIGN.md Open Question resolutions).
type Pipeline struct {
	source          io.Reader
	cipher          *cryptutil.ChunkCipher
	totalBytes      uint64
	isSizeEstimated bool
	sourceBytesRead func() uint64 // nil for raw (non-archived) transfers

	chunkSize int
	batchSize int
	paramsMu  sync.Mutex

	staging bytes.Buffer

	active   *packetQueue
	inactive *packetQueue
	swapMu   sync.Mutex
	notEmpty sync.Cond

	chunkIndex uint32
	byteOffset uint64
	bytesSent  uint64
	countersMu sync.Mutex

	startedAt time.Time

	producerErr  error
	producerDone bool
	doneCh       chan struct{}
	stopCh       chan struct{}
	once         sync.Once
}

// NewRawPipeline builds a Pipeline over a single raw file's bytes — no
// archiver involved; wire stream bytes equal source bytes.
func NewRawPipeline(source io.Reader, totalBytes uint64, cipher *cryptutil.ChunkCipher) *Pipeline {
	return newPipeline(source, totalBytes, false, nil, cipher)
}

// NewArchivedPipeline builds a Pipeline over an Archiver's output stream.
// sourceBytesRead reports cumulative bytes read from the original
// (pre-archive) inputs, used for progress reporting since compressed size
// is unknown ahead of time (§4.5).
func NewArchivedPipeline(archiveOutput io.Reader, totalBytes uint64, sourceBytesRead func() uint64, cipher *cryptutil.ChunkCipher) *Pipeline {
	return newPipeline(archiveOutput, totalBytes, true, sourceBytesRead, cipher)
}

func newPipeline(source io.Reader, totalBytes uint64, isSizeEstimated bool, sourceBytesRead func() uint64, cipher *cryptutil.ChunkCipher) *Pipeline {
	p := &Pipeline{
		source:          source,
		cipher:          cipher,
		totalBytes:      totalBytes,
		isSizeEstimated: isSizeEstimated,
		sourceBytesRead: sourceBytesRead,
		chunkSize:       DefaultChunkSize,
		batchSize:       DefaultBatchSize,
		active:          newPacketQueue(),
		inactive:        newPacketQueue(),
		startedAt:       time.Now(),
		doneCh:          make(chan struct{}),
		stopCh:          make(chan struct{}),
	}
	p.notEmpty.L = &p.swapMu
	go p.produce()
	return p
}

// SetChunkSize adjusts the target chunk size within [MinChunkSize,
// MaxChunkSize]; out-of-range values are clamped.
func (p *Pipeline) SetChunkSize(n int) {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()
	p.chunkSize = clamp(n, MinChunkSize, MaxChunkSize)
}

// SetBatchSize adjusts the default batch count within [MinBatchSize,
// MaxBatchSize] used when a caller asks ProcessBatch for its preferred
// count via 0.
func (p *Pipeline) SetBatchSize(n int) {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()
	p.batchSize = clamp(n, MinBatchSize, MaxBatchSize)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func (p *Pipeline) targetChunkSize() int {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()
	return p.chunkSize
}

// defaultBatchSize is used by callers that pass count<=0 to ProcessBatch.
func (p *Pipeline) defaultBatchSize() int {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()
	return p.batchSize
}

// produce is the prefetch task: it fills the inactive half with up to
// prefetchCapBytes of encoded packets, chunk by chunk, until the source is
// exhausted.
func (p *Pipeline) produce() {
	defer close(p.doneCh)

	buf := make([]byte, MaxChunkSize)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.swapMu.Lock()
		for p.inactive.size() >= prefetchCapBytes {
			p.notEmpty.Wait()
			select {
			case <-p.stopCh:
				p.swapMu.Unlock()
				return
			default:
			}
		}
		p.swapMu.Unlock()

		chunkSize := p.targetChunkSize()
		if chunkSize > len(buf) {
			buf = make([]byte, chunkSize)
		}

		if err := p.fillStaging(chunkSize); err != nil && err != io.EOF {
			p.finishWithError(fmt.Errorf("sender: reading source: %w", err))
			return
		}

		if p.staging.Len() == 0 {
			p.finish()
			return
		}

		n := chunkSize
		if p.staging.Len() < n {
			n = p.staging.Len()
		}
		// On EOF with a remainder smaller than chunkSize, still flush it
		// as the final chunk rather than waiting for more input.
		chunk := make([]byte, n)
		if _, err := io.ReadFull(&p.staging, chunk); err != nil {
			p.finishWithError(fmt.Errorf("sender: draining staging buffer: %w", err))
			return
		}

		packet, err := p.encodeChunk(chunk)
		if err != nil {
			p.finishWithError(err)
			return
		}

		p.swapMu.Lock()
		p.inactive.push(packet)
		p.swapMu.Unlock()
	}
}

// fillStaging reads from the source until the staging buffer holds at
// least want bytes, or the source is exhausted.
func (p *Pipeline) fillStaging(want int) error {
	chunk := make([]byte, 32*1024)
	for p.staging.Len() < want {
		n, err := p.source.Read(chunk)
		if n > 0 {
			p.staging.Write(chunk[:n])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) encodeChunk(plaintext []byte) ([]byte, error) {
	p.countersMu.Lock()
	chunkIndex := p.chunkIndex
	byteOffset := p.byteOffset
	p.chunkIndex++
	p.countersMu.Unlock()

	payload := plaintext
	if p.cipher != nil {
		payload = p.cipher.Seal(chunkIndex, plaintext)
	}

	p.countersMu.Lock()
	p.byteOffset += uint64(len(payload))
	p.bytesSent += uint64(len(payload))
	p.countersMu.Unlock()

	return protocol.Encode(0, chunkIndex, byteOffset, payload), nil
}

func (p *Pipeline) finish() {
	p.swapMu.Lock()
	p.producerDone = true
	p.notEmpty.Broadcast()
	p.swapMu.Unlock()
}

func (p *Pipeline) finishWithError(err error) {
	p.swapMu.Lock()
	p.producerDone = true
	p.producerErr = err
	p.notEmpty.Broadcast()
	p.swapMu.Unlock()
}

// ProcessBatch returns up to count packets (already wire-encoded). If
// count <= 0, the Pipeline's configured default batch size is used. The
// second return value reports whether the source is exhausted and no more
// packets remain in either half of the double-buffer — the caller should
// send the EOS packet once this is true and the returned batch has been
// fully drained.
func (p *Pipeline) ProcessBatch(count int) ([][]byte, bool, error) {
	if count <= 0 {
		count = p.defaultBatchSize()
	}

	p.swapMu.Lock()
	if p.active.empty() {
		p.active, p.inactive = p.inactive, p.active
		p.notEmpty.Broadcast()
	}
	batch := p.active.drain(count)
	done := p.producerDone && p.active.empty() && p.inactive.empty()
	err := p.producerErr
	p.swapMu.Unlock()

	if err != nil {
		return nil, false, err
	}
	return batch, done, nil
}

// Stop tears down the prefetch goroutine, closing the underlying file
// sources it was reading from (the caller is responsible for closing the
// source io.Reader/io.Closer itself; Stop only halts the producer loop).
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		p.swapMu.Lock()
		p.notEmpty.Broadcast()
		p.swapMu.Unlock()
	})
}

// Progress reports the pipeline's current progress snapshot.
func (p *Pipeline) Progress() Progress {
	p.countersMu.Lock()
	bytesSent := p.bytesSent
	p.countersMu.Unlock()

	elapsed := time.Since(p.startedAt).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(bytesSent) / elapsed
	}

	var percentNumerator uint64
	if p.isSizeEstimated && p.sourceBytesRead != nil {
		percentNumerator = p.sourceBytesRead()
	} else {
		percentNumerator = bytesSent
	}

	var percent float64
	if p.totalBytes > 0 {
		percent = float64(percentNumerator) / float64(p.totalBytes) * 100
	}

	return Progress{
		BytesSent:       bytesSent,
		TotalBytes:      p.totalBytes,
		ThroughputBps:   throughput,
		ProgressPercent: percent,
	}
}
