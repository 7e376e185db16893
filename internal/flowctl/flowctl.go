// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package flowctl implements the per-peer Flow Controller (§4.7): it
// watches a PeerChannel's outbound buffer depth, paces when the Swarm
// Coordinator may ask the Sender Pipeline for another batch, and adapts
// the target batch size with a simple AIMD estimator. An optional
// bandwidth cap, layered on top of the watermark logic, reuses the
// teacher's token-bucket throttle idiom so a sender can be capped to a
// configured bytes/sec ceiling independent of buffer pressure.
package flowctl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Watermarks on a PeerChannel's outbound buffer depth, per §4.7/GLOSSARY.
const (
	MaxBuffer = 32 * 1024 * 1024
	High      = 24 * 1024 * 1024
	Low       = 8 * 1024 * 1024
)

// awaitDrainPoll is the polling interval used while waiting for a
// channel's buffered amount to fall back to half of MaxBuffer, per §4.7:
// "the sender awaits buffered_amount ≤ 0.5 × MAX_BUFFER (poll at 5 ms)".
const awaitDrainPoll = 5 * time.Millisecond

// Batch size bounds mirrored from internal/sender for the AIMD estimator.
const (
	minBatchSize     = 64
	maxBatchSize     = 256
	scaleDownFloor   = 64
	highUtilWindows  = 1 // evaluate every sample; no extra hysteresis specified by §4.7
)

// Controller decides when a batch may be requested from the Sender
// Pipeline and how large it should be. One Controller is owned per current
// current-batch peer set member; the Swarm Coordinator consults
// Controller.ShouldRequest before pulling the next batch and feeds back
// observed buffer levels via Observe.
type Controller struct {
	mu        sync.Mutex
	batchSize int

	limiter *rate.Limiter // nil when no bandwidth cap is configured
}

// New builds a Controller with the default batch size (§4.5
// DefaultBatchSize) and an optional bandwidth cap in bytes/sec; a
// non-positive cap disables throttling entirely.
func New(bandwidthCapBps int64) *Controller {
	c := &Controller{batchSize: 128}
	if bandwidthCapBps > 0 {
		burst := bandwidthCapBps
		if burst > MaxBuffer {
			burst = MaxBuffer
		}
		c.limiter = rate.NewLimiter(rate.Limit(bandwidthCapBps), int(burst))
	}
	return c
}

// BatchSize reports the currently estimated batch size.
func (c *Controller) BatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchSize
}

// ShouldRequest reports whether the Coordinator may ask the Sender
// Pipeline for another batch right now, per §4.9 batch-send-loop:
// "Request the next batch ... whenever buffered_amount < HIGH".
func ShouldRequest(bufferedAmount uint64) bool {
	return bufferedAmount < High
}

// AwaitSendable blocks until sending batchBytes more would not push
// bufferedAmount() past MaxBuffer, polling at awaitDrainPoll, then (if a
// bandwidth cap is configured) waits for enough tokens to cover
// batchBytes. Returns early if ctx is canceled.
func (c *Controller) AwaitSendable(ctx context.Context, bufferedAmount func() uint64, batchBytes int) error {
	for {
		if bufferedAmount()+uint64(batchBytes) <= MaxBuffer {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(awaitDrainPoll):
		}
		for bufferedAmount() > MaxBuffer/2 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(awaitDrainPoll):
			}
		}
	}

	if c.limiter == nil {
		return nil
	}
	return c.limiter.WaitN(ctx, clampBurst(batchBytes, c.limiter.Burst()))
}

func clampBurst(n, burst int) int {
	if n > burst {
		return burst
	}
	if n <= 0 {
		return 1
	}
	return n
}

// Observe updates the AIMD batch-size estimate from one round-trip's
// buffer utilization sample, per §4.7: "on sustained high buffer
// utilization decrease by a multiplicative factor (halve, floored at 64);
// on sustained low utilization increase by one, capped at 256".
func (c *Controller) Observe(bufferedAmount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case bufferedAmount >= High:
		c.batchSize /= 2
		if c.batchSize < scaleDownFloor {
			c.batchSize = scaleDownFloor
		}
	case bufferedAmount <= Low:
		c.batchSize++
		if c.batchSize > maxBatchSize {
			c.batchSize = maxBatchSize
		}
	}

	if c.batchSize < minBatchSize {
		c.batchSize = minBatchSize
	}
}
