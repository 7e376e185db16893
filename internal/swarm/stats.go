// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package swarm

import (
	"context"
	"encoding/json"
	"time"
)

// statsInterval is the reporting cadence, adapted from the teacher's
// daemon-wide StatsReporter (internal/agent/stats_reporter.go), narrowed
// from "all scheduled backup jobs" to "the peers of one swarm room".
const statsInterval = 15 * time.Second

// peerSnapshot is one room member's reporting row, renamed and trimmed
// from the teacher's jobSnapshot for transfer throughput instead of
// scheduled-job status.
type peerSnapshot struct {
	PeerID         string  `json:"peer_id"`
	State          string  `json:"state"`
	Ready          bool    `json:"ready"`
	InCurrentBatch bool    `json:"in_current_batch"`
	BufferedBytes  uint64  `json:"buffered_bytes"`
	BatchSize      int     `json:"batch_size"`
}

// RunStatsReporter blocks, logging a structured per-peer throughput
// snapshot every statsInterval, until ctx is canceled.
func (c *Coordinator) RunStatsReporter(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportStats()
		}
	}
}

func (c *Coordinator) reportStats() {
	c.mu.Lock()
	snapshots := make([]peerSnapshot, 0, len(c.peerOrder))
	for _, id := range c.peerOrder {
		entry, ok := c.peers[id]
		if !ok {
			continue
		}
		snapshots = append(snapshots, peerSnapshot{
			PeerID:         id,
			State:          entry.session.State().String(),
			Ready:          entry.session.Ready(),
			InCurrentBatch: c.currentBatch[id],
			BufferedBytes:  entry.session.BufferedAmount(),
			BatchSize:      entry.flow.BatchSize(),
		})
	}
	transferring := c.transferring
	queued := len(c.queue)
	c.mu.Unlock()

	snapshotsJSON, _ := json.Marshal(snapshots)

	c.logger.Info("swarm stats",
		"peers_total", len(snapshots),
		"transferring", transferring,
		"queued", queued,
		"peers", json.RawMessage(snapshotsJSON),
	)
}
