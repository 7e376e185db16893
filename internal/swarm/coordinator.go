// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package swarm implements the Swarm Coordinator (C9): peer admission,
// the readiness/countdown/start state machine, the batch relay loop, and
// queue draining. It is the single logical actor that owns peers,
// current_batch, queue, ready_session and completed_session (§5) — every
// mutation happens under one mutex, mirroring the teacher's
// single-goroutine-per-call discipline in internal/server/handler.go's
// Handler, generalized from "accept one parallel-upload session" to
// "admit up to N swarm peers and serialize their batches".
//
// The coordinator is the listening hub one sender dials into (per the
// teacher's agent-dials-server relationship); the sender owns the local
// files and runs its own Sender Pipeline (internal/sender), so the
// coordinator never re-reads or re-chunks source data itself. It relays
// the sender's already-framed wire packets — unchanged, since chunk
// framing carries no receiver-specific state — to every receiving peer in
// current_batch, and applies the readiness/countdown/queue-drain state
// machine to decide which receivers are in that set.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ponswarp/ponswarp/internal/flowctl"
	"github.com/ponswarp/ponswarp/internal/peersession"
	"github.com/ponswarp/ponswarp/internal/ports"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/transferr"
)

// Capacity is the default maximum number of simultaneous receiving peers,
// N in §3.
const Capacity = 3

// Countdown is the partial-readiness wait before starting with whatever
// is ready, per §4.9 case "partial".
const Countdown = 10 * time.Second

// QueueDrainGrace is the pause between a batch completing and the queue
// being promoted into a fresh batch, per §4.9 "Queue draining".
const QueueDrainGrace = 1 * time.Second

// ZombieSweepInterval is the periodic fallback sweep cadence, supplementing
// the event-triggered sweeps §4.9 already mandates (SUPPLEMENTED FEATURES:
// adapted from the teacher's CleanupExpiredSessions ticker).
const ZombieSweepInterval = 30 * time.Second

// unreadyRecheckDelay is how long peer_ready waits for an unknown
// room_members snapshot before re-entering the state machine, per §4.9
// step 3.
const unreadyRecheckDelay = 1 * time.Second

type peerEntry struct {
	session *peersession.Session
	flow    *flowctl.Controller
}

// Coordinator is one swarm room. All mutating methods take coord.mu;
// external callers never see a peer mid-mutation.
type Coordinator struct {
	roomID string
	cap    int

	signaling ports.Signaling
	logger    *slog.Logger

	mu               sync.Mutex
	peerOrder        []string
	peers            map[string]*peerEntry
	roomMembers      map[string]bool
	roomMembersKnown bool
	currentBatch     map[string]bool
	completedSession map[string]bool
	queue            []string
	readySession     map[string]bool
	transferring     bool

	leadPeerID string
	leadSession *peersession.Session
	manifest   *protocol.Manifest

	countdownTimer *time.Timer

	onBatchComplete func(completed, waiting int)
	onRelayPacket   func(packet []byte)

	countdown           time.Duration
	queueDrainGrace      time.Duration
	zombieSweepInterval time.Duration
}

// Config overrides the package-default timings, sourced from
// config.CoordinatorConfig's Room section; a zero field falls back to its
// package constant.
type Config struct {
	Capacity            int
	Countdown           time.Duration
	QueueDrainGrace     time.Duration
	ZombieSweepInterval time.Duration
}

// New builds a Coordinator for roomID, applying cfg's overrides over the
// package defaults.
func New(roomID string, cfg Config, signaling ports.Signaling, logger *slog.Logger) *Coordinator {
	cap := cfg.Capacity
	if cap <= 0 {
		cap = Capacity
	}
	countdown := cfg.Countdown
	if countdown <= 0 {
		countdown = Countdown
	}
	queueDrainGrace := cfg.QueueDrainGrace
	if queueDrainGrace <= 0 {
		queueDrainGrace = QueueDrainGrace
	}
	zombieSweepInterval := cfg.ZombieSweepInterval
	if zombieSweepInterval <= 0 {
		zombieSweepInterval = ZombieSweepInterval
	}

	return &Coordinator{
		roomID:              roomID,
		cap:                 cap,
		signaling:           signaling,
		logger:              logger.With("component", "swarm_coordinator", "room_id", roomID),
		peers:               make(map[string]*peerEntry),
		roomMembers:         make(map[string]bool),
		currentBatch:        make(map[string]bool),
		completedSession:    make(map[string]bool),
		readySession:        make(map[string]bool),
		countdown:           countdown,
		queueDrainGrace:     queueDrainGrace,
		zombieSweepInterval: zombieSweepInterval,
	}
}

// OnBatchComplete registers the callback fired when a batch finishes with
// an empty queue, per §4.9 "Queue draining" else-branch.
func (c *Coordinator) OnBatchComplete(fn func(completed, waiting int)) { c.onBatchComplete = fn }

// OnRelayPacket registers a callback invoked with every packet relayed from
// the sender (including the EOS marker), letting the host process keep its
// own durable copy of the stream without the swarm package depending on
// storage concerns.
func (c *Coordinator) OnRelayPacket(fn func(packet []byte)) { c.onRelayPacket = fn }

// Manifest reports the room's manifest once the sender has announced it,
// or nil before that.
func (c *Coordinator) Manifest() *protocol.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest
}

// RunZombieSweeper blocks, sweeping on ZombieSweepInterval, until stop is
// closed.
func (c *Coordinator) RunZombieSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(c.zombieSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sweepZombies()
		}
	}
}

// JoinSender admits the content-owning peer: the one connection that
// drives this room's transfer. Its first control frame must be a MANIFEST
// message; every subsequent data frame it sends is relayed verbatim to
// current_batch, per the package doc's relay design.
func (c *Coordinator) JoinSender(ctx context.Context, peerID string, channel ports.PeerChannel) (*peersession.Session, error) {
	c.mu.Lock()
	if c.leadPeerID != "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("swarm: room %s already has a sender", c.roomID)
	}
	sess := peersession.New(peerID, peersession.RoleInitiator, channel, c.signaling, c.logger)
	sess.SetControlHandler(func(msgType string, raw []byte) { c.handleSenderControl(peerID, msgType, raw) })
	sess.SetDataHandler(func(raw []byte) { c.relayPacket(ctx, raw) })
	sess.SetClosedHandler(func() { c.handleSenderClosed(peerID) })
	sess.Start(ctx)

	c.leadPeerID = peerID
	c.leadSession = sess
	c.mu.Unlock()

	c.logger.Info("sender joined", "peer_id", peerID)
	return sess, nil
}

func (c *Coordinator) handleSenderControl(peerID string, msgType string, raw []byte) {
	if msgType != protocol.TypeManifest {
		return
	}
	var env protocol.ManifestMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("malformed manifest from sender", "peer_id", peerID, "error", err)
		return
	}

	c.mu.Lock()
	c.manifest = &env.Manifest
	c.mu.Unlock()
	c.logger.Info("manifest received", "transfer_id", env.Manifest.TransferID, "total_size", env.Manifest.TotalSize)
}

func (c *Coordinator) handleSenderClosed(peerID string) {
	c.mu.Lock()
	if c.leadPeerID == peerID {
		c.leadPeerID = ""
		c.leadSession = nil
	}
	c.mu.Unlock()
	c.logger.Warn("sender disconnected", "peer_id", peerID)
}

// relayPacket forwards one already-framed wire packet from the sender to
// every peer in current_batch, paced by each peer's Flow Controller, per
// §4.9's batch relay loop. EOS packets are relayed like any other frame;
// the receiving peer's own receiver.Writer finalizes on it.
func (c *Coordinator) relayPacket(ctx context.Context, packet []byte) {
	if c.onRelayPacket != nil {
		c.onRelayPacket(packet)
	}

	c.mu.Lock()
	order := c.batchOrderLocked()
	c.mu.Unlock()

	for _, id := range order {
		c.mu.Lock()
		entry, ok := c.peers[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		if err := entry.flow.AwaitSendable(ctx, entry.session.BufferedAmount, len(packet)); err != nil {
			continue
		}
		if err := entry.session.SendData(ctx, packet); err != nil {
			c.mu.Lock()
			c.removePeerLocked(id, "send failed")
			c.mu.Unlock()
			continue
		}
		entry.flow.Observe(entry.session.BufferedAmount())
	}

	if protocol.IsEOS(packet) {
		c.mu.Lock()
		batchEmpty := len(c.currentBatch) == 0
		c.mu.Unlock()
		if !batchEmpty {
			// Individual completion is driven by each receiver's own
			// DOWNLOAD_COMPLETE acknowledgment (see DownloadComplete), not
			// by EOS delivery alone — a receiver still has to flush and
			// verify its destination.
			return
		}
	}
}

// Join admits a new receiving peer, per §4.9 "Peer admission".
func (c *Coordinator) Join(ctx context.Context, peerID string, channel ports.PeerChannel) (*peersession.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.peers[peerID]; exists {
		return nil, fmt.Errorf("swarm: peer %s already joined", peerID)
	}

	if len(c.peers) >= c.cap {
		c.sweepZombiesLocked()
		if len(c.peers) >= c.cap {
			return nil, fmt.Errorf("swarm: %w", transferr.ErrRoomFull)
		}
	}

	sess := peersession.New(peerID, peersession.RoleResponder, channel, c.signaling, c.logger)
	sess.SetControlHandler(func(msgType string, raw []byte) { c.handleControl(peerID, msgType, raw) })
	sess.SetClosedHandler(func() { c.handlePeerClosed(peerID) })
	sess.Start(ctx)

	c.peers[peerID] = &peerEntry{session: sess, flow: flowctl.New(0)}
	c.peerOrder = append(c.peerOrder, peerID)

	// Self-derive room membership from admission: in the absence of a
	// richer external Signaling implementation that calls RoomMembers
	// itself, the set of admitted receiving peers is the best available
	// room-member snapshot, and makes pending/ready counts in PeerReady
	// usable immediately rather than stuck on the "room_members unknown"
	// recheck forever. A Signaling port that later calls RoomMembers with
	// its own authoritative list still fully overrides this.
	c.roomMembers[peerID] = true
	c.roomMembersKnown = true

	if c.manifest != nil {
		if err := sess.SendControl(ctx, protocol.NewManifestMessage(*c.manifest)); err != nil {
			c.logger.Warn("sending initial manifest failed", "peer_id", peerID, "error", err)
		}
	}

	c.logger.Info("peer joined", "peer_id", peerID, "peers", len(c.peers))
	return sess, nil
}

// RoomMembers updates the signaling-authoritative member list, per §4.9
// "Also cross-check periodically".
func (c *Coordinator) RoomMembers(members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roomMembers = make(map[string]bool, len(members))
	for _, m := range members {
		c.roomMembers[m] = true
	}
	c.roomMembersKnown = true

	for _, id := range c.peerOrder {
		if !c.roomMembers[id] {
			c.removePeerLocked(id, "not in authoritative room member list")
		}
	}
}

func (c *Coordinator) sweepZombies() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepZombiesLocked()
}

func (c *Coordinator) sweepZombiesLocked() {
	for _, id := range append([]string(nil), c.peerOrder...) {
		entry, ok := c.peers[id]
		if !ok {
			continue
		}
		state := entry.session.State()
		if state == peersession.StateClosed || state == peersession.StateFailed {
			c.removePeerLocked(id, "zombie sweep")
			continue
		}
		if c.roomMembersKnown && !c.roomMembers[id] {
			c.removePeerLocked(id, "zombie sweep: absent from room members")
		}
	}
}

func (c *Coordinator) removePeerLocked(peerID, reason string) {
	entry, ok := c.peers[peerID]
	if !ok {
		return
	}
	delete(c.peers, peerID)
	delete(c.readySession, peerID)
	delete(c.currentBatch, peerID)
	delete(c.completedSession, peerID)
	delete(c.roomMembers, peerID)
	c.queue = removeString(c.queue, peerID)

	newOrder := c.peerOrder[:0:0]
	for _, id := range c.peerOrder {
		if id != peerID {
			newOrder = append(newOrder, id)
		}
	}
	c.peerOrder = newOrder

	c.logger.Info("peer removed", "peer_id", peerID, "reason", reason)
	_ = entry.session.Close()

	if len(c.currentBatch) == 0 && c.transferring {
		c.onBatchCompleteLocked()
	}
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (c *Coordinator) handlePeerClosed(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removePeerLocked(peerID, "channel closed")
}

func (c *Coordinator) handleControl(peerID string, msgType string, raw []byte) {
	ctx := context.Background()
	switch msgType {
	case protocol.TypeTransferReady:
		c.PeerReady(ctx, peerID)
	case protocol.TypeDownloadComplete:
		c.DownloadComplete(ctx, peerID)
	case protocol.TypeKeepAlive:
		// no-op, per §4.9.
	default:
		c.logger.Debug("ignoring control message", "peer_id", peerID, "type", msgType)
	}
}

// roomUserCount implements §4.9's derived count, falling back to |peers|
// when the authoritative room list is not yet known.
func (c *Coordinator) roomUserCount() int {
	if c.roomMembersKnown {
		return len(c.roomMembers)
	}
	return len(c.peers)
}

// PeerReady handles a receiver's TRANSFER_READY control message, per
// §4.9's readiness state machine.
func (c *Coordinator) PeerReady(ctx context.Context, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completedSession[peerID] {
		return
	}
	entry, ok := c.peers[peerID]
	if !ok {
		return
	}
	entry.session.SetReady(true)

	if c.transferring {
		if !containsString(c.queue, peerID) {
			c.queue = append(c.queue, peerID)
			position := len(c.queue)
			_ = entry.session.SendControl(ctx, protocol.QueuedMessage{
				Type:     protocol.TypeQueued,
				Message:  "queued for next batch",
				Position: position,
			})
			c.logger.Info("peer queued", "peer_id", peerID, "position", position)
		}
		return
	}

	c.readySession[peerID] = true

	if !c.roomMembersKnown {
		time.AfterFunc(unreadyRecheckDelay, func() { c.PeerReady(ctx, peerID) })
		return
	}

	pending := c.roomUserCount() - len(c.completedSession)
	ready := len(c.readySession)

	switch {
	case pending == 1 && ready == 1:
		c.startLocked(ctx)
	case pending > 1 && ready == pending:
		c.startLocked(ctx)
	default:
		c.armCountdownLocked(ctx)
	}
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (c *Coordinator) armCountdownLocked(ctx context.Context) {
	if c.countdownTimer != nil {
		return
	}
	c.countdownTimer = time.AfterFunc(c.countdown, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.countdownTimer = nil
		if !c.transferring && len(c.readySession) > 0 {
			c.startLocked(ctx)
		}
	})
}

// startLocked implements §4.9's "Start": move ready_session into
// current_batch and announce, per protocol.TypeTransferStarted. The
// sender learns the batch has begun through this same announcement
// relayed back over its control channel by the caller that owns the
// lead session (see cmd/ponswarp-coordinator), and paces its own sends
// from there — the Coordinator itself never drives data, only relays it
// (see relayPacket).
func (c *Coordinator) startLocked(ctx context.Context) {
	if c.countdownTimer != nil {
		c.countdownTimer.Stop()
		c.countdownTimer = nil
	}

	for id := range c.readySession {
		c.currentBatch[id] = true
		if entry, ok := c.peers[id]; ok {
			entry.session.SetTransferring(true)
		}
	}
	c.readySession = make(map[string]bool)
	c.transferring = true

	manifest := c.manifest
	for _, id := range c.batchOrderLocked() {
		entry := c.peers[id]
		if manifest != nil {
			_ = entry.session.SendControl(ctx, protocol.NewManifestMessage(*manifest))
		}
		_ = entry.session.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeTransferStarted})
	}
	if c.leadSession != nil {
		_ = c.leadSession.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeTransferStarted})
	}

	c.logger.Info("transfer starting", "batch_size", len(c.currentBatch))
}

// batchOrderLocked returns current_batch's members in peer-insertion
// order, per §5 "iterate peers in insertion order when sending each
// packet".
func (c *Coordinator) batchOrderLocked() []string {
	out := make([]string, 0, len(c.currentBatch))
	for _, id := range c.peerOrder {
		if c.currentBatch[id] {
			out = append(out, id)
		}
	}
	return out
}

// DownloadComplete handles a receiver's DOWNLOAD_COMPLETE acknowledgment,
// per §4.9.
func (c *Coordinator) DownloadComplete(ctx context.Context, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentBatch[peerID] {
		return
	}
	delete(c.currentBatch, peerID)
	c.completedSession[peerID] = true
	if entry, ok := c.peers[peerID]; ok {
		entry.session.SetReady(false)
		entry.session.SetTransferring(false)
	}

	if len(c.currentBatch) == 0 {
		c.onBatchCompleteLocked()
	}
}

// onBatchCompleteLocked implements §4.9's "Queue draining".
func (c *Coordinator) onBatchCompleteLocked() {
	c.transferring = false

	if len(c.queue) == 0 {
		completed, waiting := len(c.completedSession), len(c.peers)-len(c.completedSession)
		c.logger.Info("batch complete", "completed", completed, "waiting", waiting)
		if c.onBatchComplete != nil {
			c.onBatchComplete(completed, waiting)
		}
		return
	}

	drained := append([]string(nil), c.queue...)
	c.queue = nil

	time.AfterFunc(c.queueDrainGrace, func() {
		ctx := context.Background()
		c.mu.Lock()
		var promoted []string
		for _, id := range drained {
			entry, ok := c.peers[id]
			if !ok || c.completedSession[id] {
				continue
			}
			c.currentBatch[id] = true
			entry.session.SetReady(true)
			entry.session.SetTransferring(true)
			promoted = append(promoted, id)
		}
		c.transferring = len(promoted) > 0
		manifest := c.manifest
		for _, id := range promoted {
			entry := c.peers[id]
			if manifest != nil {
				_ = entry.session.SendControl(ctx, protocol.NewManifestMessage(*manifest))
			}
			_ = entry.session.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeTransferStarting})
		}
		if len(promoted) > 0 && c.leadSession != nil {
			_ = c.leadSession.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeTransferStarting})
		}
		batchSize := len(promoted)
		c.mu.Unlock()

		if batchSize > 0 {
			c.logger.Info("queue drained into new batch", "batch_size", batchSize)
		}
	})
}

// PeerCount reports the current number of admitted receiving peers.
func (c *Coordinator) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Close tears down every peer session (receiving peers and the sender).
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.countdownTimer != nil {
		c.countdownTimer.Stop()
	}
	for _, entry := range c.peers {
		_ = entry.session.Close()
	}
}
