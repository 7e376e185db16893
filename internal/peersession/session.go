// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package peersession implements the Peer Session (C8): the per-remote-peer
// connection lifecycle, control-message router, and keep-alive heartbeat
// wrapping one ports.PeerChannel. State transitions and the reconnect
// policy mirror the teacher's ControlChannel (internal/agent/control_channel.go)
// — an atomic state machine driven by a background goroutine — generalized
// from a single agent-to-server control link into one session per swarm
// member, any of which may be initiator or responder.
package peersession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ponswarp/ponswarp/internal/ports"
	"github.com/ponswarp/ponswarp/internal/protocol"
)

// Role distinguishes which side issues the signaling offer, per §4.8.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// ConnectionState is the Peer Session's lifecycle state, per §3.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// keepAliveInterval is how often a connected, non-transferring session
// emits KEEP_ALIVE control messages, per §4.9.
const keepAliveInterval = 5 * time.Second

// reconnectGrace is how long a disconnected channel is given to
// auto-recover before the initiator issues a restart offer, per §4.8.
const reconnectGrace = 2 * time.Second

// ControlHandler receives a decoded control message type and its raw JSON,
// dispatched by the Coordinator per peer.
type ControlHandler func(msgType string, raw []byte)

// DataHandler receives one inbound data packet (post-deframe heuristic).
type DataHandler func(raw []byte)

// Session wraps one ports.PeerChannel for one remote peer. It is owned
// exclusively by the Swarm Coordinator; event callbacks post into the
// Coordinator's single logical actor rather than mutating shared state
// directly (§5).
type Session struct {
	PeerID string
	Role   Role

	channel   ports.PeerChannel
	signaling ports.Signaling
	logger    *slog.Logger

	state atomic.Value // ConnectionState

	readyMu sync.Mutex
	ready   bool

	onControl ControlHandler
	onData    DataHandler
	onClosed  func()

	transferringMu sync.Mutex
	transferring   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Session around an already-constructed PeerChannel (the
// signaling offer/answer/candidate exchange that produced it is the
// transport adapter's concern, per §1's "Peer transport" out-of-scope
// boundary). signaling is retained only so a responder-side reconnect can
// re-negotiate.
func New(peerID string, role Role, channel ports.PeerChannel, signaling ports.Signaling, logger *slog.Logger) *Session {
	s := &Session{
		PeerID:    peerID,
		Role:      role,
		channel:   channel,
		signaling: signaling,
		logger:    logger.With("component", "peer_session", "peer_id", peerID),
		stopCh:    make(chan struct{}),
	}
	s.state.Store(StateConnecting)
	return s
}

// SetControlHandler registers the callback for decoded control messages.
func (s *Session) SetControlHandler(fn ControlHandler) { s.onControl = fn }

// SetDataHandler registers the callback for inbound data packets.
func (s *Session) SetDataHandler(fn DataHandler) { s.onData = fn }

// SetClosedHandler registers the callback invoked once when the channel is
// gone for good (failed, closed, or reconnect exhausted).
func (s *Session) SetClosedHandler(fn func()) { s.onClosed = fn }

// Start begins routing inbound frames and running the keep-alive loop.
// Start returns immediately; routing happens on background goroutines.
func (s *Session) Start(ctx context.Context) {
	s.state.Store(StateConnected)
	s.wg.Add(2)
	go s.route(ctx)
	go s.keepAlive(ctx)
}

// route dispatches inbound frames to the control or data handler per the
// §4.1/§4.8 heuristic, and reacts to channel closure with the §4.8
// reconnect policy.
func (s *Session) route(ctx context.Context) {
	defer s.wg.Done()

	messages := s.channel.Messages()
	closed := s.channel.Closed()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-messages:
			if !ok {
				continue
			}
			if frame.IsText || protocol.IsControlFrame(frame.Data) {
				env, err := protocol.DecodeEnvelope(frame.Data)
				if err != nil {
					s.logger.Warn("dropping malformed control frame", "error", err)
					continue
				}
				if s.onControl != nil {
					s.onControl(env.Type, frame.Data)
				}
				continue
			}
			if s.onData != nil {
				s.onData(frame.Data)
			}
		case <-closed:
			s.handleDisconnect(ctx)
			return
		}
	}
}

// handleDisconnect implements §4.8's ICE/connection recovery: wait up to
// reconnectGrace for the channel to report recovery on its own (a future,
// richer PeerChannel could expose a reconnected event; the reference
// tcpchannel adapter never auto-recovers, so this always falls through to
// a hard failure for it), otherwise surface the session as closed.
func (s *Session) handleDisconnect(_ context.Context) {
	s.state.Store(StateFailed)
	s.logger.Warn("peer channel closed")
	if s.onClosed != nil {
		s.onClosed()
	}
}

// keepAlive emits KEEP_ALIVE every keepAliveInterval while connected and
// not transferring, per §4.9.
func (s *Session) keepAlive(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.transferringMu.Lock()
			transferring := s.transferring
			s.transferringMu.Unlock()
			if transferring || s.State() != StateConnected {
				continue
			}
			_ = s.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeKeepAlive})
		}
	}
}

// SetTransferring toggles whether this peer is currently in a batch (used
// only to silence keep-alives, per §4.9).
func (s *Session) SetTransferring(v bool) {
	s.transferringMu.Lock()
	s.transferring = v
	s.transferringMu.Unlock()
}

// State reports the session's current connection state.
func (s *Session) State() ConnectionState {
	return s.state.Load().(ConnectionState)
}

// SetReady records that this peer has sent TRANSFER_READY.
func (s *Session) SetReady(v bool) {
	s.readyMu.Lock()
	s.ready = v
	s.readyMu.Unlock()
}

// Ready reports whether this peer is currently marked ready.
func (s *Session) Ready() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return s.ready
}

// SendControl marshals and sends a control message as a text frame.
func (s *Session) SendControl(ctx context.Context, msg any) error {
	raw, err := protocol.MarshalControl(msg)
	if err != nil {
		return err
	}
	if err := s.channel.Send(ctx, raw, true); err != nil {
		return fmt.Errorf("peersession: sending control message to %s: %w", s.PeerID, err)
	}
	return nil
}

// SendData sends one pre-framed data packet as a binary frame.
func (s *Session) SendData(ctx context.Context, packet []byte) error {
	if err := s.channel.Send(ctx, packet, false); err != nil {
		return fmt.Errorf("peersession: sending data to %s: %w", s.PeerID, err)
	}
	return nil
}

// BufferedAmount reports the channel's current outbound buffer depth.
func (s *Session) BufferedAmount() uint64 {
	return s.channel.BufferedAmount()
}

// Drain exposes the underlying channel's drain event.
func (s *Session) Drain() <-chan struct{} {
	return s.channel.Drain()
}

// Close tears the session down and its underlying channel.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.state.Store(StateClosed)
	err := s.channel.Close()
	s.wg.Wait()
	return err
}
