// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ports declares the external collaborator interfaces the core
// transfer engine consumes but does not implement: the peer transport
// channel and the signaling rendezvous service (§1, §6). Concrete
// implementations — WebRTC data channels, a TURN-backed signaling
// server, or (for this repository) the reference TCP adapters in
// internal/transport/tcpchannel — live outside the core and are wired in
// at the cmd/ entry points.
package ports

import "context"

// LowWatermark is the outbound-buffer depth below which a PeerChannel must
// fire Drain, per §6.
const LowWatermark = 8 * 1024 * 1024

// PeerChannel is one bidirectional, ordered, reliable datagram-framed
// channel to a single remote peer. The core only requires in-order
// delivery per substream, a queryable buffered byte count, and a drain
// signal for backpressure (§5, §6); substream fan-out is an
// implementation detail of the adapter.
type PeerChannel interface {
	// Send transmits one frame. isText distinguishes a JSON control
	// message from a binary data packet when the transport can carry the
	// distinction natively; adapters that cannot must still preserve the
	// '{' heuristic (§4.1) on the wire.
	Send(ctx context.Context, data []byte, isText bool) error

	// BufferedAmount reports the current outbound buffer depth across all
	// substreams, used by internal/flowctl for watermark pacing.
	BufferedAmount() uint64

	// Drain returns a channel that receives a value each time
	// BufferedAmount crosses below LowWatermark from above.
	Drain() <-chan struct{}

	// Messages returns a channel of inbound frames. The bool reports
	// isText exactly as Send's isText parameter; closed when the channel
	// closes.
	Messages() <-chan Frame

	// Closed returns a channel that is closed when the underlying
	// connection is gone (normal close, error, or peer failure).
	Closed() <-chan struct{}

	// Close tears down the channel and all its substreams.
	Close() error
}

// Frame is one inbound message from a PeerChannel.
type Frame struct {
	Data   []byte
	IsText bool
}

// Signaling is the rendezvous port: join a room and exchange opaque
// offer/answer/candidate blobs keyed by peer id (§1, §6). The core never
// interprets the blob contents.
type Signaling interface {
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, roomID string) error
	SendOffer(ctx context.Context, roomID string, blob []byte, target string) error
	SendAnswer(ctx context.Context, roomID string, blob []byte, target string) error
	SendCandidate(ctx context.Context, roomID string, blob []byte, target string) error
	RequestTURNConfig(ctx context.Context, roomID string) (ICEServers, error)

	// Events delivers room lifecycle and negotiation events for roomID
	// until the context passed to Connect is canceled.
	Events() <-chan SignalEvent
}

// ICEServers is the opaque TURN/STUN configuration blob returned by
// RequestTURNConfig; the core never inspects its contents.
type ICEServers struct {
	Raw []byte
}

// SignalEventType discriminates the SignalEvent union.
type SignalEventType int

const (
	EventOffer SignalEventType = iota
	EventAnswer
	EventCandidate
	EventPeerJoined
	EventUserLeft
	EventRoomUsers
	EventRoomFull
)

// SignalEvent is the sum type of everything Signaling can emit.
type SignalEvent struct {
	Type SignalEventType
	From string   // offer/answer/candidate/peer_joined/user_left
	Blob []byte   // offer/answer/candidate
	Room []string // room_users: full authoritative member list, self excluded
}
