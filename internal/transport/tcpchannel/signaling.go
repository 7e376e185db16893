// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tcpchannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/ponswarp/ponswarp/internal/ports"
)

// registry is a process-wide rendezvous table keyed by room id, grounded
// on the teacher's sync.Map-keyed session table
// (internal/server/server.go's `sessions := &sync.Map{}`) repurposed from
// "in-flight upload sessions" to "swarm rooms awaiting peer rendezvous".
// It lets every LocalSignaling instance in this process address peers by
// id without a real signaling server — the reference tcpchannel transport
// dials peers directly once it learns their address through this registry
// rather than negotiating ICE candidates.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	members map[string]*LocalSignaling
}

var globalRegistry = &registry{rooms: make(map[string]*room)}

// LocalSignaling is an in-process ports.Signaling implementation for the
// reference transport and integration tests: joining a room simply
// registers this peer id in the shared registry and every other member
// receives a room_users event, and offer/answer/candidate blobs are
// delivered directly via Go channels instead of a network round trip.
type LocalSignaling struct {
	peerID string
	events chan ports.SignalEvent
	roomID string
}

// NewLocalSignaling builds a Signaling identified by peerID. Each peer in
// a swarm needs its own instance.
func NewLocalSignaling(peerID string) *LocalSignaling {
	return &LocalSignaling{
		peerID: peerID,
		events: make(chan ports.SignalEvent, 64),
	}
}

// Connect is a no-op: the in-process registry requires no connection
// setup.
func (s *LocalSignaling) Connect(_ context.Context) error { return nil }

// JoinRoom registers this peer under roomID and broadcasts an updated
// room_users snapshot to every member, per §4.9's room-membership
// cross-check.
func (s *LocalSignaling) JoinRoom(_ context.Context, roomID string) error {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	s.roomID = roomID
	r, ok := globalRegistry.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]*LocalSignaling)}
		globalRegistry.rooms[roomID] = r
	}

	for _, other := range r.members {
		select {
		case other.events <- ports.SignalEvent{Type: ports.EventPeerJoined, From: s.peerID}:
		default:
		}
	}

	r.members[s.peerID] = s
	broadcastRoomUsersLocked(r)
	return nil
}

// broadcastRoomUsersLocked must be called with globalRegistry.mu held.
func broadcastRoomUsersLocked(r *room) {
	all := make([]string, 0, len(r.members))
	for id := range r.members {
		all = append(all, id)
	}
	for id, member := range r.members {
		others := make([]string, 0, len(all)-1)
		for _, a := range all {
			if a != id {
				others = append(others, a)
			}
		}
		select {
		case member.events <- ports.SignalEvent{Type: ports.EventRoomUsers, Room: others}:
		default:
		}
	}
}

func (s *LocalSignaling) send(evtType ports.SignalEventType, blob []byte, target string) error {
	globalRegistry.mu.Lock()
	r, ok := globalRegistry.rooms[s.roomID]
	if !ok {
		globalRegistry.mu.Unlock()
		return fmt.Errorf("tcpchannel: room %s not joined", s.roomID)
	}
	dest, ok := r.members[target]
	globalRegistry.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcpchannel: peer %s not present in room %s", target, s.roomID)
	}

	select {
	case dest.events <- ports.SignalEvent{Type: evtType, From: s.peerID, Blob: blob}:
		return nil
	default:
		return fmt.Errorf("tcpchannel: signaling event queue full for peer %s", target)
	}
}

// SendOffer implements ports.Signaling.
func (s *LocalSignaling) SendOffer(_ context.Context, _ string, blob []byte, target string) error {
	return s.send(ports.EventOffer, blob, target)
}

// SendAnswer implements ports.Signaling.
func (s *LocalSignaling) SendAnswer(_ context.Context, _ string, blob []byte, target string) error {
	return s.send(ports.EventAnswer, blob, target)
}

// SendCandidate implements ports.Signaling.
func (s *LocalSignaling) SendCandidate(_ context.Context, _ string, blob []byte, target string) error {
	return s.send(ports.EventCandidate, blob, target)
}

// RequestTURNConfig returns an empty ICEServers blob: the reference
// transport dials peers directly over TCP and never needs TURN relay.
func (s *LocalSignaling) RequestTURNConfig(_ context.Context, _ string) (ports.ICEServers, error) {
	return ports.ICEServers{}, nil
}

// Events implements ports.Signaling.
func (s *LocalSignaling) Events() <-chan ports.SignalEvent {
	return s.events
}

// Leave removes this peer from its room and notifies the remaining
// members, for use by test teardown and graceful shutdown.
func (s *LocalSignaling) Leave() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	r, ok := globalRegistry.rooms[s.roomID]
	if !ok {
		return
	}
	delete(r.members, s.peerID)
	for _, member := range r.members {
		select {
		case member.events <- ports.SignalEvent{Type: ports.EventUserLeft, From: s.peerID}:
		default:
		}
	}
	broadcastRoomUsersLocked(r)
	if len(r.members) == 0 {
		delete(globalRegistry.rooms, s.roomID)
	}
}
