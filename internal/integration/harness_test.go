// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package integration exercises the full peer-transport-to-disk path —
// tcpchannel, peersession, swarm.Coordinator, sender.Pipeline and
// receiver.Writer wired together the way cmd/ponswarp-coordinator and
// cmd/ponswarp-sender wire them — without depending on either cmd package
// (both are package main, so their wiring is reproduced here at a scale
// small enough for a test).
package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ponswarp/ponswarp/internal/pki"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/receiver"
	"github.com/ponswarp/ponswarp/internal/sink"
	"github.com/ponswarp/ponswarp/internal/swarm"
	"github.com/ponswarp/ponswarp/internal/transport/tcpchannel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// coordinatorHarness is a minimal stand-in for cmd/ponswarp-coordinator's
// roomRegistry/activeRoom: it accepts peer connections, admits them into a
// single swarm.Coordinator by their JOIN handshake, and persists the
// relayed stream to a LocalSink under destDir — the same lazy,
// manifest-gated writer construction persistPacket uses.
type coordinatorHarness struct {
	t      *testing.T
	ln     net.Listener
	coord  *swarm.Coordinator
	logger *slog.Logger

	destDir string

	mu     sync.Mutex
	writer *receiver.Writer
	failed error
}

func newCoordinatorHarness(t *testing.T, cfg swarm.Config, pk *testPKI) *coordinatorHarness {
	t.Helper()

	serverTLS, err := pki.NewServerTLSConfig(pk.CACertPath, pk.ServerCertPath, pk.ServerKeyPath)
	if err != nil {
		t.Fatalf("building server TLS config: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	logger := testLogger()
	signaling := tcpchannel.NewLocalSignaling("integration-test")
	coord := swarm.New("room-1", cfg, signaling, logger)

	h := &coordinatorHarness{
		t:       t,
		ln:      ln,
		coord:   coord,
		logger:  logger,
		destDir: t.TempDir(),
	}
	coord.OnRelayPacket(h.persistPacket)

	return h
}

func (h *coordinatorHarness) addr() string { return h.ln.Addr().String() }

func (h *coordinatorHarness) serve(ctx context.Context) {
	go func() {
		_ = tcpchannel.Serve(ctx, h.ln, h.logger, func(ch *tcpchannel.Channel) {
			go h.handleConnection(ctx, ch)
		})
	}()
}

func (h *coordinatorHarness) handleConnection(ctx context.Context, ch *tcpchannel.Channel) {
	select {
	case frame, ok := <-ch.Messages():
		if !ok {
			ch.Close()
			return
		}
		var join protocol.JoinMessage
		if err := json.Unmarshal(frame.Data, &join); err != nil || join.Type != protocol.TypeJoin {
			h.t.Logf("dropping connection with malformed JOIN: %v", err)
			ch.Close()
			return
		}
		switch join.Role {
		case protocol.JoinRoleSender:
			if _, err := h.coord.JoinSender(ctx, join.PeerID, ch); err != nil {
				h.t.Logf("rejecting sender: %v", err)
				ch.Close()
			}
		case protocol.JoinRoleReceiver:
			if _, err := h.coord.Join(ctx, join.PeerID, ch); err != nil {
				h.t.Logf("rejecting receiver: %v", err)
				ch.Close()
			}
		default:
			ch.Close()
		}
	case <-ctx.Done():
		ch.Close()
	}
}

// persistPacket mirrors cmd/ponswarp-coordinator's own durable copy of the
// stream: lazily build a receiver.Writer once the manifest is known, then
// write every relayed packet (including EOS) into it.
func (h *coordinatorHarness) persistPacket(packet []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failed != nil {
		return
	}
	if h.writer == nil {
		manifest := h.coord.Manifest()
		if manifest == nil {
			return
		}
		destPath, err := sink.ResolveDestinationPath(h.destDir, manifest.RootName)
		if err != nil {
			h.failed = err
			return
		}
		dest, err := sink.NewLocalSink(destPath)
		if err != nil {
			h.failed = err
			return
		}
		h.writer = receiver.New(dest, manifest.TotalSize, manifest.IsSizeEstimated, nil)
	}
	if _, err := h.writer.WritePacket(context.Background(), packet); err != nil {
		h.failed = fmt.Errorf("coordinator harness: writing packet: %w", err)
	}
}

func (h *coordinatorHarness) persistedPath(rootName string) string {
	return filepath.Join(h.destDir, rootName)
}

// dialPeer dials the coordinator over TLS and sends the JOIN handshake,
// exactly as both cmd binaries do on connection.
func dialPeer(ctx context.Context, t *testing.T, addr string, pk *testPKI, roomID, peerID, role string) *tcpchannel.Channel {
	t.Helper()

	clientTLS, err := pki.NewClientTLSConfig(pk.CACertPath, pk.ClientCertPath, pk.ClientKeyPath)
	if err != nil {
		t.Fatalf("building client TLS config: %v", err)
	}
	clientTLS.ServerName = "localhost"

	ch, err := tcpchannel.Dial(ctx, addr, clientTLS, testLogger())
	if err != nil {
		t.Fatalf("dialing coordinator: %v", err)
	}

	join := protocol.JoinMessage{Type: protocol.TypeJoin, RoomID: roomID, PeerID: peerID, Role: role}
	raw, err := protocol.MarshalControl(join)
	if err != nil {
		t.Fatalf("marshaling JOIN: %v", err)
	}
	if err := ch.Send(ctx, raw, true); err != nil {
		t.Fatalf("sending JOIN: %v", err)
	}
	return ch
}

func sendControl(ctx context.Context, t *testing.T, ch *tcpchannel.Channel, msg any) {
	t.Helper()
	raw, err := protocol.MarshalControl(msg)
	if err != nil {
		t.Fatalf("marshaling control message: %v", err)
	}
	if err := ch.Send(ctx, raw, true); err != nil {
		t.Fatalf("sending control message: %v", err)
	}
}

// awaitControlType blocks until a text frame of one of wantTypes arrives,
// failing the test after timeout. It returns the matched type and raw JSON.
func awaitControlType(t *testing.T, ch *tcpchannel.Channel, timeout time.Duration, wantTypes ...string) (string, []byte) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-ch.Messages():
			if !ok {
				t.Fatal("channel closed while awaiting a control message")
			}
			if !frame.IsText {
				continue
			}
			env, err := protocol.DecodeEnvelope(frame.Data)
			if err != nil {
				continue
			}
			for _, want := range wantTypes {
				if env.Type == want {
					return env.Type, frame.Data
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for one of %v", wantTypes)
		}
	}
}
