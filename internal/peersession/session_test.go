// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peersession

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ponswarp/ponswarp/internal/ports"
	"github.com/ponswarp/ponswarp/internal/protocol"
)

type fakeChannel struct {
	sent   chan ports.Frame
	msgCh  chan ports.Frame
	closed chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent:   make(chan ports.Frame, 16),
		msgCh:  make(chan ports.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(_ context.Context, data []byte, isText bool) error {
	f.sent <- ports.Frame{Data: append([]byte(nil), data...), IsText: isText}
	return nil
}
func (f *fakeChannel) BufferedAmount() uint64       { return 0 }
func (f *fakeChannel) Drain() <-chan struct{}       { return make(chan struct{}) }
func (f *fakeChannel) Messages() <-chan ports.Frame { return f.msgCh }
func (f *fakeChannel) Closed() <-chan struct{}      { return f.closed }
func (f *fakeChannel) Close() error                 { close(f.closed); return nil }
func (f *fakeChannel) Inject(frame ports.Frame)     { f.msgCh <- frame }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionRoutesControlAndData(t *testing.T) {
	ch := newFakeChannel()
	sess := New("peer-a", RoleResponder, ch, nil, testLogger())

	var gotControl string
	controlSeen := make(chan struct{})
	sess.SetControlHandler(func(msgType string, _ []byte) {
		gotControl = msgType
		close(controlSeen)
	})

	var gotData []byte
	dataSeen := make(chan struct{})
	sess.SetDataHandler(func(raw []byte) {
		gotData = raw
		close(dataSeen)
	})

	ctx := context.Background()
	sess.Start(ctx)
	defer sess.Close()

	raw, _ := protocol.MarshalControl(protocol.SimpleMessage{Type: protocol.TypeKeepAlive})
	ch.Inject(ports.Frame{Data: raw, IsText: true})

	select {
	case <-controlSeen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control handler")
	}
	if gotControl != protocol.TypeKeepAlive {
		t.Errorf("expected control type %q, got %q", protocol.TypeKeepAlive, gotControl)
	}

	packet := protocol.Encode(0, 0, 0, []byte("chunk"))
	ch.Inject(ports.Frame{Data: packet, IsText: false})

	select {
	case <-dataSeen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data handler")
	}
	if string(gotData) != string(packet) {
		t.Errorf("data handler got %v, want %v", gotData, packet)
	}
}

func TestSessionClosedHandlerFiresOnDisconnect(t *testing.T) {
	ch := newFakeChannel()
	sess := New("peer-a", RoleResponder, ch, nil, testLogger())

	closedSeen := make(chan struct{})
	sess.SetClosedHandler(func() { close(closedSeen) })

	sess.Start(context.Background())
	ch.Close()

	select {
	case <-closedSeen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed handler")
	}
	if sess.State() != StateFailed {
		t.Errorf("expected state failed after disconnect, got %v", sess.State())
	}
}

func TestSessionReadyAndTransferringFlags(t *testing.T) {
	ch := newFakeChannel()
	sess := New("peer-a", RoleResponder, ch, nil, testLogger())

	if sess.Ready() {
		t.Fatal("expected a new session to start not ready")
	}
	sess.SetReady(true)
	if !sess.Ready() {
		t.Fatal("expected Ready() true after SetReady(true)")
	}

	sess.Start(context.Background())
	defer sess.Close()
	sess.SetTransferring(true) // silences keep-alive; nothing observable to assert beyond no panic
}

func TestSessionSendControlAndData(t *testing.T) {
	ch := newFakeChannel()
	sess := New("peer-a", RoleInitiator, ch, nil, testLogger())
	ctx := context.Background()

	if err := sess.SendControl(ctx, protocol.SimpleMessage{Type: protocol.TypeTransferStarted}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	frame := <-ch.sent
	if !frame.IsText {
		t.Error("expected SendControl to send a text frame")
	}
	env, err := protocol.DecodeEnvelope(frame.Data)
	if err != nil || env.Type != protocol.TypeTransferStarted {
		t.Errorf("unexpected control frame: %+v err=%v", env, err)
	}

	packet := protocol.EncodeEOS()
	if err := sess.SendData(ctx, packet); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	frame = <-ch.sent
	if frame.IsText {
		t.Error("expected SendData to send a binary frame")
	}
}
