// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tcpchannel is the reference ports.PeerChannel implementation:
// length-prefixed frames over a mutually-authenticated TLS connection,
// grounded on the teacher's persistent TLS control connection
// (internal/agent/control_channel.go) and its accept-loop-with-backoff
// listener (internal/server/server.go). It exists so the swarm engine can
// be exercised end to end without a real WebRTC stack; a production
// deployment would swap in a browser-facing data-channel adapter behind
// the same ports.PeerChannel interface.
package tcpchannel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ponswarp/ponswarp/internal/ports"
)

// frameHeaderSize is 1 flag byte + 4 big-endian length bytes.
const frameHeaderSize = 5

// textFlag marks a frame as a control (text) message rather than a binary
// data packet, carrying the isText distinction PeerChannel.Send accepts
// since a raw TCP stream has no native text/binary framing.
const textFlag = byte(1)

// maxFrameSize bounds a single frame, generous enough for the largest
// archived-write batch the protocol ever produces.
const maxFrameSize = 16 * 1024 * 1024

// sendQueueDepth is how many outbound frames may be queued in software
// before Send blocks, standing in for a data channel's native
// bufferedAmount accounting.
const sendQueueDepth = 512

type outboundFrame struct {
	data   []byte
	isText bool
}

// Channel wraps one net.Conn (ordinarily *tls.Conn) as a ports.PeerChannel.
type Channel struct {
	conn   net.Conn
	logger *slog.Logger

	sendCh  chan outboundFrame
	msgCh   chan ports.Frame
	drainCh chan struct{}
	closed  chan struct{}

	buffered atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newChannel wraps conn and starts its reader/writer pumps.
func newChannel(conn net.Conn, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:    conn,
		logger:  logger,
		sendCh:  make(chan outboundFrame, sendQueueDepth),
		msgCh:   make(chan ports.Frame, sendQueueDepth),
		drainCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
	return c
}

// Dial connects to addr and returns a Channel, authenticating with
// tlsConfig (built via internal/pki.NewClientTLSConfig).
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger *slog.Logger) (*Channel, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpchannel: dialing %s: %w", addr, err)
	}
	conn := tls.Client(rawConn, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tcpchannel: TLS handshake with %s: %w", addr, err)
	}
	return newChannel(conn, logger), nil
}

// Accept wraps an already-handshaken inbound connection (as produced by a
// tls.Listener's Accept) as a Channel.
func Accept(conn net.Conn, logger *slog.Logger) *Channel {
	return newChannel(conn, logger)
}

// Send implements ports.PeerChannel.
func (c *Channel) Send(ctx context.Context, data []byte, isText bool) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("tcpchannel: frame of %d bytes exceeds max %d", len(data), maxFrameSize)
	}
	c.buffered.Add(uint64(len(data)))
	select {
	case c.sendCh <- outboundFrame{data: data, isText: isText}:
		return nil
	case <-c.closed:
		c.buffered.Add(^uint64(len(data) - 1)) // undo
		return fmt.Errorf("tcpchannel: channel closed")
	case <-ctx.Done():
		c.buffered.Add(^uint64(len(data) - 1))
		return ctx.Err()
	}
}

// BufferedAmount implements ports.PeerChannel.
func (c *Channel) BufferedAmount() uint64 {
	return c.buffered.Load()
}

// RemoteAddrString returns the underlying connection's remote address, for
// logging.
func (c *Channel) RemoteAddrString() string {
	return c.conn.RemoteAddr().String()
}

// Drain implements ports.PeerChannel.
func (c *Channel) Drain() <-chan struct{} {
	return c.drainCh
}

// Messages implements ports.PeerChannel.
func (c *Channel) Messages() <-chan ports.Frame {
	return c.msgCh
}

// Closed implements ports.PeerChannel.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close implements ports.PeerChannel.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
	})
	c.wg.Wait()
	return err
}

func (c *Channel) writePump() {
	defer c.wg.Done()
	w := bufio.NewWriter(c.conn)
	header := make([]byte, frameHeaderSize)

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.sendCh:
			header[0] = 0
			if frame.isText {
				header[0] = textFlag
			}
			binary.BigEndian.PutUint32(header[1:], uint32(len(frame.data)))

			if _, err := w.Write(header); err == nil {
				_, err = w.Write(frame.data)
			}
			flushErr := w.Flush()

			c.buffered.Add(^uint64(len(frame.data) - 1))
			if c.buffered.Load() < ports.LowWatermark {
				select {
				case c.drainCh <- struct{}{}:
				default:
				}
			}

			if flushErr != nil {
				c.logger.Warn("tcpchannel write failed", "error", flushErr)
				c.Close()
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	defer c.wg.Done()
	defer close(c.msgCh)

	r := bufio.NewReader(c.conn)
	header := make([]byte, frameHeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("tcpchannel read closed", "error", err)
			}
			c.Close()
			return
		}

		isText := header[0] == textFlag
		length := binary.BigEndian.Uint32(header[1:])
		if length > maxFrameSize {
			c.logger.Warn("tcpchannel: oversized frame, dropping connection", "length", length)
			c.Close()
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			c.logger.Debug("tcpchannel read closed mid-frame", "error", err)
			c.Close()
			return
		}

		select {
		case c.msgCh <- ports.Frame{Data: payload, IsText: isText}:
		case <-c.closed:
			return
		}
	}
}

// listenBackoffCap bounds the accept-loop backoff, mirroring the
// teacher's server accept loop (internal/server/server.go).
const listenBackoffCap = 5 * time.Second

// Serve runs a TLS accept loop on ln, handing each accepted connection to
// onAccept as a *Channel. Serve blocks until ctx is canceled or ln.Accept
// returns a permanent error.
func Serve(ctx context.Context, ln net.Listener, logger *slog.Logger, onAccept func(*Channel)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			logger.Error("tcpchannel accept failed", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > listenBackoffCap {
					delay = listenBackoffCap
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0
		onAccept(newChannel(conn, logger))
	}
}
