// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command ponswarp-coordinator is the swarm's listening hub: it accepts
// TLS connections from one content-owning sender and any number of
// downloading peers per room, relays the sender's already-framed packets
// to every ready peer, and keeps its own durable copy of each room's
// stream on local disk or S3. Flag parsing, signal-driven shutdown and
// component wiring follow the teacher's nbackup-server main
// (cmd/nbackup-server/main.go).
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/ponswarp/ponswarp/internal/config"
	"github.com/ponswarp/ponswarp/internal/logging"
	"github.com/ponswarp/ponswarp/internal/pki"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/receiver"
	"github.com/ponswarp/ponswarp/internal/sink"
	"github.com/ponswarp/ponswarp/internal/swarm"
	"github.com/ponswarp/ponswarp/internal/transport/tcpchannel"
)

func main() {
	configPath := flag.String("config", "/etc/ponswarp/coordinator.yaml", "path to coordinator config YAML")
	flag.Parse()

	cfg, err := appconfig.LoadCoordinatorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ponswarp-coordinator: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coordinator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.CoordinatorConfig, logger *slog.Logger) error {
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	ln, err := tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()
	logger.Info("coordinator listening", "address", cfg.Server.Listen)

	var s3Client *s3.Client
	if cfg.Receiver.S3 != nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Receiver.S3.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
	}

	rooms := newRoomRegistry(cfg, s3Client, logger)

	return tcpchannel.Serve(ctx, ln, logger, func(ch *tcpchannel.Channel) {
		go rooms.handleConnection(ctx, ch)
	})
}

// activeRoom bundles one swarm.Coordinator with the coordinator's own
// durable copy of that room's stream. The writer is built lazily, once
// the sender's MANIFEST has arrived, since the Receiver Writer needs the
// total size and size-estimated flag up front.
type activeRoom struct {
	coordinator *swarm.Coordinator

	// writer holds the coordinator's own copy of the stream. When the
	// transfer is encrypted, it is handed a nil cipher deliberately: the
	// coordinator never holds the transfer key (it is provisioned only to
	// the sender and legitimate receivers out of band), so it persists
	// ciphertext as-is rather than attempting to decrypt it.
	mu     sync.Mutex
	writer *receiver.Writer
	failed bool
}

// roomRegistry lazily creates one activeRoom per room id, admitting new
// connections into whichever room their JOIN handshake names.
type roomRegistry struct {
	cfg      *appconfig.CoordinatorConfig
	s3Client *s3.Client
	logger   *slog.Logger

	signaling *tcpchannel.LocalSignaling

	mu    sync.Mutex
	rooms map[string]*activeRoom
}

func newRoomRegistry(cfg *appconfig.CoordinatorConfig, s3Client *s3.Client, logger *slog.Logger) *roomRegistry {
	return &roomRegistry{
		cfg:       cfg,
		s3Client:  s3Client,
		logger:    logger,
		signaling: tcpchannel.NewLocalSignaling("coordinator"),
		rooms:     make(map[string]*activeRoom),
	}
}

func (rr *roomRegistry) roomFor(ctx context.Context, roomID string) *activeRoom {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if r, ok := rr.rooms[roomID]; ok {
		return r
	}

	swarmCfg := swarm.Config{
		Capacity:            rr.cfg.RoomCapacity(),
		Countdown:           rr.cfg.Countdown(),
		QueueDrainGrace:     rr.cfg.QueueDrainGrace(),
		ZombieSweepInterval: rr.cfg.ZombieSweepInterval(),
	}
	coord := swarm.New(roomID, swarmCfg, rr.signaling, rr.logger)
	r := &activeRoom{coordinator: coord}

	coord.OnRelayPacket(func(packet []byte) { rr.persistPacket(r, packet) })
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	go coord.RunZombieSweeper(stop)
	go coord.RunStatsReporter(ctx)

	rr.rooms[roomID] = r
	return r
}

// persistPacket drives the coordinator's own copy of the stream as it
// relays each packet to downloading peers, so the transfer lands on local
// disk or S3 even if every external peer disconnects mid-batch.
func (rr *roomRegistry) persistPacket(r *activeRoom, packet []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return
	}
	if r.writer == nil {
		manifest := r.coordinator.Manifest()
		if manifest == nil {
			return // no manifest yet; drop until the sender's MANIFEST control frame lands
		}
		w, err := rr.buildWriter(*manifest)
		if err != nil {
			rr.logger.Error("failed to open destination for room", "error", err)
			r.failed = true
			return
		}
		r.writer = w
	}

	if _, err := r.writer.WritePacket(context.Background(), packet); err != nil {
		rr.logger.Error("writing packet to destination failed", "error", err)
		_ = r.writer.Abort(context.Background())
		r.failed = true
	}
}

func (rr *roomRegistry) buildWriter(manifest protocol.Manifest) (*receiver.Writer, error) {
	dest, err := newDestinationSink(context.Background(), rr.cfg, rr.s3Client, manifest)
	if err != nil {
		return nil, err
	}
	return receiver.New(dest, manifest.TotalSize, manifest.IsSizeEstimated, nil), nil
}

// handleConnection reads the inbound peer's JOIN control message (the very
// first frame) to learn which room, peer id and role it carries, then
// admits it into that room's Coordinator.
func (rr *roomRegistry) handleConnection(ctx context.Context, ch *tcpchannel.Channel) {
	remote := ch.RemoteAddrString()

	join, err := readJoin(ctx, ch)
	if err != nil {
		rr.logger.Warn("dropping connection with malformed handshake", "remote", remote, "error", err)
		ch.Close()
		return
	}

	room := rr.roomFor(ctx, join.RoomID)

	switch join.Role {
	case protocol.JoinRoleSender:
		if _, err := room.coordinator.JoinSender(ctx, join.PeerID, ch); err != nil {
			rr.logger.Warn("rejecting sender", "remote", remote, "room_id", join.RoomID, "error", err)
			ch.Close()
		}
	case protocol.JoinRoleReceiver:
		if _, err := room.coordinator.Join(ctx, join.PeerID, ch); err != nil {
			rr.logger.Warn("rejecting receiver", "remote", remote, "room_id", join.RoomID, "error", err)
			ch.Close()
		}
	default:
		rr.logger.Warn("dropping connection with unknown join role", "remote", remote, "role", join.Role)
		ch.Close()
	}
}

func decodeJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding handshake: %w", err)
	}
	return nil
}

func readJoin(ctx context.Context, ch *tcpchannel.Channel) (protocol.JoinMessage, error) {
	select {
	case frame, ok := <-ch.Messages():
		if !ok {
			return protocol.JoinMessage{}, fmt.Errorf("connection closed before handshake")
		}
		var join protocol.JoinMessage
		if err := decodeJSON(frame.Data, &join); err != nil {
			return protocol.JoinMessage{}, err
		}
		if join.Type != protocol.TypeJoin || join.RoomID == "" || join.PeerID == "" {
			return protocol.JoinMessage{}, fmt.Errorf("expected a JOIN handshake, got %+v", join)
		}
		return join, nil
	case <-ctx.Done():
		return protocol.JoinMessage{}, ctx.Err()
	}
}

// newDestinationSink builds the receiver.Writer's sink.Sink for one room's
// manifest, per cfg.Receiver.
func newDestinationSink(ctx context.Context, cfg *appconfig.CoordinatorConfig, s3Client *s3.Client, manifest protocol.Manifest) (sink.Sink, error) {
	if cfg.Receiver.S3 != nil {
		key := filepath.ToSlash(filepath.Join(cfg.Receiver.S3.Prefix, manifest.RootName))
		return sink.NewS3Sink(ctx, s3Client, cfg.Receiver.S3.Bucket, key), nil
	}

	if err := sink.DiskFreePreflight(cfg.Receiver.DestinationDir, uint64(cfg.Receiver.MinFreeSpaceRaw)); err != nil {
		return nil, err
	}
	destPath, err := sink.ResolveDestinationPath(cfg.Receiver.DestinationDir, manifest.RootName)
	if err != nil {
		return nil, err
	}
	return sink.NewLocalSink(destPath)
}
