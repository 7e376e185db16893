// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command ponswarp-sender is the single content-owning peer in a room: it
// dials the coordinator, advertises a manifest built from local files, and
// streams framed packets every time the coordinator signals that a batch
// of receivers is ready. Flag parsing, signal-driven shutdown and
// component wiring follow the teacher's nbackup-agent main
// (cmd/nbackup-agent/main.go).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ponswarp/ponswarp/internal/config"
	"github.com/ponswarp/ponswarp/internal/cryptutil"
	"github.com/ponswarp/ponswarp/internal/filesource"
	"github.com/ponswarp/ponswarp/internal/flowctl"
	"github.com/ponswarp/ponswarp/internal/logging"
	"github.com/ponswarp/ponswarp/internal/pki"
	"github.com/ponswarp/ponswarp/internal/protocol"
	"github.com/ponswarp/ponswarp/internal/sender"
	"github.com/ponswarp/ponswarp/internal/transport/tcpchannel"
)

// pipelinePollInterval bounds how often streamOnce re-polls the Sender
// Pipeline for a fresh batch when the prefetch producer hasn't filled one
// yet.
const pipelinePollInterval = 10 * time.Millisecond

func main() {
	configPath := flag.String("config", "/etc/ponswarp/sender.yaml", "path to sender config YAML")
	flag.Parse()

	cfg, err := config.LoadSenderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ponswarp-sender: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sender exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) error {
	source, err := filesource.New(ctx, cfg.Coordinator.RoomID, cfg.Transfer.Sources, nil, cfg.Transfer.Archive)
	if err != nil {
		return fmt.Errorf("building source: %w", err)
	}
	manifest := source.Manifest()
	logger.Info("scanned sources",
		"root_name", manifest.RootName,
		"total_files", manifest.TotalFiles,
		"total_size", manifest.TotalSize,
		"is_folder", manifest.IsFolder)

	var cipher *cryptutil.ChunkCipher
	if cfg.Transfer.Encryption.Enabled {
		cipher, err = cryptutil.LoadChunkCipher(cfg.Transfer.Encryption.KeyFile)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		logger.Info("per-chunk encryption enabled")
	}

	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	ch, err := tcpchannel.Dial(ctx, cfg.Coordinator.Address, tlsCfg, logger)
	if err != nil {
		return fmt.Errorf("dialing coordinator at %s: %w", cfg.Coordinator.Address, err)
	}
	defer ch.Close()

	peerID := newPeerID()
	logger.Info("connected to coordinator", "address", cfg.Coordinator.Address, "room_id", cfg.Coordinator.RoomID, "peer_id", peerID)

	join := protocol.JoinMessage{
		Type:   protocol.TypeJoin,
		RoomID: cfg.Coordinator.RoomID,
		PeerID: peerID,
		Role:   protocol.JoinRoleSender,
	}
	if err := sendControl(ctx, ch, join); err != nil {
		return fmt.Errorf("sending JOIN: %w", err)
	}

	manifestMsg := protocol.NewManifestMessage(manifest)
	if err := sendControl(ctx, ch, manifestMsg); err != nil {
		return fmt.Errorf("sending MANIFEST: %w", err)
	}

	return driveTransfer(ctx, ch, source, cipher, cfg, logger)
}

// driveTransfer waits for the coordinator's start signals and streams one
// full pass over source for each one. A fresh pass is needed on every
// signal because the coordinator's current_batch is reset whenever the
// queue drains into a new batch — receivers admitted into that batch have
// seen none of the previously relayed bytes (DESIGN.md's "re-read on
// queue drain" resolution).
func driveTransfer(ctx context.Context, ch *tcpchannel.Channel, source *filesource.Source, cipher *cryptutil.ChunkCipher, cfg *config.SenderConfig, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Closed():
			return fmt.Errorf("coordinator connection closed")
		case frame, ok := <-ch.Messages():
			if !ok {
				return fmt.Errorf("coordinator connection closed")
			}
			if !frame.IsText {
				logger.Warn("sender received an unexpected data frame, ignoring")
				continue
			}
			env, err := protocol.DecodeEnvelope(frame.Data)
			if err != nil {
				logger.Warn("discarding malformed control frame", "error", err)
				continue
			}
			switch env.Type {
			case protocol.TypeTransferStarted, protocol.TypeTransferStarting:
				logger.Info("coordinator signaled transfer start", "type", env.Type)
				if err := streamOnce(ctx, ch, source, cipher, cfg, logger); err != nil {
					return fmt.Errorf("streaming transfer: %w", err)
				}
			case protocol.TypeKeepAlive:
				// no-op; the control connection simply isn't idle
			default:
				logger.Debug("ignoring control message while idle", "type", env.Type)
			}
		}
	}
}

// streamOnce opens a fresh reader over source, drives it through a new
// sender.Pipeline, and sends every resulting packet followed by the EOS
// marker.
func streamOnce(ctx context.Context, ch *tcpchannel.Channel, source *filesource.Source, cipher *cryptutil.ChunkCipher, cfg *config.SenderConfig, logger *slog.Logger) error {
	reader, sourceBytesRead, err := source.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	manifest := source.Manifest()
	var pipeline *sender.Pipeline
	if sourceBytesRead == nil {
		pipeline = sender.NewRawPipeline(reader, manifest.TotalSize, cipher)
	} else {
		pipeline = sender.NewArchivedPipeline(reader, manifest.TotalSize, sourceBytesRead, cipher)
	}
	defer pipeline.Stop()
	pipeline.SetChunkSize(int(cfg.Transfer.ChunkSizeRaw))

	flow := flowctl.New(cfg.Transfer.BandwidthCapRaw)

	for {
		batch, done, err := pipeline.ProcessBatch(flow.BatchSize())
		if err != nil {
			return fmt.Errorf("reading batch: %w", err)
		}

		if len(batch) == 0 && !done {
			// The prefetch producer hasn't filled a batch yet (still
			// reading from a slow source); avoid busy-polling it.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pipelinePollInterval):
			}
			continue
		}

		batchBytes := 0
		for _, packet := range batch {
			batchBytes += len(packet)
		}
		if batchBytes > 0 {
			if err := flow.AwaitSendable(ctx, ch.BufferedAmount, batchBytes); err != nil {
				return err
			}
			for _, packet := range batch {
				if err := ch.Send(ctx, packet, false); err != nil {
					return fmt.Errorf("sending data packet: %w", err)
				}
			}
			flow.Observe(ch.BufferedAmount())
		}

		if done {
			if err := ch.Send(ctx, protocol.EncodeEOS(), false); err != nil {
				return fmt.Errorf("sending EOS: %w", err)
			}
			progress := pipeline.Progress()
			logger.Info("transfer batch complete", "bytes_sent", progress.BytesSent, "total_bytes", progress.TotalBytes)
			return nil
		}
	}
}

func sendControl(ctx context.Context, ch *tcpchannel.Channel, msg any) error {
	raw, err := protocol.MarshalControl(msg)
	if err != nil {
		return err
	}
	return ch.Send(ctx, raw, true)
}

func newPeerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "sender"
	}
	return "sender-" + hex.EncodeToString(buf)
}
