// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SenderConfig is the nbackup-agent analogue: it reads local source
// paths, joins a coordinator's room, and drives the Sender Pipeline.
type SenderConfig struct {
	Coordinator CoordinatorAddr `yaml:"coordinator"`
	TLS         TLSClient       `yaml:"tls"`
	Transfer    TransferConfig  `yaml:"transfer"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// CoordinatorAddr is the sender's view of the coordinator to dial.
type CoordinatorAddr struct {
	Address string `yaml:"address"`
	RoomID  string `yaml:"room_id"`
}

// TLSClient holds the sender-side mTLS material.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// TransferConfig describes what to send and how, per §2/§4.3/§4.4/§4.7.
type TransferConfig struct {
	// Sources are the local paths to send. A single source with
	// Archive=false sends the raw file; anything else (multiple sources,
	// or one directory) is archived.
	Sources []string `yaml:"sources"`
	// Archive forces archiving even for a single plain file.
	Archive bool `yaml:"archive"`

	Encryption EncryptionConfig `yaml:"encryption"`

	// ChunkSize is a human-readable size, clamped to
	// [sender.MinChunkSize, sender.MaxChunkSize] (default 64kb).
	ChunkSize    string `yaml:"chunk_size"`
	ChunkSizeRaw int64  `yaml:"-"`

	// BandwidthCap is a human-readable bytes/sec rate ("0" or empty
	// disables throttling).
	BandwidthCap    string `yaml:"bandwidth_cap"`
	BandwidthCapRaw int64  `yaml:"-"`
}

// EncryptionConfig controls per-chunk AES-256-GCM, per §4.4.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
	// KeyFile points at a raw 32-byte key. Required when Enabled.
	KeyFile string `yaml:"key_file"`
}

// LoadSenderConfig reads, parses and validates a sender YAML file.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}
	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if c.Coordinator.Address == "" {
		return fmt.Errorf("coordinator.address is required")
	}
	if c.Coordinator.RoomID == "" {
		return fmt.Errorf("coordinator.room_id is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	if len(c.Transfer.Sources) == 0 {
		return fmt.Errorf("transfer.sources must have at least one entry")
	}
	if c.Transfer.Encryption.Enabled && c.Transfer.Encryption.KeyFile == "" {
		return fmt.Errorf("transfer.encryption.key_file is required when encryption is enabled")
	}

	if c.Transfer.ChunkSize == "" {
		c.Transfer.ChunkSize = "64kb"
	}
	chunkParsed, err := ParseByteSize(c.Transfer.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if chunkParsed < 16*1024 || chunkParsed > 64*1024 {
		return fmt.Errorf("transfer.chunk_size must be between 16kb and 64kb, got %s", c.Transfer.ChunkSize)
	}
	c.Transfer.ChunkSizeRaw = chunkParsed

	if c.Transfer.BandwidthCap == "" {
		c.Transfer.BandwidthCap = "0"
	}
	capParsed, err := ParseByteSize(c.Transfer.BandwidthCap)
	if err != nil {
		return fmt.Errorf("transfer.bandwidth_cap: %w", err)
	}
	c.Transfer.BandwidthCapRaw = capParsed

	applyLoggingDefaults(&c.Logging)
	return nil
}
