// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config holds the YAML-backed configuration structs for the two
// ponswarp binaries, following the teacher's load-then-validate idiom
// (gopkg.in/yaml.v3 unmarshal, a validate() method that also fills in
// defaults, and human-readable byte-size strings resolved through
// ParseByteSize).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig is the nbackup-server analogue: it listens for peer
// connections, runs the Swarm Coordinator, and never touches source
// files directly.
type CoordinatorConfig struct {
	Server    CoordinatorServer `yaml:"server"`
	TLS       TLSServer         `yaml:"tls"`
	Room      RoomConfig        `yaml:"room"`
	Receiver  ReceiverConfig    `yaml:"receiver"`
	Logging   LoggingInfo       `yaml:"logging"`
}

// CoordinatorServer is the listen address, mirroring ServerAddr's shape
// in the teacher's server config.
type CoordinatorServer struct {
	Listen string `yaml:"listen"`
}

// TLSServer holds the coordinator-side mTLS material.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// RoomConfig bounds one swarm room's lifecycle, per §3/§4.9.
type RoomConfig struct {
	// Capacity is N, the maximum simultaneous peers (default 3).
	Capacity int `yaml:"capacity"`
	// CountdownSeconds is the partial-readiness wait before starting with
	// whatever is ready (default 10).
	CountdownSeconds int `yaml:"countdown_seconds"`
	// QueueDrainGraceMs is the pause between a batch completing and queued
	// peers being promoted into a new one (default 1000).
	QueueDrainGraceMs int `yaml:"queue_drain_grace_ms"`
	// ZombieSweepSeconds is the periodic fallback peer-liveness sweep
	// cadence (default 30).
	ZombieSweepSeconds int `yaml:"zombie_sweep_seconds"`
}

// ReceiverConfig controls where and how received transfers are written.
type ReceiverConfig struct {
	// DestinationDir is the local filesystem root for LocalSink. Mutually
	// exclusive with S3.
	DestinationDir string `yaml:"destination_dir"`
	// MinFreeSpace is a human-readable size ("1gb"); DiskFreePreflight
	// rejects the transfer below this threshold. Ignored for S3.
	MinFreeSpace    string `yaml:"min_free_space"`
	MinFreeSpaceRaw int64  `yaml:"-"`

	S3 *S3Destination `yaml:"s3,omitempty"`
}

// S3Destination configures the optional S3Sink backend.
type S3Destination struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// LoggingInfo controls structured logging, shared by both binaries.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	FilePath      string `yaml:"file_path"`
	SessionLogDir string `yaml:"session_log_dir"`
}

// LoadCoordinatorConfig reads, parses and validates a coordinator YAML
// file.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coordinator config: %w", err)
	}

	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing coordinator config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating coordinator config: %w", err)
	}
	return &cfg, nil
}

func (c *CoordinatorConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}

	if c.Room.Capacity <= 0 {
		c.Room.Capacity = 3
	}
	if c.Room.CountdownSeconds <= 0 {
		c.Room.CountdownSeconds = 10
	}
	if c.Room.QueueDrainGraceMs <= 0 {
		c.Room.QueueDrainGraceMs = 1000
	}
	if c.Room.ZombieSweepSeconds <= 0 {
		c.Room.ZombieSweepSeconds = 30
	}

	if c.Receiver.S3 == nil {
		if c.Receiver.DestinationDir == "" {
			return fmt.Errorf("receiver.destination_dir is required when receiver.s3 is not set")
		}
	} else {
		if c.Receiver.S3.Bucket == "" {
			return fmt.Errorf("receiver.s3.bucket is required")
		}
	}

	if c.Receiver.MinFreeSpace == "" {
		c.Receiver.MinFreeSpace = "1gb"
	}
	parsed, err := ParseByteSize(c.Receiver.MinFreeSpace)
	if err != nil {
		return fmt.Errorf("receiver.min_free_space: %w", err)
	}
	c.Receiver.MinFreeSpaceRaw = parsed

	applyLoggingDefaults(&c.Logging)
	return nil
}

func applyLoggingDefaults(l *LoggingInfo) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// RoomCapacity returns the configured swarm capacity as an int.
func (c *CoordinatorConfig) RoomCapacity() int { return c.Room.Capacity }

// Countdown returns the partial-readiness countdown as a time.Duration.
func (c *CoordinatorConfig) Countdown() time.Duration {
	return time.Duration(c.Room.CountdownSeconds) * time.Second
}

// QueueDrainGrace returns the queue-drain pause as a time.Duration.
func (c *CoordinatorConfig) QueueDrainGrace() time.Duration {
	return time.Duration(c.Room.QueueDrainGraceMs) * time.Millisecond
}

// ZombieSweepInterval returns the periodic sweep cadence as a time.Duration.
func (c *CoordinatorConfig) ZombieSweepInterval() time.Duration {
	return time.Duration(c.Room.ZombieSweepSeconds) * time.Second
}
