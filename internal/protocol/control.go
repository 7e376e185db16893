// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message type discriminators, per the normative vocabulary.
const (
	TypeJoin             = "JOIN"
	TypeManifest         = "MANIFEST"
	TypeTransferReady    = "TRANSFER_READY"
	TypeTransferStarted  = "TRANSFER_STARTED"
	TypeTransferStarting = "TRANSFER_STARTING"
	TypeQueued           = "QUEUED"
	TypeReadyForDownload = "READY_FOR_DOWNLOAD"
	TypeDownloadComplete = "DOWNLOAD_COMPLETE"
	TypeKeepAlive        = "KEEP_ALIVE"
)

// Join roles, carried in the JOIN handshake that opens every connection to
// the coordinator: exactly one sender per room provides the data; any
// number (up to capacity) of receivers download it.
const (
	JoinRoleSender   = "sender"
	JoinRoleReceiver = "receiver"
)

// JoinMessage is the first frame every connection sends the coordinator:
// {type: "JOIN", room_id, peer_id, role}.
type JoinMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// controlFrameMarker is the first byte of any JSON control message on the
// wire — '{' — used as a fallback heuristic when the transport doesn't
// expose a text/binary flag.
const controlFrameMarker = byte('{')

// IsControlFrame reports whether raw looks like a JSON control message
// rather than a framed data packet, per the §4.1/§6 heuristic: a data
// packet always begins with a little-endian file_id, and JSON control
// messages always begin with '{'. Ambiguous (empty) frames are rejected as
// non-control.
func IsControlFrame(raw []byte) bool {
	return len(raw) > 0 && raw[0] == controlFrameMarker
}

// FileEntry is one file's manifest row.
type FileEntry struct {
	ID   uint16 `json:"id"`
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// Manifest describes one transfer's inputs, sent once to each receiver
// before any data packet.
type Manifest struct {
	TransferID      string      `json:"transfer_id"`
	RootName        string      `json:"root_name"`
	IsFolder        bool        `json:"is_folder"`
	TotalFiles      int         `json:"total_files"`
	TotalSize       uint64      `json:"total_size"`
	Files           []FileEntry `json:"files"`
	IsSizeEstimated bool        `json:"is_size_estimated"`
}

// Envelope is the minimal shape every control message shares: a type
// discriminator. Callers decode the full message into a type-specific
// struct after inspecting Type.
type Envelope struct {
	Type string `json:"type"`
}

// ManifestMessage is {type: "MANIFEST", manifest: <Manifest>}.
type ManifestMessage struct {
	Type     string   `json:"type"`
	Manifest Manifest `json:"manifest"`
}

// NewManifestMessage builds a MANIFEST control message.
func NewManifestMessage(m Manifest) ManifestMessage {
	return ManifestMessage{Type: TypeManifest, Manifest: m}
}

// SimpleMessage covers TRANSFER_READY, TRANSFER_STARTED, TRANSFER_STARTING,
// DOWNLOAD_COMPLETE and KEEP_ALIVE, all of which carry only the type tag.
type SimpleMessage struct {
	Type string `json:"type"`
}

// QueuedMessage is {type: "QUEUED", message, position}.
type QueuedMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Position int    `json:"position"`
}

// ReadyForDownloadMessage is {type: "READY_FOR_DOWNLOAD", message}.
type ReadyForDownloadMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MarshalControl serializes any control message struct to its wire JSON
// form.
func MarshalControl(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling control message: %w", err)
	}
	return b, nil
}

// DecodeEnvelope extracts just the type discriminator, so the caller can
// dispatch to the right concrete struct before a second full unmarshal.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding control envelope: %w", err)
	}
	return env, nil
}
