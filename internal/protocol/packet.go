// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the PonsWarp wire format: the 18-byte data
// packet header and the JSON control-message envelope.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed length of a data packet header in bytes.
const HeaderSize = 18

// EOSFileID is the reserved file_id value marking end-of-stream.
const EOSFileID = uint16(0xFFFF)

// ErrCorruptPacket is returned when a raw buffer fails header validation.
var ErrCorruptPacket = errors.New("protocol: corrupt packet")

// Packet is one framed data packet: an 18-byte header plus payload.
type Packet struct {
	FileID     uint16
	ChunkIndex uint32
	ByteOffset uint64
	Payload    []byte
}

// IsEOS reports whether p is the end-of-stream marker.
func (p Packet) IsEOS() bool {
	return p.FileID == EOSFileID
}

// Encode serializes a packet to its wire representation: header followed by
// payload. payload_len is derived from len(payload), never passed
// separately.
func Encode(fileID uint16, chunkIndex uint32, byteOffset uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], fileID)
	binary.LittleEndian.PutUint32(buf[2:6], chunkIndex)
	binary.LittleEndian.PutUint64(buf[6:14], byteOffset)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeEOS returns the 18-byte end-of-stream marker packet (zero-length
// payload).
func EncodeEOS() []byte {
	return Encode(EOSFileID, 0, 0, nil)
}

// IsEOS reports whether a raw wire buffer is the end-of-stream marker,
// without requiring a full Decode.
func IsEOS(raw []byte) bool {
	return len(raw) >= 2 && binary.LittleEndian.Uint16(raw[0:2]) == EOSFileID
}

// Decode parses a raw wire buffer into a Packet. It validates that the
// buffer is at least HeaderSize bytes and that its length matches
// HeaderSize+payload_len exactly; any mismatch is ErrCorruptPacket, and the
// packet must be dropped by the caller.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, fmt.Errorf("decoding packet: %w: length %d below header size %d", ErrCorruptPacket, len(raw), HeaderSize)
	}

	fileID := binary.LittleEndian.Uint16(raw[0:2])
	chunkIndex := binary.LittleEndian.Uint32(raw[2:6])
	byteOffset := binary.LittleEndian.Uint64(raw[6:14])
	payloadLen := binary.LittleEndian.Uint32(raw[14:18])

	if fileID == EOSFileID {
		return Packet{FileID: fileID, ChunkIndex: chunkIndex, ByteOffset: byteOffset}, nil
	}

	if uint32(len(raw)-HeaderSize) != payloadLen {
		return Packet{}, fmt.Errorf("decoding packet: %w: payload_len %d does not match remaining %d bytes", ErrCorruptPacket, payloadLen, len(raw)-HeaderSize)
	}

	payload := make([]byte, payloadLen)
	copy(payload, raw[HeaderSize:])

	return Packet{
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		ByteOffset: byteOffset,
		Payload:    payload,
	}, nil
}
