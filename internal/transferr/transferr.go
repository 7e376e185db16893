// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transferr holds the sentinel errors of the transfer-engine error
// taxonomy (§7), named transferr so it never collides with the standard
// errors package at an unqualified import. Every component boundary
// returns one of these (wrapped with fmt.Errorf, never bare) so callers
// can errors.Is against a stable identity instead of matching strings.
package transferr

import "errors"

var (
	// ErrSignalingUnavailable means the room could not be reached or
	// joined; the transfer aborts.
	ErrSignalingUnavailable = errors.New("transferr: signaling unavailable")

	// ErrRoomFull means the swarm is already at capacity N; informational
	// only, existing state is untouched.
	ErrRoomFull = errors.New("transferr: room full")

	// ErrPeerTimeout means a peer failed to reach connected within the
	// connection-establishment timeout; the peer is removed, other peers
	// are unaffected.
	ErrPeerTimeout = errors.New("transferr: peer connection timeout")

	// ErrPeerClosed means a peer's channel closed, normally or abruptly;
	// the peer is removed.
	ErrPeerClosed = errors.New("transferr: peer closed")

	// ErrCorruptPacket means a data packet failed header validation and
	// was dropped; the transfer continues.
	ErrCorruptPacket = errors.New("transferr: corrupt packet")

	// ErrBufferOverflow means the reordering buffer's pending map is full;
	// the new payload was dropped and the transfer is flagged incomplete.
	ErrBufferOverflow = errors.New("transferr: reorder buffer overflow")

	// ErrDecryptFailure means AES-GCM authentication failed for a chunk;
	// fatal for the receiving transfer.
	ErrDecryptFailure = errors.New("transferr: chunk decryption failed")

	// ErrSinkWriteFailure means the destination sink returned a write
	// error; fatal for the receiving transfer.
	ErrSinkWriteFailure = errors.New("transferr: destination sink write failed")

	// ErrUserCancelled means the receiver abandoned the destination
	// before it finished opening; the receiver returns to waiting.
	ErrUserCancelled = errors.New("transferr: user cancelled")

	// ErrTransferMissed means a receiver joined after a batch had already
	// started and was not queued in time.
	ErrTransferMissed = errors.New("transferr: transfer missed")

	// ErrIncompleteTransfer means the channel closed before EOS and the
	// receiver's integrity check failed (bytes_written != total_size for
	// a raw transfer, or the archive's central directory did not parse).
	ErrIncompleteTransfer = errors.New("transferr: incomplete transfer")
)
