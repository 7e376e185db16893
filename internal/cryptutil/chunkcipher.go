// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cryptutil implements per-chunk AES-256-GCM sealing with a
// deterministic IV derived from the packet's chunk index, so chunks can be
// sealed and opened independently and out of band without ever
// transmitting a nonce.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// TagSize is the AES-GCM authentication tag length appended to every
// ciphertext.
const TagSize = 16

// ErrDecryptFailure is returned when GCM authentication fails for a chunk;
// this is fatal for the affected transfer.
var ErrDecryptFailure = errors.New("cryptutil: chunk authentication failed")

// ChunkCipher seals and opens packet payloads under one 256-bit key, one
// transfer at a time. It is stateless beyond the key and safe for
// concurrent use across chunks.
type ChunkCipher struct {
	aead cipher.AEAD
}

// NewChunkCipher builds a ChunkCipher from a 256-bit key.
func NewChunkCipher(key []byte) (*ChunkCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptutil: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: building AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: building GCM mode: %w", err)
	}

	return &ChunkCipher{aead: aead}, nil
}

// iv derives the 12-byte nonce for a chunk: the first 8 bytes are zero, the
// last 4 are the big-endian chunk index. This makes the nonce unique per
// chunk within a transfer without ever being transmitted.
func iv(chunkIndex uint32) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint32(nonce[8:], chunkIndex)
	return nonce
}

// Seal encrypts plaintext for the given chunk index, returning
// ciphertext||tag (TagSize bytes longer than plaintext).
func (c *ChunkCipher) Seal(chunkIndex uint32, plaintext []byte) []byte {
	return c.aead.Seal(nil, iv(chunkIndex), plaintext, nil)
}

// Open authenticates and decrypts a sealed chunk. ciphertext must include
// the trailing auth tag as produced by Seal.
func (c *ChunkCipher) Open(chunkIndex uint32, ciphertext []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, iv(chunkIndex), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrDecryptFailure, chunkIndex, err)
	}
	return plaintext, nil
}
