// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cryptutil

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadChunkCipher reads a transfer key from path and builds a ChunkCipher
// from it. The file may hold either the raw 32-byte key or its hex
// encoding (64 characters, optional trailing newline) — the latter is the
// friendlier form to hand-provision alongside a TLS cert pair.
func LoadChunkCipher(path string) (*ChunkCipher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: reading key file %s: %w", path, err)
	}

	key := raw
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == KeySize*2 {
		decoded, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("cryptutil: key file %s looks hex-encoded but failed to decode: %w", path, err)
		}
		key = decoded
	}

	return NewChunkCipher(key)
}
