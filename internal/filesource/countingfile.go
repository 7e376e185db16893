// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filesource

import (
	"fmt"
	"io"
	"os"
)

// countingFile wraps an *os.File and invokes onRead with every successful
// Read's byte count, used to drive an archived transfer's progress
// counter without the archiver itself needing to know about pre-
// compression sizes.
type countingFile struct {
	f      *os.File
	onRead func(n int)
}

func newCountingFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filesource: opening %s: %w", path, err)
	}
	return &countingFile{f: f}, nil
}

func (c *countingFile) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

func (c *countingFile) Close() error {
	return c.f.Close()
}
