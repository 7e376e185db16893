// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sink implements the receiver's destination-sink port (§6): a
// random-access-writable-at-position backend when the destination
// supports it (so the Receiver Writer can truncate to the final byte
// count on finalize), falling back to a strictly sequential backend when
// it doesn't. Two concrete backends are provided, both adapted from the
// teacher's storage layer: a local-disk backend built on the same
// temp-file-then-commit discipline as AtomicWriter, and an S3 multipart
// upload backend for destinations configured with object storage.
package sink

import (
	"context"
	"fmt"
)

// Sink is the capability every destination backend exposes. WriteAt must
// only ever be called with off equal to the sink's own running
// bytes-written counter — the Receiver Writer is strictly sequential
// (§4.6) — but the interface still takes an offset so both backends share
// one signature and the local backend can validate it.
type Sink interface {
	// WriteAt appends p at the given absolute offset.
	WriteAt(ctx context.Context, p []byte, off int64) error

	// Truncate cuts the destination to exactly size bytes once the
	// transfer is known to be complete. Backends that cannot truncate
	// (e.g. a streaming object-storage upload) treat this as a no-op
	// provided they never buffered past size.
	Truncate(ctx context.Context, size int64) error

	// Close commits the destination (rename into place, complete a
	// multipart upload, ...) and releases any resources.
	Close(ctx context.Context) error

	// Abort discards a partially written destination after a fatal
	// error, instead of committing it.
	Abort(ctx context.Context) error

	// SupportsRandomAccess reports whether WriteAt may be called with
	// out-of-order offsets. The Receiver Writer only ever writes
	// sequentially, so this currently only affects whether Truncate is
	// meaningful; kept as a capability query per §6's "two variants"
	// design note (§9).
	SupportsRandomAccess() bool
}

// errNotImplemented is returned by backend stubs that a given build omits.
var errNotImplemented = fmt.Errorf("sink: backend not compiled in")
