// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package outbox implements the offline action queue: a durable FIFO of
// mutating requests that failed on the network, replayed when the
// reconnect signal arrives.
//
// # Ownership Model
//
// The Queue exclusively owns its action records. Other components hand
// requests in via EnqueueRequest and observe the queue only through
// Len and Actions; nothing else reads or writes the records.
//
// # Ordering and Removal
//
// Actions are stored under zero-padded sequence keys, so the store's
// lexical key order is enqueue order. A drain pass replays strictly in
// that order and removes an action only after a confirmed replay. A
// retryable failure increments the action's attempt count in place
// (same key, same position) and stops the pass; the next reconnect
// signal starts the next pass.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Overlapping Drain calls
// coalesce: while one pass runs, further calls return immediately
// without touching the queue.
package outbox

import "errors"

// Sentinel errors for queue operations.
var (
	// ErrNilContext is returned when a nil context is passed to an
	// operation that requires one.
	ErrNilContext = errors.New("context must not be nil")

	// ErrQueueClosed is returned for operations on a closed Queue.
	ErrQueueClosed = errors.New("offline queue is closed")

	// ErrInvalidAction is returned when an action is missing its
	// method or URL.
	ErrInvalidAction = errors.New("invalid offline action")

	// ErrCorruptAction is returned when a stored action fails its
	// checksum or cannot be decoded.
	ErrCorruptAction = errors.New("corrupt offline action")
)
