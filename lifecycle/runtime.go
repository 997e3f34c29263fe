// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoActiveVersion indicates no controller has been promoted yet.
var ErrNoActiveVersion = errors.New("no active engine version")

// Runtime is the process-scoped version registry. It holds the single
// Active controller; promoting a new version supersedes the previous
// one. The zero value is not usable; call NewRuntime.
type Runtime struct {
	// promoteMu serializes promotions; active is read lock-free on
	// every request.
	promoteMu sync.Mutex
	active    atomic.Pointer[Controller]
}

// NewRuntime creates an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// Active returns the currently serving controller, or nil before the
// first promotion. Never blocks.
func (r *Runtime) Active() *Controller {
	return r.active.Load()
}

// Promote activates a controller and makes it the serving version.
//
// Description:
//
//	Runs the controller's Activate (store garbage collection plus
//	client claim), then atomically swaps it in as the active version
//	and supersedes the previous one. While activation is in flight the
//	previous version keeps serving; there is no window without an
//	active controller once one exists. A failed activation changes
//	nothing.
//
// Outputs:
//
//	error - The activation error, or nil.
//
// Thread Safety: Safe for concurrent use; promotions are serialized.
func (r *Runtime) Promote(ctx context.Context, c *Controller) error {
	if ctx == nil {
		return ErrNilContext
	}
	if c == nil {
		return errors.New("controller must not be nil")
	}

	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	if err := c.Activate(ctx); err != nil {
		return err
	}

	prev := r.active.Swap(c)
	if prev != nil && prev != c {
		prev.supersede()
	}
	return nil
}
