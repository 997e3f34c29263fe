// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/push"
)

// EventType names an engine event.
type EventType string

// Engine event types.
const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
	EventSync              EventType = "sync"
	EventMessage           EventType = "message"
)

// Event is one occurrence delivered to registered handlers. Only the
// fields matching its Type are set.
type Event struct {
	// Type names the event.
	Type EventType

	// Fetch carries the intercepted request for fetch events.
	Fetch *fetch.Event

	// Response carries the served response for fetch events, nil when
	// serving failed.
	Response *fetch.Response

	// Payload carries the raw push body for push events.
	Payload []byte

	// Notification carries the rendered notification for push and
	// notificationclick events.
	Notification *push.Notification

	// Interaction carries the user's response for notificationclick
	// events.
	Interaction *push.Interaction

	// Tag carries the sync tag for sync events.
	Tag string

	// Message carries an app-defined value for message events.
	Message any
}

// HandlerFunc consumes one event. Returning an error marks the event
// failed for its dispatch.
type HandlerFunc func(ctx context.Context, evt Event) error

// Dispatcher delivers events to registered handlers and tracks the
// background work they spawn.
//
// Description:
//
//	Handlers for a type run sequentially in registration order; an
//	event is settled only when every handler has returned and Dispatch
//	reports their joined errors. Handlers that need work to outlive
//	the dispatch hand it to Go, which the owner drains with Wait
//	before shutdown.
//
// Thread Safety: Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]HandlerFunc

	wg sync.WaitGroup
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]HandlerFunc),
	}
}

// On registers a handler for an event type. Registration order is
// delivery order.
func (d *Dispatcher) On(t EventType, h HandlerFunc) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// Dispatch delivers an event to its handlers and waits for them.
//
// Outputs:
//
//	error - The joined errors of all failing handlers, nil when every
//	        handler succeeded or none is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	d.mu.RLock()
	handlers := d.handlers[evt.Type]
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Go runs fn on a tracked goroutine. Wait blocks until every tracked
// goroutine has finished.
func (d *Dispatcher) Go(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Wait blocks until all tracked background work has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
