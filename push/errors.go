// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package push turns push messages into notifications and routes the
// user's response to a notification back into the app.
//
// The Relay is the core: OnPush renders exactly one notification per
// push message, OnInteraction dismisses it and brings the user to the
// notification's target, focusing an open UI context when one is
// already on that path and opening a new one otherwise. Host concerns
// stay behind interfaces: Notifier is the notification surface,
// ClientRegistry the set of open UI contexts, SubscriptionStore the
// persistence for push subscriptions.
//
// A Receiver can feed the Relay from a websocket push gateway; hosts
// with their own delivery channel call OnPush directly.
//
// # Ownership Model
//
// The Relay owns the set of currently shown notifications; it is
// in-memory state and does not survive a restart (a notification from
// a previous process is the platform's to clean up). Subscription
// records are owned by the configured SubscriptionStore.
//
// # Thread Safety
//
// All Relay and Receiver methods are safe for concurrent use.
package push

import "errors"

// Sentinel errors for push operations.
var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidPayload indicates a push payload that is not valid
	// notification JSON.
	ErrInvalidPayload = errors.New("invalid push payload")

	// ErrNotificationNotFound indicates an interaction referencing a
	// notification the relay is not showing.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrInvalidSubscription indicates a subscription record without an
	// endpoint.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrReceiverClosed indicates an operation on a stopped receiver.
	ErrReceiverClosed = errors.New("receiver is closed")
)
