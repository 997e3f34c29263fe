// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLandingRoute is where interactions land when the payload names
// no target.
const DefaultLandingRoute = "/dashboard"

// Notification is one rendered notification.
type Notification struct {
	// ID uniquely identifies the notification.
	ID string

	// Title is the notification headline.
	Title string

	// Body is the notification text.
	Body string

	// Icon is an optional icon URL.
	Icon string

	// Badge is an optional badge URL.
	Badge string

	// TargetURL is where an interaction takes the user.
	TargetURL string

	// Data carries the payload's app-defined values.
	Data map[string]any
}

// Notifier is the host's notification surface.
type Notifier interface {
	// Show renders a notification. Replacing an existing notification
	// with the same ID is the host's concern.
	Show(ctx context.Context, n Notification) error

	// Dismiss removes a rendered notification. Dismissing an unknown ID
	// is a no-op.
	Dismiss(ctx context.Context, id string) error
}

// Client is one open UI context (a tab or window).
type Client struct {
	// ID uniquely identifies the context.
	ID string

	// URL is the context's current location.
	URL string

	// Focused reports whether the context currently has focus.
	Focused bool
}

// ClientRegistry enumerates and controls the open UI contexts.
type ClientRegistry interface {
	// List returns the open contexts.
	List(ctx context.Context) ([]Client, error)

	// Focus brings a context to the foreground.
	Focus(ctx context.Context, clientID string) error

	// OpenWindow opens a new context at the given URL.
	OpenWindow(ctx context.Context, targetURL string) error

	// Claim routes all open contexts to the engine that calls it.
	Claim(ctx context.Context) error
}

// Interaction is the user's response to a shown notification.
type Interaction struct {
	// NotificationID names the notification that was interacted with.
	NotificationID string

	// Action is the action button that was pressed, empty for a plain
	// click.
	Action string
}

// Config holds configuration for a Relay.
type Config struct {
	// Notifier renders notifications. Required.
	Notifier Notifier

	// Clients is the open UI context registry. Required.
	Clients ClientRegistry

	// Subscriptions persists push subscription records. Required.
	Subscriptions SubscriptionStore

	// LandingRoute is the target for payloads that name none.
	// Default: /dashboard.
	LandingRoute string

	// Logger for push events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Notifier == nil {
		return errors.New("notifier must not be nil")
	}
	if c.Clients == nil {
		return errors.New("client registry must not be nil")
	}
	if c.Subscriptions == nil {
		return errors.New("subscription store must not be nil")
	}
	return nil
}

// Relay turns push messages into notifications and routes interactions.
// See the package documentation for ownership.
type Relay struct {
	notifier     Notifier
	clients      ClientRegistry
	subs         SubscriptionStore
	landingRoute string
	logger       *slog.Logger

	mu    sync.Mutex
	shown map[string]Notification
}

// NewRelay creates a push relay.
func NewRelay(cfg Config) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LandingRoute == "" {
		cfg.LandingRoute = DefaultLandingRoute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Relay{
		notifier:     cfg.Notifier,
		clients:      cfg.Clients,
		subs:         cfg.Subscriptions,
		landingRoute: cfg.LandingRoute,
		logger:       cfg.Logger.With(slog.String("component", "push")),
		shown:        make(map[string]Notification),
	}, nil
}

// OnPush handles one incoming push message.
//
// Description:
//
//	Decodes and validates the payload, then renders exactly one
//	notification through the Notifier. The notification's target is
//	the payload's data.url, or the landing route when absent. Returns
//	once the render call completed; the notification stays tracked
//	until an interaction dismisses it.
//
// Outputs:
//
//	Notification - The rendered notification, ID assigned.
//	error - ErrInvalidPayload for bad bodies, or the Notifier's error.
//
// Thread Safety: Safe for concurrent use.
func (r *Relay) OnPush(ctx context.Context, payload []byte) (Notification, error) {
	if ctx == nil {
		return Notification{}, ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "push.OnPush")
	defer span.End()

	p, err := DecodePayload(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		r.logger.Warn("dropping invalid push payload", slog.String("error", err.Error()))
		return Notification{}, err
	}

	n := Notification{
		ID:        uuid.New().String(),
		Title:     p.Title,
		Body:      p.Body,
		Icon:      p.Icon,
		Badge:     p.Badge,
		TargetURL: p.TargetURL(r.landingRoute),
		Data:      p.Data,
	}
	span.SetAttributes(attribute.String("notification_id", n.ID))

	if err := r.notifier.Show(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "show failed")
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}

	r.mu.Lock()
	r.shown[n.ID] = n
	r.mu.Unlock()

	recordShown(ctx)
	r.logger.Info("notification shown",
		slog.String("id", n.ID),
		slog.String("title", n.Title),
		slog.String("target", n.TargetURL))
	return n, nil
}

// OnInteraction handles the user's response to a notification.
//
// Description:
//
//	Dismisses the notification, then brings the user to its target:
//	the first open UI context whose URL path matches the target path
//	is focused; with no match, a new context opens at the target.
//
// Outputs:
//
//	error - ErrNotificationNotFound for unknown IDs, or the registry's
//	        error when focusing or opening fails.
//
// Thread Safety: Safe for concurrent use.
func (r *Relay) OnInteraction(ctx context.Context, interaction Interaction) error {
	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "push.OnInteraction",
		trace.WithAttributes(attribute.String("notification_id", interaction.NotificationID)))
	defer span.End()

	r.mu.Lock()
	n, ok := r.shown[interaction.NotificationID]
	if ok {
		delete(r.shown, interaction.NotificationID)
	}
	r.mu.Unlock()

	if !ok {
		span.SetStatus(codes.Error, "unknown notification")
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, interaction.NotificationID)
	}

	if err := r.notifier.Dismiss(ctx, n.ID); err != nil {
		// The notification may already be gone from the surface; the
		// navigation below must still happen.
		r.logger.Warn("dismiss failed",
			slog.String("id", n.ID),
			slog.String("error", err.Error()))
	}

	clients, err := r.clients.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list clients failed")
		return fmt.Errorf("list clients: %w", err)
	}

	targetPath := urlPath(n.TargetURL)
	for _, client := range clients {
		if urlPath(client.URL) != targetPath {
			continue
		}
		if err := r.clients.Focus(ctx, client.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "focus failed")
			return fmt.Errorf("focus client %s: %w", client.ID, err)
		}
		recordInteraction(ctx, "focused")
		r.logger.Info("interaction focused existing context",
			slog.String("id", n.ID),
			slog.String("client_id", client.ID),
			slog.String("target", n.TargetURL))
		return nil
	}

	if err := r.clients.OpenWindow(ctx, n.TargetURL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open window failed")
		return fmt.Errorf("open window: %w", err)
	}
	recordInteraction(ctx, "opened")
	r.logger.Info("interaction opened new context",
		slog.String("id", n.ID),
		slog.String("target", n.TargetURL))
	return nil
}

// Showing returns the IDs of notifications rendered but not yet
// interacted with, for host inspection.
func (r *Relay) Showing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.shown))
	for id := range r.shown {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe persists a push subscription record.
func (r *Relay) Subscribe(ctx context.Context, record SubscriptionRecord) error {
	if ctx == nil {
		return ErrNilContext
	}
	if record.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := r.subs.Save(ctx, record); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	r.logger.Info("push subscription saved", slog.String("endpoint", record.Endpoint))
	return nil
}

// Unsubscribe removes a push subscription record. Removing an unknown
// endpoint is a no-op.
func (r *Relay) Unsubscribe(ctx context.Context, endpoint string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := r.subs.Delete(ctx, endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	r.logger.Info("push subscription removed", slog.String("endpoint", endpoint))
	return nil
}

// Subscriptions returns the persisted subscription records.
func (r *Relay) Subscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	return r.subs.List(ctx)
}

// urlPath extracts the path component for context matching. Relative
// targets like "/dashboard" compare equal to absolute URLs on the same
// path.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}
