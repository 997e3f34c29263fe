// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle moves one engine version through its states:
//
//	Installing -> Waiting -> Active -> Superseded
//
// Install pre-warms the current version's static tier from the precache
// manifest as an all-or-nothing batch. Activate garbage-collects every
// store that does not belong to the current version and takes over the
// open UI contexts. A Runtime holds the single Active controller per
// process; promoting a new version supersedes the previous one. There
// is no rollback: once activation has removed the old version's stores,
// the only way forward is another install.
//
// # Thread Safety
//
// Controller and Runtime methods are safe for concurrent use. State
// transitions are serialized per controller.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/push"
	"github.com/SKALEZ-A/MorphSave-sub003/store"
)

// Tracer for lifecycle transitions.
var tracer = otel.Tracer("morphsave.lifecycle")

// Sentinel errors for lifecycle operations.
var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrSuperseded indicates the controller was replaced by a newer
	// version and no longer serves.
	ErrSuperseded = errors.New("engine version superseded")

	// ErrInvalidTransition indicates an operation that is not valid in
	// the controller's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// State is a controller's position in the version lifecycle.
type State int32

// Lifecycle states, in order.
const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateSuperseded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DefaultPrecacheManifest returns the app shell routes warmed during
// install.
func DefaultPrecacheManifest() []string {
	return []string{
		"/",
		"/offline",
		"/manifest.json",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
	}
}

// Config holds configuration for a Controller.
type Config struct {
	// Version names this engine version (e.g. "v2"). Required; store
	// names derive from it.
	Version string

	// BaseURL is the app origin precache paths resolve against.
	// Required.
	BaseURL string

	// Manager owns the cache tier stores. Required.
	Manager *store.Manager

	// Fetcher performs the precache fetches. Required.
	Fetcher fetch.Fetcher

	// Clients is the open UI context registry claimed on activation.
	// Optional; nil skips the claim.
	Clients push.ClientRegistry

	// Precache lists the paths warmed during install. If empty,
	// DefaultPrecacheManifest() is used.
	Precache []string

	// Logger for lifecycle events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Version == "" {
		return errors.New("version is required")
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.Manager == nil {
		return errors.New("manager must not be nil")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher must not be nil")
	}
	return nil
}

// Controller drives one engine version through the lifecycle.
//
// State reads never block: the request gate polls State on every fetch
// event, including while an install batch is in flight.
type Controller struct {
	version  string
	baseURL  *url.URL
	manager  *store.Manager
	fetcher  fetch.Fetcher
	clients  push.ClientRegistry
	precache []string
	logger   *slog.Logger

	// opMu serializes Install and Activate; state carries the
	// lifecycle position for lock-free reads.
	opMu  sync.Mutex
	state atomic.Int32
}

// NewController creates a controller in the Installing state.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if len(cfg.Precache) == 0 {
		cfg.Precache = DefaultPrecacheManifest()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		version:  cfg.Version,
		baseURL:  base,
		manager:  cfg.Manager,
		fetcher:  cfg.Fetcher,
		clients:  cfg.Clients,
		precache: append([]string(nil), cfg.Precache...),
		logger: cfg.Logger.With(
			slog.String("component", "lifecycle"),
			slog.String("version", cfg.Version),
		),
	}
	c.state.Store(int32(StateInstalling))
	return c, nil
}

// Version returns the version this controller manages.
func (c *Controller) Version() string {
	return c.version
}

// State returns the controller's current lifecycle state. Never blocks,
// even while Install or Activate is running.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// StoreNames returns this version's three tier store names.
func (c *Controller) StoreNames() []string {
	names := make([]string, 0, len(store.Tiers()))
	for _, tier := range store.Tiers() {
		names = append(names, store.Name(tier, c.version))
	}
	return names
}

// Install pre-warms the static tier from the precache manifest.
//
// Description:
//
//	Fetches every manifest entry concurrently and writes the responses
//	into this version's static store. The batch is all-or-nothing: the
//	first failure cancels the remaining fetches, the partial store is
//	deleted, the controller stays in Installing, and the error is
//	returned. The previously active version keeps serving untouched.
//	On success the controller moves to Waiting.
//
// Outputs:
//
//	error - Non-nil if any manifest entry failed to fetch or cache, or
//	        ErrSuperseded if a newer version took over mid-install.
//
// Thread Safety: Safe for concurrent use; one Install runs at a time.
func (c *Controller) Install(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateInstalling:
	case StateSuperseded:
		return ErrSuperseded
	default:
		return fmt.Errorf("%w: cannot install from %s", ErrInvalidTransition, c.State())
	}

	ctx, span := tracer.Start(ctx, "lifecycle.Install",
		trace.WithAttributes(
			attribute.String("version", c.version),
			attribute.Int("manifest_entries", len(c.precache)),
		))
	defer span.End()

	start := time.Now()
	staticName := store.Name(store.TierStatic, c.version)
	staticStore, err := c.manager.OpenStore(ctx, staticName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open static store failed")
		return fmt.Errorf("open static store: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, path := range c.precache {
		path := path
		g.Go(func() error {
			return c.precacheOne(gCtx, staticStore, path)
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precache failed")

		// All-or-nothing: a partial static store must not survive.
		// The cleanup runs even when ctx itself was cancelled.
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := c.manager.DeleteStore(cleanupCtx, staticName); derr != nil &&
			!errors.Is(derr, store.ErrStoreNotFound) {
			c.logger.Error("partial static store cleanup failed",
				slog.String("store", staticName),
				slog.String("error", derr.Error()))
		}

		c.logger.Warn("install failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("precache %s: %w", c.version, err)
	}

	// A supersession that landed mid-install wins; the orphaned store
	// is removed by the winner's activation.
	if !c.state.CompareAndSwap(int32(StateInstalling), int32(StateWaiting)) {
		return ErrSuperseded
	}
	c.logger.Info("install complete",
		slog.Int("precached", len(c.precache)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// precacheOne fetches one manifest entry and writes it to the static
// store.
func (c *Controller) precacheOne(ctx context.Context, s *store.Store, path string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("manifest entry %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)

	req, err := fetch.NewRequest("GET", target.String())
	if err != nil {
		return fmt.Errorf("manifest entry %q: %w", path, err)
	}

	resp, err := c.fetcher.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	if !resp.OK() {
		return fmt.Errorf("fetch %s: status %d", target, resp.Status)
	}

	entry := store.Entry{
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	}
	if err := s.Put(ctx, req.CacheKey(), entry); err != nil {
		return fmt.Errorf("cache %s: %w", target, err)
	}
	return nil
}

// Activate makes this version the serving one.
//
// Description:
//
//	Opens the three current tier stores, removes every other store
//	(the previous version's tiers and anything unrecognized), and
//	moves to Active. With a client registry configured, open UI
//	contexts are claimed so they route through this version without a
//	reload; a claim failure is logged but does not undo activation,
//	because the old version's stores are already gone.
//
// Outputs:
//
//	error - ErrInvalidTransition unless the controller is Waiting,
//	        ErrSuperseded after supersession, or a store error.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) Activate(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateWaiting:
	case StateSuperseded:
		return ErrSuperseded
	default:
		return fmt.Errorf("%w: cannot activate from %s", ErrInvalidTransition, c.State())
	}

	ctx, span := tracer.Start(ctx, "lifecycle.Activate",
		trace.WithAttributes(attribute.String("version", c.version)))
	defer span.End()

	keep := c.StoreNames()
	for _, name := range keep {
		if _, err := c.manager.OpenStore(ctx, name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "open tier store failed")
			return fmt.Errorf("open store %s: %w", name, err)
		}
	}

	removed, err := c.manager.RemoveStoresExcept(ctx, keep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store gc failed")
		return fmt.Errorf("remove stale stores: %w", err)
	}

	if !c.state.CompareAndSwap(int32(StateWaiting), int32(StateActive)) {
		return ErrSuperseded
	}
	span.SetAttributes(attribute.Int("stores_removed", len(removed)))
	c.logger.Info("activated",
		slog.Any("removed_stores", removed))

	if c.clients != nil {
		if err := c.clients.Claim(ctx); err != nil {
			c.logger.Warn("client claim failed",
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// supersede marks the controller replaced. Called by the Runtime when a
// newer version activates. Superseded is terminal.
func (c *Controller) supersede() {
	if State(c.state.Swap(int32(StateSuperseded))) != StateSuperseded {
		c.logger.Info("superseded")
	}
}
