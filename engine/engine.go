// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine assembles the offline engine: request classification,
// caching strategies, the offline action queue, push handling and the
// version lifecycle, over one shared embedded database.
//
// The host intercepts its traffic and hands each request to
// HandleFetch; reconnect signals go to HandleSync, push messages to
// HandlePush, notification interactions to
// HandleNotificationInteraction. Version rollout is Install then
// Activate; a later deploy in the same process goes through Update.
// There is no CLI and no listener here: the engine is a library the
// host embeds.
//
// Requests are gated by the engine's lifecycle state: before
// activation (Installing, Waiting) every request is forwarded straight
// to the network with no cache or queue interaction; after a newer
// version takes over, requests fail with lifecycle.ErrSuperseded.
//
// Registered event handlers observe engine operations. Dispatch is
// synchronous and awaited, but handler errors are logged, never
// propagated into the operation's result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/SKALEZ-A/MorphSave-sub003/classifier"
	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/lifecycle"
	"github.com/SKALEZ-A/MorphSave-sub003/outbox"
	"github.com/SKALEZ-A/MorphSave-sub003/push"
	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
	"github.com/SKALEZ-A/MorphSave-sub003/store"
	"github.com/SKALEZ-A/MorphSave-sub003/strategy"
	"github.com/SKALEZ-A/MorphSave-sub003/telemetry"
)

// Sentinel errors for engine operations.
var (
	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrNilEvent indicates a nil fetch event was passed.
	ErrNilEvent = errors.New("event must not be nil")
)

// Options holds the host-provided collaborators.
type Options struct {
	// Fetcher is the network capability. If nil, a fetch.HTTPFetcher
	// over http.DefaultClient is used.
	Fetcher fetch.Fetcher

	// Notifier renders notifications. Required.
	Notifier push.Notifier

	// Clients is the open UI context registry. Required.
	Clients push.ClientRegistry

	// Logger for engine events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Engine is the embeddable offline engine facade.
//
// Thread Safety: Safe for concurrent use. Version transitions are
// serialized; request handling is lock-free on the hot path.
type Engine struct {
	cfg        Config
	fetcher    fetch.Fetcher
	clients    push.ClientRegistry
	logger     *slog.Logger
	db         *badger.DB
	manager    *store.Manager
	classifier *classifier.Classifier
	queue      *outbox.Queue
	relay      *push.Relay
	receiver   *push.Receiver
	runtime    *lifecycle.Runtime
	dispatcher *Dispatcher

	// strategies and controller swap atomically on Update; readers on
	// the request path never block.
	strategies atomic.Pointer[strategy.Engine]
	controller atomic.Pointer[lifecycle.Controller]

	// versionMu serializes Install, Activate and Update.
	versionMu sync.Mutex
	closed    atomic.Bool
}

// New assembles an engine from configuration and host collaborators.
// The engine owns the embedded database until Close.
//
// Outputs:
//
//	*Engine - Engine in the Installing state; call Install, then
//	          Activate.
//	error - Non-nil if the configuration is invalid or the database
//	        cannot be opened.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier must not be nil")
	}
	if opts.Clients == nil {
		return nil, errors.New("client registry must not be nil")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.NewHTTPFetcher(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("component", "engine"))

	dbCfg := badger.DefaultConfig()
	if cfg.Storage.InMemory {
		dbCfg = badger.InMemoryConfig()
	}
	dbCfg.Path = cfg.Storage.Path
	dbCfg.GCInterval = cfg.Storage.GCInterval
	dbCfg.Logger = opts.Logger

	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		fetcher:    opts.Fetcher,
		clients:    opts.Clients,
		logger:     logger,
		db:         db,
		runtime:    lifecycle.NewRuntime(),
		dispatcher: NewDispatcher(),
		classifier: classifier.New(cfg.Classifier),
	}

	e.manager, err = store.NewManager(store.Config{DB: db, Logger: opts.Logger})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create store manager: %w", err)
	}

	e.queue, err = outbox.NewQueue(outbox.Config{
		DB:          db,
		Fetcher:     opts.Fetcher,
		MaxAttempts: cfg.Queue.MaxAttempts,
		ReplayRate:  rate.Limit(cfg.Queue.ReplayPerSecond),
		ReplayBurst: cfg.Queue.ReplayBurst,
		Logger:      opts.Logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create offline queue: %w", err)
	}

	subs, err := push.NewBadgerSubscriptionStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create subscription store: %w", err)
	}
	e.relay, err = push.NewRelay(push.Config{
		Notifier:      opts.Notifier,
		Clients:       opts.Clients,
		Subscriptions: subs,
		LandingRoute:  cfg.Push.LandingRoute,
		Logger:        opts.Logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create push relay: %w", err)
	}

	if cfg.Push.GatewayURL != "" {
		e.receiver, err = push.NewReceiver(push.ReceiverConfig{
			URL:     cfg.Push.GatewayURL,
			Handler: e.relay,
			Logger:  opts.Logger,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create push receiver: %w", err)
		}
	}

	strategies, controller, err := e.buildVersion(cfg.Version)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.strategies.Store(strategies)
	e.controller.Store(controller)

	logger.Info("engine assembled",
		slog.String("version", cfg.Version),
		slog.Bool("in_memory", cfg.Storage.InMemory))
	return e, nil
}

// buildVersion creates the per-version components.
func (e *Engine) buildVersion(version string) (*strategy.Engine, *lifecycle.Controller, error) {
	strategies, err := strategy.New(strategy.Config{
		Manager:           e.manager,
		Fetcher:           e.fetcher,
		Version:           version,
		Enqueuer:          e.queue,
		CriticalEndpoints: e.cfg.CriticalEndpoints,
		Logger:            e.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create strategy engine: %w", err)
	}

	controller, err := lifecycle.NewController(lifecycle.Config{
		Version:  version,
		BaseURL:  e.cfg.BaseURL,
		Manager:  e.manager,
		Fetcher:  e.fetcher,
		Clients:  e.clients,
		Precache: e.cfg.Precache,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create lifecycle controller: %w", err)
	}
	return strategies, controller, nil
}

// Version returns the engine's current version.
func (e *Engine) Version() string {
	return e.controller.Load().Version()
}

// State returns the current version's lifecycle state.
func (e *Engine) State() lifecycle.State {
	return e.controller.Load().State()
}

// Queue exposes the offline action queue for host inspection.
func (e *Engine) Queue() *outbox.Queue {
	return e.queue
}

// Manager exposes the cache store manager for host diagnostics.
func (e *Engine) Manager() *store.Manager {
	return e.manager
}

// Relay exposes the push relay for subscription management.
func (e *Engine) Relay() *push.Relay {
	return e.relay
}

// DiskUsage returns the embedded database's on-disk size in bytes.
func (e *Engine) DiskUsage() int64 {
	return e.db.DiskUsage()
}

// On registers an event handler. See Dispatcher.
func (e *Engine) On(t EventType, h HandlerFunc) {
	e.dispatcher.On(t, h)
}

// Install pre-warms the current version's static tier. See
// lifecycle.Controller.Install for the all-or-nothing contract.
func (e *Engine) Install(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.versionMu.Lock()
	defer e.versionMu.Unlock()

	if err := e.controller.Load().Install(ctx); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventInstall})
	return nil
}

// Activate makes the current version the serving one and begins push
// reception when a gateway is configured.
func (e *Engine) Activate(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.versionMu.Lock()
	defer e.versionMu.Unlock()

	if err := e.runtime.Promote(ctx, e.controller.Load()); err != nil {
		return err
	}
	if e.receiver != nil {
		if err := e.receiver.Start(); err != nil {
			e.logger.Warn("push receiver start failed", slog.String("error", err.Error()))
		}
	}
	e.emit(ctx, Event{Type: EventActivate})
	return nil
}

// Update rolls the engine forward to a new version.
//
// Description:
//
//	Builds a controller and strategy engine for the new version,
//	installs it (all-or-nothing; the current version keeps serving on
//	failure), then promotes it: the old version's stores are removed,
//	open UI contexts are claimed, and the old controller is
//	superseded. The old strategy engine drains its background
//	refreshes off the request path. Updating to the version already
//	serving is a no-op.
//
// Outputs:
//
//	error - Non-nil if install or promotion failed; the engine then
//	        still serves the previous version.
//
// Thread Safety: Safe for concurrent use; transitions are serialized.
func (e *Engine) Update(ctx context.Context, version string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if version == "" {
		return errors.New("version must not be empty")
	}

	e.versionMu.Lock()
	defer e.versionMu.Unlock()

	if version == e.controller.Load().Version() {
		return nil
	}

	strategies, controller, err := e.buildVersion(version)
	if err != nil {
		return err
	}
	if err := controller.Install(ctx); err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}
	e.emit(ctx, Event{Type: EventInstall})

	if err := e.runtime.Promote(ctx, controller); err != nil {
		return fmt.Errorf("promote %s: %w", version, err)
	}

	old := e.strategies.Swap(strategies)
	e.controller.Store(controller)
	e.dispatcher.Go(func() {
		if err := old.Close(); err != nil {
			e.logger.Warn("old strategy engine close failed", slog.String("error", err.Error()))
		}
	})

	e.emit(ctx, Event{Type: EventActivate})
	e.logger.Info("engine updated", slog.String("version", version))
	return nil
}

// HandleFetch serves one intercepted request.
//
// Description:
//
//	The interception point. Requests are gated by lifecycle state:
//	Active requests are classified and served through their caching
//	strategy; before activation they are forwarded straight to the
//	network; after supersession they fail with lifecycle.ErrSuperseded.
//	Fetch event handlers observe the outcome either way.
//
// Outputs:
//
//	*fetch.Response - The served response (network, cache or
//	                  synthesized), nil on error.
//	error - The strategy's or transport's error where no fallback is
//	        defined.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) HandleFetch(ctx context.Context, evt *fetch.Event) (*fetch.Response, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if evt == nil || evt.Request == nil {
		return nil, ErrNilEvent
	}

	var (
		resp *fetch.Response
		err  error
	)
	switch e.controller.Load().State() {
	case lifecycle.StateSuperseded:
		return nil, lifecycle.ErrSuperseded
	case lifecycle.StateActive:
		dec := e.classifier.Classify(evt.Request)
		resp, err = e.strategies.Load().Execute(ctx, dec, evt.Request)
	default:
		// Not yet serving: the network sees the request untouched.
		resp, err = e.fetcher.Do(ctx, evt.Request)
	}

	e.emit(ctx, Event{Type: EventFetch, Fetch: evt, Response: resp})
	return resp, err
}

// HandlePush renders a notification from one push message.
func (e *Engine) HandlePush(ctx context.Context, payload []byte) (push.Notification, error) {
	if e.closed.Load() {
		return push.Notification{}, ErrClosed
	}

	n, err := e.relay.OnPush(ctx, payload)
	if err != nil {
		return push.Notification{}, err
	}
	e.emit(ctx, Event{Type: EventPush, Payload: payload, Notification: &n})
	return n, nil
}

// HandleNotificationInteraction routes the user's response to a shown
// notification.
func (e *Engine) HandleNotificationInteraction(ctx context.Context, interaction push.Interaction) error {
	if e.closed.Load() {
		return ErrClosed
	}

	if err := e.relay.OnInteraction(ctx, interaction); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventNotificationClick, Interaction: &interaction})
	return nil
}

// HandleSync drains the offline action queue on a reconnect signal.
func (e *Engine) HandleSync(ctx context.Context, tag string) (outbox.DrainResult, error) {
	if e.closed.Load() {
		return outbox.DrainResult{}, ErrClosed
	}

	result, err := e.queue.Drain(ctx)
	if err != nil {
		return result, err
	}
	e.emit(ctx, Event{Type: EventSync, Tag: tag})
	return result, nil
}

// HandleMessage delivers an app-defined message to registered handlers.
func (e *Engine) HandleMessage(ctx context.Context, msg any) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.dispatcher.Dispatch(ctx, Event{Type: EventMessage, Message: msg})
}

// emit delivers an event to observers. Handler failures are logged,
// never surfaced into the operation's result.
func (e *Engine) emit(ctx context.Context, evt Event) {
	if err := e.dispatcher.Dispatch(ctx, evt); err != nil {
		telemetry.LoggerWithTrace(ctx, e.logger).Warn("event handler failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()))
	}
}

// Close shuts the engine down: push reception stops, tracked background
// work and refreshes drain, and the database closes. Safe to call more
// than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if e.receiver != nil {
		e.receiver.Stop()
	}
	e.dispatcher.Wait()

	if err := e.strategies.Load().Close(); err != nil {
		e.logger.Warn("strategy engine close failed", slog.String("error", err.Error()))
	}
	if err := e.queue.Close(); err != nil {
		e.logger.Warn("queue close failed", slog.String("error", err.Error()))
	}

	err := e.db.Close()
	e.logger.Info("engine closed")
	return err
}
