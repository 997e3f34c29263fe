// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy implements the caching strategies the engine applies
// to classified requests: cache-first, cache-first with background
// refresh, network-first with cache fallback, network-first for
// navigation, and pass-through.
//
// # Clone Before Cache
//
// Response bodies are owned, single-consumption buffers (see the fetch
// package). Every store write in this package happens on a Clone() of
// the response; the original is returned to the caller untouched. This
// is an invariant, not an optimization concern: sharing one buffer
// would let a caller mutate cached bytes.
//
// # Staleness Window
//
// Background refreshes race with foreground reads of the same key. A
// reader may observe the old or the new entry depending on timing; the
// refreshed entry is guaranteed only for requests that start after the
// refresh write completes. This window is accepted and documented
// behavior.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/SKALEZ-A/MorphSave-sub003/classifier"
	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/store"
)

// Sentinel errors for strategy execution.
var (
	// ErrEngineClosed is returned for executions after Close.
	ErrEngineClosed = errors.New("strategy engine is closed")

	// ErrUnknownStrategy is returned when a decision names a strategy
	// this engine does not implement.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Enqueuer queues a failed mutating request for later replay. The
// outbox package provides the durable implementation.
type Enqueuer interface {
	EnqueueRequest(ctx context.Context, req *fetch.Request) error
}

// Config holds configuration for the strategy Engine.
type Config struct {
	// Manager is the cache store manager. Required.
	Manager *store.Manager

	// Fetcher is the network capability. Required.
	Fetcher fetch.Fetcher

	// Version is the current deploy version; tiers resolve to stores
	// named "<Version>-<tier>". Required.
	Version string

	// Enqueuer receives mutating requests that failed on the network.
	// Optional; without it, pass-through failures are only propagated.
	Enqueuer Enqueuer

	// CriticalEndpoints lists path prefixes that receive a synthesized
	// offline JSON response instead of a raw network failure.
	// Default: "/api/auth/me".
	CriticalEndpoints []string

	// Logger for strategy events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Manager == nil {
		return errors.New("manager must not be nil")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher must not be nil")
	}
	if c.Version == "" {
		return errors.New("version must not be empty")
	}
	return nil
}

// DefaultCriticalEndpoints returns the endpoints that must degrade to a
// structured offline response rather than a raw failure.
func DefaultCriticalEndpoints() []string {
	return []string{"/api/auth/me"}
}

// Engine executes caching strategies against the store manager and the
// network.
//
// Thread Safety: Safe for concurrent use. Close waits for in-flight
// background refreshes to finish.
type Engine struct {
	manager   *store.Manager
	fetcher   fetch.Fetcher
	version   string
	enqueuer  Enqueuer
	criticals []string
	logger    *slog.Logger

	// refreshGroup collapses concurrent refreshes of the same key.
	refreshGroup singleflight.Group
	refreshWG    sync.WaitGroup

	// opened memoizes store handles by name.
	opened sync.Map

	closed atomic.Bool
}

// New creates a strategy Engine.
//
// Outputs:
//
//	*Engine - Ready for use.
//	error - Non-nil if the configuration is invalid.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.CriticalEndpoints) == 0 {
		cfg.CriticalEndpoints = DefaultCriticalEndpoints()
	}

	return &Engine{
		manager:   cfg.Manager,
		fetcher:   cfg.Fetcher,
		version:   cfg.Version,
		enqueuer:  cfg.Enqueuer,
		criticals: cfg.CriticalEndpoints,
		logger:    cfg.Logger.With(slog.String("component", "strategy")),
	}, nil
}

// Close stops accepting executions and waits for background refreshes.
func (e *Engine) Close() error {
	e.closed.Store(true)
	e.refreshWG.Wait()
	return nil
}

// Execute runs the decided strategy for one request.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	dec - Classification result for the request.
//	req - The intercepted request.
//
// Outputs:
//
//	*fetch.Response - The served response (network, cache or synthesized).
//	error - Non-nil where the strategy defines no fallback.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Execute(ctx context.Context, dec classifier.Decision, req *fetch.Request) (*fetch.Response, error) {
	if ctx == nil {
		return nil, store.ErrNilContext
	}
	if req == nil {
		return nil, fetch.ErrNilRequest
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	ctx, span := tracer.Start(ctx, "Strategy.Execute",
		trace.WithAttributes(
			attribute.String("strategy", string(dec.Strategy)),
			attribute.String("tier", string(dec.Tier)),
			attribute.String("method", req.Method),
		))
	defer span.End()

	resp, err := e.execute(ctx, dec, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "strategy failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("status", resp.Status))
	return resp, nil
}

func (e *Engine) execute(ctx context.Context, dec classifier.Decision, req *fetch.Request) (*fetch.Response, error) {
	switch dec.Strategy {
	case classifier.StrategyCacheFirst:
		return e.cacheFirst(ctx, dec.Tier, req)
	case classifier.StrategyCacheFirstRefresh:
		return e.cacheFirstRefresh(ctx, dec.Tier, req)
	case classifier.StrategyNetworkFirst:
		return e.networkFirst(ctx, dec.Tier, req)
	case classifier.StrategyNetworkFirstNav:
		return e.networkFirstNav(ctx, dec.Tier, req)
	case classifier.StrategyPassThrough:
		return e.passThrough(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, dec.Strategy)
	}
}

// cacheFirst serves from cache, fetching and storing only on a miss.
// Network failures propagate; build assets have no offline fallback.
func (e *Engine) cacheFirst(ctx context.Context, tier store.Tier, req *fetch.Request) (*fetch.Response, error) {
	st, err := e.storeFor(ctx, tier)
	if err != nil {
		return nil, err
	}

	key := req.CacheKey()
	entry, err := st.Get(ctx, key)
	if err == nil {
		recordHit(ctx, string(tier))
		return entryResponse(entry), nil
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	recordMiss(ctx, string(tier))
	resp, err := e.fetch(ctx, "cache-first", req)
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		e.storeResponse(ctx, st, key, resp)
	}
	return resp, nil
}

// cacheFirstRefresh serves the cached entry immediately and refreshes it
// in the background for the next request. On a miss it fetches like
// cache-first, except the image tier degrades to a placeholder instead
// of propagating a network failure.
func (e *Engine) cacheFirstRefresh(ctx context.Context, tier store.Tier, req *fetch.Request) (*fetch.Response, error) {
	st, err := e.storeFor(ctx, tier)
	if err != nil {
		return nil, err
	}

	key := req.CacheKey()
	entry, err := st.Get(ctx, key)
	if err == nil {
		recordHit(ctx, string(tier))
		e.scheduleRefresh(ctx, st, key, req)
		return entryResponse(entry), nil
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	recordMiss(ctx, string(tier))
	resp, err := e.fetch(ctx, "cache-first-refresh", req)
	if err != nil {
		if tier == store.TierImage {
			recordFallback(ctx, "placeholder")
			e.logger.Debug("serving image placeholder",
				slog.String("url", req.URL.String()))
			return PlaceholderImage(), nil
		}
		return nil, err
	}
	if resp.OK() {
		e.storeResponse(ctx, st, key, resp)
	}
	return resp, nil
}

// networkFirst fetches from the network, storing successes. On network
// failure it falls back to the cached entry; critical endpoints with no
// entry receive the synthesized offline JSON response, everything else
// propagates the failure.
func (e *Engine) networkFirst(ctx context.Context, tier store.Tier, req *fetch.Request) (*fetch.Response, error) {
	st, err := e.storeFor(ctx, tier)
	if err != nil {
		return nil, err
	}

	key := req.CacheKey()
	resp, err := e.fetch(ctx, "network-first", req)
	if err == nil {
		if resp.OK() {
			e.storeResponse(ctx, st, key, resp)
		}
		return resp, nil
	}

	entry, gerr := st.Get(ctx, key)
	if gerr == nil {
		recordFallback(ctx, "cached")
		e.logger.Debug("network failed, serving cached entry",
			slog.String("url", req.URL.String()),
			slog.Time("stored_at", entry.StoredAt))
		return entryResponse(entry), nil
	}

	if e.isCritical(req.URL.Path) {
		recordFallback(ctx, "offline_json")
		e.logger.Info("critical endpoint offline, serving synthesized response",
			slog.String("path", req.URL.Path))
		return OfflineJSON(), nil
	}
	return nil, err
}

// networkFirstNav fetches like network-first but its terminal fallback
// is the generic offline page rather than an error.
func (e *Engine) networkFirstNav(ctx context.Context, tier store.Tier, req *fetch.Request) (*fetch.Response, error) {
	st, err := e.storeFor(ctx, tier)
	if err != nil {
		return nil, err
	}

	key := req.CacheKey()
	resp, err := e.fetch(ctx, "network-first-navigation", req)
	if err == nil {
		if resp.OK() {
			e.storeResponse(ctx, st, key, resp)
		}
		return resp, nil
	}

	entry, gerr := st.Get(ctx, key)
	if gerr == nil {
		recordFallback(ctx, "cached")
		return entryResponse(entry), nil
	}

	recordFallback(ctx, "offline_page")
	e.logger.Info("navigation offline with no cached document",
		slog.String("url", req.URL.String()))
	return OfflinePage(), nil
}

// passThrough forwards the request untouched. A transport failure of a
// mutating request is queued for replay before the failure propagates;
// the caller still observes the error so it can present a pending state.
func (e *Engine) passThrough(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, err := e.fetch(ctx, "pass-through", req)
	if err == nil {
		return resp, nil
	}

	if !req.IsGET() && e.enqueuer != nil {
		if qerr := e.enqueuer.EnqueueRequest(ctx, req); qerr != nil {
			e.logger.Error("failed to queue offline action",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()),
				slog.String("error", qerr.Error()))
		} else {
			e.logger.Info("action queued for replay",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()))
		}
	}
	return nil, err
}

// scheduleRefresh starts a deduplicated background refresh of key. The
// refresh is detached from the request's cancellation but keeps its
// trace context; failures are swallowed.
func (e *Engine) scheduleRefresh(ctx context.Context, st *store.Store, key string, req *fetch.Request) {
	bgCtx := context.WithoutCancel(ctx)
	dup := req.Clone()

	e.refreshWG.Add(1)
	go func() {
		defer e.refreshWG.Done()

		_, _, _ = e.refreshGroup.Do(key, func() (any, error) {
			resp, err := e.fetcher.Do(bgCtx, dup)
			if err != nil {
				recordRefresh(bgCtx, "error")
				e.logger.Debug("background refresh failed",
					slog.String("key", key),
					slog.String("error", err.Error()))
				return nil, nil
			}
			if !resp.OK() {
				recordRefresh(bgCtx, "error")
				return nil, nil
			}

			e.storeResponse(bgCtx, st, key, resp)
			recordRefresh(bgCtx, "ok")
			return nil, nil
		})
	}()
}

// storeResponse writes a clone of resp under key. A failed cache write
// never fails the request that produced the response; it is logged and
// counted only.
func (e *Engine) storeResponse(ctx context.Context, st *store.Store, key string, resp *fetch.Response) {
	dup := resp.Clone()
	err := st.Put(ctx, key, store.Entry{
		Status: dup.Status,
		Header: dup.Header,
		Body:   dup.Body,
	})
	if err != nil {
		e.logger.Warn("cache write failed",
			slog.String("store", st.Name()),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// fetch performs one network fetch and records its latency.
func (e *Engine) fetch(ctx context.Context, strategyName string, req *fetch.Request) (*fetch.Response, error) {
	start := time.Now()
	resp, err := e.fetcher.Do(ctx, req)
	recordFetchLatency(ctx, strategyName, time.Since(start))
	return resp, err
}

// storeFor resolves a tier to its current-version store handle.
func (e *Engine) storeFor(ctx context.Context, tier store.Tier) (*store.Store, error) {
	name := store.Name(tier, e.version)
	if st, ok := e.opened.Load(name); ok {
		return st.(*store.Store), nil
	}

	st, err := e.manager.OpenStore(ctx, name)
	if err != nil {
		return nil, err
	}
	e.opened.Store(name, st)
	return st, nil
}

// isCritical reports whether the path belongs to a critical endpoint.
func (e *Engine) isCritical(path string) bool {
	for _, prefix := range e.criticals {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// entryResponse converts a cached entry into a response. The entry is
// already a fresh copy owned by this call, so its buffers transfer to
// the response directly.
func entryResponse(entry *store.Entry) *fetch.Response {
	return &fetch.Response{
		Status:   entry.Status,
		Header:   entry.Header,
		Body:     entry.Body,
		StoredAt: entry.StoredAt,
	}
}
