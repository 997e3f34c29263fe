// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier maps an outbound request to exactly one cache tier
// and one caching strategy.
//
// Classification is a pure function over the request's method, URL shape
// and mode. Rules are evaluated in a fixed order and the first match
// wins:
//
//  1. non-GET method           -> pass-through (no tier)
//  2. image resource           -> image tier, cache-first with refresh
//  3. API prefix               -> dynamic tier, network-first
//  4. build-asset prefix       -> static tier, cache-first
//  5. anything else            -> dynamic tier; network-first for
//     navigations, cache-first with refresh otherwise
package classifier

import (
	"path"
	"strings"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/store"
)

// Strategy identifies the read/write protocol the engine applies to a
// classified request.
type Strategy string

const (
	// StrategyPassThrough forwards the request untouched; failures of
	// mutating requests are handed to the offline queue.
	StrategyPassThrough Strategy = "pass-through"

	// StrategyCacheFirst serves from cache, fetching and storing only
	// on a miss. Network failures propagate.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategyCacheFirstRefresh serves from cache immediately while a
	// background fetch refreshes the entry for the next request.
	StrategyCacheFirstRefresh Strategy = "cache-first-refresh"

	// StrategyNetworkFirst fetches from the network, falling back to
	// the cached entry (or a synthesized offline response for critical
	// endpoints) on failure.
	StrategyNetworkFirst Strategy = "network-first"

	// StrategyNetworkFirstNav is network-first for top-level
	// navigations, falling back to the cached document or the generic
	// offline page.
	StrategyNetworkFirstNav Strategy = "network-first-navigation"
)

// Decision is the classification result. Tier is empty for pass-through.
type Decision struct {
	Tier     store.Tier
	Strategy Strategy
}

// Config holds the URL-shape knobs classification depends on. Zero
// values fall back to the MorphSave defaults.
type Config struct {
	// APIPrefix marks API routes. Default: "/api/".
	APIPrefix string `json:"api_prefix" yaml:"api_prefix"`

	// AssetPrefix marks immutable build assets. Default: "/_next/static/".
	AssetPrefix string `json:"asset_prefix" yaml:"asset_prefix"`

	// ImageExtensions lists path extensions treated as image resources,
	// without the leading dot. Default: png, jpg, jpeg, gif, webp, svg,
	// ico, avif.
	ImageExtensions []string `json:"image_extensions" yaml:"image_extensions"`
}

// DefaultConfig returns the MorphSave route shape.
func DefaultConfig() Config {
	return Config{
		APIPrefix:   "/api/",
		AssetPrefix: "/_next/static/",
		ImageExtensions: []string{
			"png", "jpg", "jpeg", "gif", "webp", "svg", "ico", "avif",
		},
	}
}

// Classifier applies the classification rules. Immutable after New;
// safe for concurrent use.
type Classifier struct {
	apiPrefix   string
	assetPrefix string
	imageExts   map[string]bool
}

// New creates a Classifier. Zero-value config fields fall back to
// DefaultConfig values.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = def.APIPrefix
	}
	if cfg.AssetPrefix == "" {
		cfg.AssetPrefix = def.AssetPrefix
	}
	if len(cfg.ImageExtensions) == 0 {
		cfg.ImageExtensions = def.ImageExtensions
	}

	exts := make(map[string]bool, len(cfg.ImageExtensions))
	for _, ext := range cfg.ImageExtensions {
		exts["."+strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	return &Classifier{
		apiPrefix:   cfg.APIPrefix,
		assetPrefix: cfg.AssetPrefix,
		imageExts:   exts,
	}
}

// Classify returns the tier and strategy for one request. First matching
// rule wins; the rule order is part of the contract.
func (c *Classifier) Classify(req *fetch.Request) Decision {
	if !req.IsGET() {
		return Decision{Strategy: StrategyPassThrough}
	}

	p := req.URL.Path

	if c.isImage(p) {
		return Decision{Tier: store.TierImage, Strategy: StrategyCacheFirstRefresh}
	}

	if strings.HasPrefix(p, c.apiPrefix) {
		return Decision{Tier: store.TierDynamic, Strategy: StrategyNetworkFirst}
	}

	if strings.HasPrefix(p, c.assetPrefix) {
		return Decision{Tier: store.TierStatic, Strategy: StrategyCacheFirst}
	}

	if req.IsNavigation() {
		return Decision{Tier: store.TierDynamic, Strategy: StrategyNetworkFirstNav}
	}
	return Decision{Tier: store.TierDynamic, Strategy: StrategyCacheFirstRefresh}
}

// isImage matches on the lowercased path extension. Accept headers are
// not consulted: navigations advertise image types too.
func (c *Classifier) isImage(p string) bool {
	return c.imageExts[strings.ToLower(path.Ext(p))]
}
