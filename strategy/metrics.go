// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for strategy execution.
var (
	tracer = otel.Tracer("morphsave.strategy")
	meter  = otel.Meter("morphsave.strategy")
)

// Metrics for strategy execution.
var (
	strategyHits      metric.Int64Counter
	strategyMisses    metric.Int64Counter
	strategyFallbacks metric.Int64Counter
	refreshTotal      metric.Int64Counter
	fetchLatency      metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		strategyHits, err = meter.Int64Counter(
			"strategy_cache_hits_total",
			metric.WithDescription("Total number of requests served from a cache tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		strategyMisses, err = meter.Int64Counter(
			"strategy_cache_misses_total",
			metric.WithDescription("Total number of requests that missed their cache tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		strategyFallbacks, err = meter.Int64Counter(
			"strategy_fallbacks_total",
			metric.WithDescription("Total number of offline fallbacks served, by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		refreshTotal, err = meter.Int64Counter(
			"strategy_background_refresh_total",
			metric.WithDescription("Total number of background refresh attempts, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchLatency, err = meter.Float64Histogram(
			"strategy_fetch_duration_seconds",
			metric.WithDescription("Duration of network fetches issued by strategies"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordHit records a cache hit for a tier.
func recordHit(ctx context.Context, tier string) {
	if err := initMetrics(); err != nil {
		return
	}
	strategyHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// recordMiss records a cache miss for a tier.
func recordMiss(ctx context.Context, tier string) {
	if err := initMetrics(); err != nil {
		return
	}
	strategyMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// recordFallback records an offline fallback by kind: "cached",
// "placeholder", "offline_json" or "offline_page".
func recordFallback(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	strategyFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// recordRefresh records a background refresh outcome: "ok" or "error".
func recordRefresh(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// recordFetchLatency records the duration of one network fetch.
func recordFetchLatency(ctx context.Context, strategyName string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("strategy", strategyName)),
	)
}
