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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for push handling.
var (
	tracer = otel.Tracer("morphsave.push")
	meter  = otel.Meter("morphsave.push")
)

// Metrics for push handling.
var (
	notificationsShown metric.Int64Counter
	interactionsTotal  metric.Int64Counter
	receiverReconnects metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		notificationsShown, err = meter.Int64Counter(
			"push_notifications_shown_total",
			metric.WithDescription("Total number of notifications rendered from push messages"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		interactionsTotal, err = meter.Int64Counter(
			"push_interactions_total",
			metric.WithDescription("Total number of notification interactions, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		receiverReconnects, err = meter.Int64Counter(
			"push_receiver_reconnects_total",
			metric.WithDescription("Total number of websocket reconnect attempts by the push receiver"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordShown records one rendered notification.
func recordShown(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	notificationsShown.Add(ctx, 1)
}

// recordInteraction records an interaction outcome: "focused" or "opened".
func recordInteraction(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	interactionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// recordReconnect records one receiver reconnect attempt.
func recordReconnect(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	receiverReconnects.Add(ctx, 1)
}
