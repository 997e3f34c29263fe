// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Tracer for queue operations.
var outboxTracer = otel.Tracer("morphsave.outbox")

// Prometheus metrics for the offline action queue.
var (
	actionsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_actions_enqueued_total",
		Help: "Total offline actions enqueued for replay",
	})

	actionsReplayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_actions_replayed_total",
		Help: "Total replay attempts by outcome",
	}, []string{"outcome"})

	actionsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_actions_pending",
		Help: "Offline actions currently waiting for replay",
	})

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_drain_duration_seconds",
		Help:    "Time spent in one drain pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
)

// Replay outcomes.
const (
	outcomeReplayed = "replayed"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
	outcomeDropped  = "dropped"
	outcomeCorrupt  = "corrupt"
)
