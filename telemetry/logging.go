// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger with trace context injected.
//
// Description:
//
//	Extracts trace_id and span_id from the context and adds them as
//	structured log fields. This enables log correlation in Grafana/Loki
//	with traces in Jaeger.
//
// Inputs:
//
//	ctx - Context containing span context. May be nil or have no active span.
//	logger - Base logger to enhance. Must not be nil.
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id and span_id fields added if available.
//	              Returns the original logger if no valid span context.
//
// Example:
//
//	func (e *Engine) HandleFetch(ctx context.Context, evt fetch.Event) (*fetch.Response, error) {
//	    logger := telemetry.LoggerWithTrace(ctx, e.logger)
//	    logger.Info("fetch intercepted")
//	}
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithVersion returns a logger with trace context and cache version.
//
// Description:
//
//	Combines LoggerWithTrace with the cache version identifier. Useful
//	for distinguishing log entries from overlapping versions during a
//	rollover, where the outgoing and incoming version both emit.
//
// Inputs:
//
//	ctx - Context containing span context.
//	logger - Base logger to enhance.
//	version - Cache version the operation belongs to (e.g., "v42").
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id, span_id, and version fields.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithVersion(ctx context.Context, logger *slog.Logger, version string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("version", version),
	)
}
