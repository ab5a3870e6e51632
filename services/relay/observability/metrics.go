// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the relay.
//
// Metrics are exposed on /metrics and cover the life of a chat request:
// connection churn, pipeline outcomes, tool invocations, and streaming
// volume.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "cagemetric"
	relaySubsystem   = "relay"
)

// RelayMetrics holds every Prometheus metric the relay emits. Construct one
// per process with NewRelayMetrics; handing tests their own Registerer keeps
// them independent of global state.
type RelayMetrics struct {
	// ConnectionsActive tracks currently registered sessions.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// RequestsTotal counts chat requests by terminal status.
	// Labels: status (delivered, error, usage_limited)
	RequestsTotal *prometheus.CounterVec

	// PipelineErrorsTotal counts failures by error class.
	// Labels: class (ValidationError, ModelCallError, ...)
	PipelineErrorsTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool calls by outcome.
	// Labels: tool, outcome (success, failure)
	ToolInvocationsTotal *prometheus.CounterVec

	// TokensStreamedTotal counts synthesis tokens forwarded to clients.
	TokensStreamedTotal prometheus.Counter

	// RequestDurationSeconds measures end-to-end request latency.
	// Labels: status
	RequestDurationSeconds *prometheus.HistogramVec

	// FallbacksTotal counts synthesis outputs that needed a downgrade.
	FallbacksTotal prometheus.Counter
}

// NewRelayMetrics registers the relay's metrics on reg. Pass
// prometheus.DefaultRegisterer in production.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "connections_active",
			Help:      "Number of currently registered websocket sessions",
		}),

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "connections_total",
			Help:      "Total accepted websocket connections",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "requests_total",
			Help:      "Total chat requests by terminal status",
		}, []string{"status"}),

		PipelineErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "pipeline_errors_total",
			Help:      "Total pipeline failures by error class",
		}, []string{"class"}),

		ToolInvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),

		TokensStreamedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "tokens_streamed_total",
			Help:      "Total synthesis tokens forwarded to clients",
		}),

		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "request_duration_seconds",
			Help:      "End-to-end chat request latency in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),

		FallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "fallbacks_total",
			Help:      "Total synthesis outputs downgraded to a text summary",
		}),
	}
}
