// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JoinsTotal counts join attempts by outcome (matched, rejoined, created).
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composite_joins_total",
			Help: "Join attempts by outcome",
		},
		[]string{"outcome"},
	)

	// PairsTotal counts pairing attempts by outcome (matched, created).
	PairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composite_pairs_total",
			Help: "Pairing attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ConflictsTotal counts optimistic version conflicts by operation.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composite_store_conflicts_total",
			Help: "Optimistic version conflicts by operation",
		},
		[]string{"operation"},
	)

	// DevicesSweptTotal counts devices removed by the liveness sweep.
	DevicesSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "composite_devices_swept_total",
			Help: "Devices removed by the liveness sweep",
		},
	)

	// SessionsReapedTotal counts sessions soft-deleted by the stale reaper.
	SessionsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "composite_sessions_reaped_total",
			Help: "Sessions soft-deleted by the stale reaper",
		},
	)

	// MessagesTotal counts inbound websocket messages by type.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composite_messages_total",
			Help: "Inbound websocket messages by type",
		},
		[]string{"type"},
	)

	// WebSocketConnections tracks currently open websocket connections.
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "composite_websocket_connections_current",
			Help: "Currently open websocket connections",
		},
	)
)
