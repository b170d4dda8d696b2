// Package metrics holds the Prometheus instruments shared by treesync
// components. Instruments register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for OptimisticOperations.
const (
	OutcomeApplied     = "applied"
	OutcomeRejected    = "rejected_local"
	OutcomeConfirmed   = "confirmed"
	OutcomeRolledBack  = "rolled_back"
	ResultApplied      = "applied"
	ResultIgnored      = "ignored"
	ResultForwarded    = "forwarded"
	ResultRejected     = "rejected"
	ResultDecodeFailed = "decode_failed"
)

var (
	// InvariantViolations counts mutations the hierarchy store refused.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "hierarchy",
		Name:      "invariant_violations_total",
		Help:      "Structural mutations rejected to keep the tree consistent",
	}, []string{"code"})

	// Rebalances counts parents whose sort keys were rewritten.
	Rebalances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "hierarchy",
		Name:      "rebalances_total",
		Help:      "Child lists rewritten to evenly spaced sort keys",
	})

	// OptimisticOperations counts coordinator operations by outcome.
	OptimisticOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "coordinator",
		Name:      "operations_total",
		Help:      "Optimistic structural operations by outcome",
	}, []string{"outcome"})

	// Rollbacks counts snapshot restores triggered by backend failures.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "coordinator",
		Name:      "rollbacks_total",
		Help:      "Snapshot restores after a backend failure, by failure category",
	}, []string{"category"})

	// BackendDuration observes backend call latency.
	BackendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treesync",
		Subsystem: "coordinator",
		Name:      "backend_duration_seconds",
		Help:      "Latency of fire-and-forget backend calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// PendingOperations tracks in-flight structural operations.
	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "pending",
		Name:      "operations",
		Help:      "Structural operations currently tracked per node",
	})

	// BridgeNotifications counts inbound notifications by kind and result.
	BridgeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "bridge",
		Name:      "notifications_total",
		Help:      "Inbound change notifications handled by the bridge",
	}, []string{"kind", "result"})

	// BridgeQueueDepth reports notifications waiting to be applied.
	BridgeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "bridge",
		Name:      "queue_depth",
		Help:      "Notifications queued but not yet applied",
	})

	// StoreWrites counts reference backend writes by op and result.
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "SQLite backend writes by operation and result",
	}, []string{"op", "result"})
)
