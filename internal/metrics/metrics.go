// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pingx"

var (
	PanelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "requests_total",
		Help:      "Panel HTTP requests by method and status class.",
	}, []string{"method", "status"})

	PanelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "request_seconds",
		Help:      "Panel HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	PanelLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "logins_total",
		Help:      "Panel login attempts by result.",
	}, []string{"result"})

	PanelSessionExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "session_expiries_total",
		Help:      "Responses detected as an expired panel session.",
	})

	// PanelWrites counts client writes by how they were confirmed:
	// verified, adopted, repaired or unverified.
	PanelWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "writes_total",
		Help:      "Panel client writes by operation and confirmation outcome.",
	}, []string{"op", "outcome"})

	Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "purchases_total",
		Help:      "Buy attempts by kind (fresh, renewal) and result.",
	}, []string{"kind", "result"})

	WalletRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "wallet_rollbacks_total",
		Help:      "Debits credited back after a failed provisioning.",
	})

	ReconcilerPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "passes_total",
		Help:      "Reconciler passes by phase.",
	}, []string{"phase"})

	ReconcilerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "row_errors_total",
		Help:      "Per-purchase failures inside a reconciler pass.",
	}, []string{"phase"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "notifications_total",
		Help:      "Threshold notifications by kind and result.",
	}, []string{"kind", "result"})

	WebhookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "updates_total",
		Help:      "Telegram webhook updates by dedup outcome.",
	}, []string{"result"})
)
