package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscription_transitions_total",
			Help: "Committed subscription lifecycle events by type.",
		},
		[]string{"event_type"},
	)

	paymentAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payment_attempts_total",
			Help: "Recorded charge attempt outcomes.",
		},
		[]string{"result"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Gateway notifications by kind and ledger outcome.",
		},
		[]string{"kind", "outcome"},
	)

	webhookProcessingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_processing_seconds",
			Help:    "Time spent processing a claimed gateway notification.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	sweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_items_total",
			Help: "Items handled by scheduled sweeps by result.",
		},
		[]string{"sweep", "result"},
	)
)
