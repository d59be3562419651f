package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_schedules_processed_total",
		Help: "Total number of due schedules processed by the trigger loop.",
	}, []string{"outcome"})

	DeliveriesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_deliveries_generated_total",
		Help: "Total number of delivery records created by the generator.",
	})

	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_dispatches_total",
		Help: "Total number of dispatch attempts by outcome (sent, retried, failed, rejected).",
	}, []string{"outcome"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_dispatch_latency_seconds",
		Help:    "Latency of outbound channel calls.",
		Buckets: prometheus.DefBuckets,
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_webhook_events_total",
		Help: "Total number of inbound webhook events by type and outcome.",
	}, []string{"type", "outcome"})
)
