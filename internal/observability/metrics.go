package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_attempts_total", Help: "Total dispatch attempts started"})
	DispatchAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_assigned_total", Help: "Total rides assigned to a driver"})
	DispatchRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_rejected_total", Help: "Total rides rejected for lack of drivers"})
	DispatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_latency_seconds", Help: "Time from dispatch start to assignment or rejection"})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Driver offers by outcome"},
		[]string{"outcome"}, // accepted, rejected, expired, conflict
	)

	SamplesAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_accepted_total", Help: "Location samples accepted into the stream"})
	SamplesDroppedTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_dropped_total", Help: "Location samples dropped at ingest"},
		[]string{"reason"}, // stale, inactive, invalid
	)
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "stream_subscribers", Help: "Currently attached location subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
