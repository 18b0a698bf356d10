package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Drivers assigned to rides"},
		[]string{"mode"},
	)
	AssignmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignment_failures_total", Help: "Assignment attempts that found no driver or failed"},
		[]string{"reason"},
	)
	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assign_latency_seconds", Help: "Assignment latency seconds"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle transitions by event and result"},
		[]string{"event", "result"},
	)
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lock_timeouts_total", Help: "Row lock waits that exceeded the bound"})

	TrackingUpdates     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_updates_total", Help: "Accepted tracking samples"})
	TrackingCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_cache_errors_total", Help: "Location cache failures"},
		[]string{"op"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride events handed to the notifier"},
		[]string{"type", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
