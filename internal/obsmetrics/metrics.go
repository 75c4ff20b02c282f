// Package obsmetrics defines the Prometheus instrumentation surface shared
// by the engines and the outer gateway: ingest throughput, status
// transitions, geofence crossings, watchdog sweep duration, and backend
// errors.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/histogram the engines publish to.
type Metrics struct {
	LocationsIngested   *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	GeofenceCrossings   *prometheus.CounterVec
	BackendErrors       *prometheus.CounterVec
	WatchdogSweeps      prometheus.Counter
	WatchdogSweepTime   prometheus.Histogram
	SubscriberFailures  prometheus.Counter
}

// New registers and returns a Metrics bundle on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LocationsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_locations_ingested_total",
			Help: "Total number of accepted location samples.",
		}, []string{"agent_id"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_status_transitions_total",
			Help: "Total number of persisted status transitions.",
		}, []string{"from", "to"}),
		GeofenceCrossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_geofence_crossings_total",
			Help: "Total number of geofence enter/exit events.",
		}, []string{"direction"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_backend_errors_total",
			Help: "Total number of storage backend errors by operation.",
		}, []string{"operation"}),
		WatchdogSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_watchdog_sweeps_total",
			Help: "Total number of completed watchdog sweeps.",
		}),
		WatchdogSweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracking_watchdog_sweep_duration_seconds",
			Help:    "Duration of a full watchdog sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		SubscriberFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_subscriber_failures_total",
			Help: "Total number of event subscriber handler failures.",
		}),
	}

	reg.MustRegister(
		m.LocationsIngested,
		m.StatusTransitions,
		m.GeofenceCrossings,
		m.BackendErrors,
		m.WatchdogSweeps,
		m.WatchdogSweepTime,
		m.SubscriberFailures,
	)
	return m
}
