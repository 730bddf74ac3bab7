// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	TurnsTotal         prometheus.Counter
	FragmentsTotal     prometheus.Counter
	EventsLoggedTotal  *prometheus.CounterVec
	FinalizerRunsTotal *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
}

// New creates and registers all relay metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_turns_total",
			Help: "Total number of completed user/assistant turns",
		}),
		FragmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_fragments_total",
			Help: "Total number of reply fragments forwarded to clients",
		}),
		EventsLoggedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_logged_total",
			Help: "Total number of events appended to the session log",
		}, []string{"event_type"}),
		FinalizerRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_finalizer_runs_total",
			Help: "Total number of session finalizer runs",
		}, []string{"status"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Number of websocket session connections currently open",
		}),
	}
}
