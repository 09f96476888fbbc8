package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors shared by the server and the sync layer.
type Metrics struct {
	Registry *prometheus.Registry

	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	Mutations       *prometheus.CounterVec
	Connections     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estimator_events_applied_total",
			Help: "Room events applied to a snapshot.",
		}, []string{"event"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estimator_events_skipped_total",
			Help: "Room events skipped because the local user produced them.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estimator_events_dropped_total",
			Help: "Room events dropped as malformed or inapplicable.",
		}, []string{"event"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estimator_events_published_total",
			Help: "Room events published to channel subscribers.",
		}, []string{"event"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estimator_mutations_total",
			Help: "Authoritative mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "estimator_channel_connections",
			Help: "Open room channel connections.",
		}),
	}
	m.Registry.MustRegister(
		m.EventsApplied,
		m.EventsSkipped,
		m.EventsDropped,
		m.EventsPublished,
		m.Mutations,
		m.Connections,
	)
	return m
}
