package pactmock

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultMatched   = "matched"
	resultUnmatched = "unmatched"
)

// metrics are registered on a registry owned by one mock provider, so several
// providers can live in one process.
type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	inFlight     prometheus.Gauge
	interactions prometheus.Gauge
}

func newMetrics(id string) *metrics {
	labels := prometheus.Labels{"mock_provider": id}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pact_mock",
			Name:        "requests_total",
			Help:        "Requests received by the mock provider, by match result.",
			ConstLabels: labels,
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pact_mock",
			Name:        "requests_in_flight",
			Help:        "Requests currently being served.",
			ConstLabels: labels,
		}),
		interactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pact_mock",
			Name:        "interactions_registered",
			Help:        "Interactions served in the current serving window.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.requests, m.inFlight, m.interactions)
	return m
}
