package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	phaseEndorse = "endorse"
	phaseOrder   = "order"
	phaseCommit  = "commit"
)

// Metrics counts operation outcomes and keeps the latency of each phase
type Metrics struct {
	operations *prometheus.CounterVec
	phases     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "operations_total",
			Help:      "Operations by outcome, failed operations are labelled with their failure kind.",
		}, []string{"operation", "outcome"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "phase_duration_seconds",
			Help:      "Latency of the endorse, order and commit phases.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation", "phase"}),
	}
	registerer.MustRegister(m.operations, m.phases)
	return m
}

func (m *Metrics) addOutcome(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) keepPhase(operation, phase string, start time.Time) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(operation, phase).Observe(time.Since(start).Seconds())
}
