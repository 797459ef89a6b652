package ooda

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the cycle instruments. A nil *Metrics records nothing.
type Metrics struct {
	cycles     *prometheus.CounterVec
	phases     *prometheus.HistogramVec
	executions *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	facts      prometheus.Counter
}

// NewMetrics creates the instruments and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_ooda_cycles_total",
			Help: "OODA cycles by outcome",
		}, []string{"outcome"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "athena_ooda_phase_duration_seconds",
			Help:    "Duration of each OODA phase",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 180},
		}, []string{"phase"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_technique_executions_total",
			Help: "Technique executions by engine and status",
		}, []string{"engine", "status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_decisions_total",
			Help: "Decide phase outcomes",
		}, []string{"outcome"}),
		facts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "athena_facts_collected_total",
			Help: "New intelligence facts stored",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.phases, m.executions, m.decisions, m.facts)
	}
	return m
}

func (m *Metrics) cycle(outcome string) {
	if m != nil {
		m.cycles.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) phase(name string, d time.Duration) {
	if m != nil {
		m.phases.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (m *Metrics) execution(engine, status string) {
	if m != nil {
		m.executions.WithLabelValues(engine, status).Inc()
	}
}

func (m *Metrics) decision(d decisionOutcome) {
	if m != nil {
		m.decisions.WithLabelValues(string(d)).Inc()
	}
}

func (m *Metrics) factsAdded(n int) {
	if m != nil && n > 0 {
		m.facts.Add(float64(n))
	}
}

type decisionOutcome string

const (
	outcomeAutoApproved decisionOutcome = "auto_approved"
	outcomeConfirmation decisionOutcome = "needs_confirmation"
	outcomeManual       decisionOutcome = "needs_manual"
)
