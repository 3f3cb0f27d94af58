package compiler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the compile counters of one Compiler on a private
// registry.
type Metrics struct {
	Registry  *prometheus.Registry
	functions *prometheus.CounterVec
	duration  prometheus.Histogram
	phiMoves  prometheus.Counter
	registers *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		functions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptxgen",
			Name:      "functions_total",
			Help:      "Functions compiled, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ptxgen",
			Name:      "compile_seconds",
			Help:      "Time spent compiling one function.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		phiMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptxgen",
			Name:      "phi_moves_total",
			Help:      "Moves emitted to realize phis.",
		}),
		registers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptxgen",
			Name:      "registers_total",
			Help:      "Virtual registers declared, by kind.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(m.functions, m.duration, m.phiMoves, m.registers)
	return m
}

func (m *Metrics) compiled(out *Output, d time.Duration) {
	m.functions.WithLabelValues("ok").Inc()
	m.duration.Observe(d.Seconds())
	m.phiMoves.Add(float64(out.Stats.PhiMoves))
	for _, u := range out.Stats.Registers {
		m.registers.WithLabelValues(u.Kind.String()).Add(float64(u.Count))
	}
}

// skipped counts a function that compiled but was left out because a
// function it calls failed.
func (m *Metrics) skipped() {
	m.functions.WithLabelValues("skipped").Inc()
}

func (m *Metrics) failed(d time.Duration) {
	m.functions.WithLabelValues("error").Inc()
	m.duration.Observe(d.Seconds())
}
