// Package metrics exports stream engine counters to Prometheus. A nil
// *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tlsstream"

type Metrics struct {
	handshakes     *prometheus.CounterVec
	closes         *prometheus.CounterVec
	lingerFinished *prometheus.CounterVec
	lingering      prometheus.Gauge
}

// New creates the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Completed TLS handshakes by role and result.",
			},
			[]string{"role", "result"},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "closes_total",
				Help:      "Stream closes by how the close finished.",
			},
			[]string{"mode"},
		),
		lingerFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "linger",
				Name:      "finished_total",
				Help:      "Background closes that ran to an end, by result.",
			},
			[]string{"result"},
		),
		lingering: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "linger",
				Name:      "in_flight",
				Help:      "Background closes still running.",
			},
		),
	}
	reg.MustRegister(m.handshakes, m.closes, m.lingerFinished, m.lingering)
	return m
}

// Close modes.
const (
	CloseReleased  = "released"
	CloseImmediate = "immediate"
	CloseLinger    = "linger"
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Handshake(role string, err error) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, result(err)).Inc()
}

func (m *Metrics) Closed(mode string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(mode).Inc()
	if mode == CloseLinger {
		m.lingering.Inc()
	}
}

func (m *Metrics) LingerFinished(err error) {
	if m == nil {
		return
	}
	m.lingering.Dec()
	m.lingerFinished.WithLabelValues(result(err)).Inc()
}
