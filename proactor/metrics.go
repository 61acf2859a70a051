package proactor

import (
	"errors"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	pending   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proactor",
			Name:      "operations_started_total",
			Help:      "Operations queued, by kind.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proactor",
			Name:      "operations_completed_total",
			Help:      "Operations dispatched to their continuation, by kind and outcome.",
		}, []string{"kind", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proactor",
			Name:      "operations_pending",
			Help:      "Operations queued and not yet dispatched.",
		}),
	}
	if reg != nil {
		m.started = register(reg, m.started)
		m.completed = register(reg, m.completed)
		m.pending = register(reg, m.pending)
	}
	return m
}

// register shares collectors between proactors on the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) start(k opKind) {
	m.started.WithLabelValues(k.String()).Inc()
	m.pending.Inc()
}

func (m *metrics) complete(k opKind, err error) {
	m.completed.WithLabelValues(k.String(), outcome(err)).Inc()
	m.pending.Dec()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ioerr.ErrClosed):
		return "closed"
	case errors.Is(err, ioerr.ErrTimeout):
		return "timeout"
	case errors.Is(err, ioerr.ErrShutdown):
		return "eof"
	}
	return "error"
}
