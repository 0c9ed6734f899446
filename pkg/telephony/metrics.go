package telephony

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счетчики Prometheus слоя управления сессиями.
// Нулевой указатель допустим: все методы становятся no-op.
type Metrics struct {
	operations    *prometheus.CounterVec
	errors        *prometheus.CounterVec
	events        *prometheus.CounterVec
	handlerPanics prometheus.Counter
}

// NewMetrics создает метрики и регистрирует их в reg (если reg != nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "operations_total",
			Help:      "Control operations issued against the engine, by result.",
		}, []string{"op", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "errors_total",
			Help:      "Errors returned to the caller, by kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "events_total",
			Help:      "Engine events dispatched to handlers.",
		}, []string{"event"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "handler_panics_total",
			Help:      "Panics recovered at the event handler boundary.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.errors, m.events, m.handlerPanics)
	}
	return m
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := KindOf(err); ok {
			m.errors.WithLabelValues(kind.String()).Inc()
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) handlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}
