package sipua

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics метрики движка. Нулевой указатель допустим.
type metrics struct {
	activeCalls   prometheus.Gauge
	rtpPackets    *prometheus.CounterVec
	registrations *prometheus.CounterVec
	sipRequests   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipsession",
			Name:      "active_calls",
			Help:      "Calls currently present in the engine call table.",
		}),
		rtpPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "rtp_packets_total",
			Help:      "RTP packets sent and received by call media sessions.",
		}, []string{"direction"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "registrations_total",
			Help:      "REGISTER transactions by final status class.",
		}, []string{"result"}),
		sipRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipsession",
			Name:      "sip_requests_total",
			Help:      "Incoming SIP requests by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(m.activeCalls, m.rtpPackets, m.registrations, m.sipRequests)
	return m
}

func (m *metrics) callAdded() {
	if m != nil {
		m.activeCalls.Inc()
	}
}

func (m *metrics) callRemoved() {
	if m != nil {
		m.activeCalls.Dec()
	}
}

func (m *metrics) rtpSent() {
	if m != nil {
		m.rtpPackets.WithLabelValues("tx").Inc()
	}
}

func (m *metrics) rtpReceived() {
	if m != nil {
		m.rtpPackets.WithLabelValues("rx").Inc()
	}
}

func (m *metrics) registration(code int) {
	if m == nil {
		return
	}
	result := "failed"
	if code >= 200 && code < 300 {
		result = "ok"
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *metrics) request(method string) {
	if m != nil {
		m.sipRequests.WithLabelValues(method).Inc()
	}
}
