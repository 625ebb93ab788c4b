package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeNoSession = "no_session"
	OutcomeRelayed   = "relayed"
)

// Metrics — свой реестр на процесс, чтобы тесты не делили глобальный DefaultRegisterer.
type Metrics struct {
	reg *prometheus.Registry

	SessionsLive      prometheus.Gauge
	Deliveries        *prometheus.CounterVec
	InboundEvents     *prometheus.CounterVec
	MessagesPersisted prometheus.Counter
	RateLimited       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "messenger",
			Name:      "sessions_live",
			Help:      "Live transport sessions on this node.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "deliveries_total",
			Help:      "Per-session push attempts by outcome.",
		}, []string{"outcome"}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "inbound_events_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "messages_persisted_total",
			Help:      "Messages durably stored.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "rate_limited_total",
			Help:      "Inbound events rejected by the per-session limiter.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsLive, m.Deliveries, m.InboundEvents, m.MessagesPersisted, m.RateLimited,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Методы ниже безопасны на nil, компоненты можно собирать без метрик.

func (m *Metrics) Delivery(outcome string) {
	if m != nil {
		m.Deliveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Inbound(eventType string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Persisted() {
	if m != nil {
		m.MessagesPersisted.Inc()
	}
}

func (m *Metrics) Limited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsLive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsLive.Dec()
	}
}
