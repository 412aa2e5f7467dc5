// Package metrics 定义服务的 Prometheus 指标。所有方法对 nil *Metrics 安全，测试中可不注入。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "live_classroom"

type Metrics struct {
	registry *prometheus.Registry

	wsConnections prometheus.Gauge
	wsEvents      *prometheus.CounterVec
	wsRateLimited prometheus.Counter
	roomsActive   prometheus.Gauge
	roomJoins     *prometheus.CounterVec
	billingOps    *prometheus.CounterVec
	auditFailures prometheus.Counter
}

// New 创建并注册到独立的 registry，同时附带 Go 运行时与进程指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Number of authenticated signaling connections.",
		}),
		wsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_events_total",
			Help: "Signaling requests by event and result.",
		}, []string{"event", "result"}),
		wsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_rate_limited_total",
			Help: "Signaling requests rejected by the per-socket rate limit.",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Rooms currently holding ephemeral state.",
		}),
		roomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "room_joins_total",
			Help: "Room join attempts by result.",
		}, []string{"result"}),
		billingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "billing_operations_total",
			Help: "Wallet operations by type and result.",
		}, []string{"type", "result"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_failures_total",
			Help: "Audit events that could not be written.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.wsConnections, m.wsEvents, m.wsRateLimited, m.roomsActive,
		m.roomJoins, m.billingOps, m.auditFailures,
	)
	return m
}

// Handler 暴露 /metrics。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) Event(event, result string) {
	if m != nil {
		m.wsEvents.WithLabelValues(event, result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.wsRateLimited.Inc()
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.roomsActive.Dec()
	}
}

func (m *Metrics) Join(result string) {
	if m != nil {
		m.roomJoins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Billing(op, result string) {
	if m != nil {
		m.billingOps.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) AuditFailed() {
	if m != nil {
		m.auditFailures.Inc()
	}
}
