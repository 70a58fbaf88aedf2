package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry so tests and multiple App
// instances never collide on the global one.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	ops         *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	httpReqs    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// NewMetrics registers the northstar collectors. subscribers, when non-nil,
// backs the live feed subscription gauge.
func NewMetrics(subscribers func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "northstar",
				Subsystem: "router",
				Name:      "operations_total",
				Help:      "Ledger operations by name and result code.",
			},
			[]string{"op", "code"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "northstar",
				Subsystem: "router",
				Name:      "operation_duration_seconds",
				Help:      "Ledger operation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		httpReqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "northstar",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "status_class"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "northstar",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	m.reg.MustRegister(
		m.ops, m.opDuration, m.httpReqs, m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if subscribers != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "northstar",
				Subsystem: "feed",
				Name:      "subscribers",
				Help:      "Live feed subscriptions.",
			},
			func() float64 { return float64(subscribers()) },
		))
	}
	return m
}

// ObserveOp implements router.Observer.
func (m *Metrics) ObserveOp(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, code).Inc()
	m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpReqs.WithLabelValues(method, statusClass(status)).Inc()
	m.httpLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
