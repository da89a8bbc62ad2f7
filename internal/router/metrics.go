package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes routing counters to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	routed   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the router collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "venuerouter_orders_routed_total",
				Help: "Orders routed, by backend family, venue and handshake status",
			},
			[]string{"family", "venue", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "venuerouter_route_duration_seconds",
				Help:    "Time spent routing one order, including the venue call",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"family"},
		),
	}
	reg.MustRegister(m.routed, m.duration)
	return m
}

func (m *Metrics) observe(family, venue, status string, d time.Duration) {
	if m == nil {
		return
	}
	if family == "" {
		family = "none"
	}
	m.routed.WithLabelValues(family, venue, status).Inc()
	m.duration.WithLabelValues(family).Observe(d.Seconds())
}
