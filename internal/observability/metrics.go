// Package observability exposes prometheus metrics for the session store.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements session.Metrics on a private prometheus registry.
type Metrics struct {
	registry        *prometheus.Registry
	ActiveSessions  prometheus.Gauge
	Subscribers     prometheus.Gauge
	RecordsTotal    prometheus.Counter
	EvictionsTotal  prometheus.Counter
	ExpirationTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netpanel",
			Name:      "active_sessions",
			Help:      "Number of session buffers currently held",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netpanel",
			Name:      "subscribers",
			Help:      "Number of live stream subscribers",
		}),
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netpanel",
			Name:      "records_total",
			Help:      "Total captured calls appended to session buffers",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netpanel",
			Name:      "record_evictions_total",
			Help:      "Total records dropped because a session buffer was full",
		}),
		ExpirationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netpanel",
			Name:      "session_expirations_total",
			Help:      "Total sessions removed by the idle sweep",
		}),
	}
	r.MustRegister(m.ActiveSessions, m.Subscribers, m.RecordsTotal, m.EvictionsTotal, m.ExpirationTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() { m.ActiveSessions.Inc() }

func (m *Metrics) SessionsExpired(n int) {
	m.ActiveSessions.Sub(float64(n))
	m.ExpirationTotal.Add(float64(n))
}

func (m *Metrics) RecordAdded()             { m.RecordsTotal.Inc() }
func (m *Metrics) RecordEvicted()           { m.EvictionsTotal.Inc() }
func (m *Metrics) SubscriberAdded()         { m.Subscribers.Inc() }
func (m *Metrics) SubscribersRemoved(n int) { m.Subscribers.Sub(float64(n)) }
