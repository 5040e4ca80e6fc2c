// Package metrics exposes the chat engine counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomsync"

type Metrics struct {
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	resyncs         *prometheus.CounterVec
	resyncFailures  *prometheus.CounterVec
	feedEvents      *prometheus.CounterVec
	echoOutcomes    *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	heartbeatErrors prometheus.Counter
	rateLimited     prometheus.Counter
}

// New builds the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open chat sessions.",
		}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Slice re-fetches by slice and trigger.",
		}, []string{"slice", "trigger"}),
		resyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_failures_total",
			Help:      "Failed slice re-fetches.",
		}, []string{"slice"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change feed events received by table.",
		}, []string{"table"}),
		echoOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_outcomes_total",
			Help:      "Resolved optimistic submissions by outcome.",
		}, []string{"outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_anomalies_total",
			Help:      "Feed events whose record was missing after re-fetch.",
		}, []string{"table"}),
		heartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Presence heartbeats that failed and were left for the next tick.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_actions_total",
			Help:      "Inbound client actions rejected by the per-client limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.resyncs,
		m.resyncFailures,
		m.feedEvents,
		m.echoOutcomes,
		m.anomalies,
		m.heartbeatErrors,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Resync(slice, trigger string) {
	if m != nil {
		m.resyncs.WithLabelValues(slice, trigger).Inc()
	}
}

func (m *Metrics) ResyncFailed(slice string) {
	if m != nil {
		m.resyncFailures.WithLabelValues(slice).Inc()
	}
}

func (m *Metrics) FeedEvent(table string) {
	if m != nil {
		m.feedEvents.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) EchoOutcome(outcome string) {
	if m != nil {
		m.echoOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Anomaly(table string) {
	if m != nil {
		m.anomalies.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) HeartbeatFailed() {
	if m != nil {
		m.heartbeatErrors.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
