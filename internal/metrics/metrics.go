// Package metrics exposes relay activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorrc/notification-relay/internal/core/ports"
)

const namespace = "relay"

// Collector implements ports.Metrics on its own Prometheus registry.
type Collector struct {
	registry         *prometheus.Registry
	envelopes        *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	connections      prometheus.Gauge
	handshakes       *prometheus.CounterVec
}

var _ ports.Metrics = (*Collector)(nil)

// New creates a collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Broker deliveries processed, by source and outcome.",
		}, []string{"source", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications offered to live connections, by result.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent fanning an envelope out to connections.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live registered WebSocket connections.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "WebSocket handshakes, by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.envelopes,
		c.notifications,
		c.dispatchDuration,
		c.connections,
		c.handshakes,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) EnvelopeProcessed(source ports.Source, outcome string) {
	c.envelopes.WithLabelValues(string(source), outcome).Inc()
}

func (c *Collector) NotificationsSent(delivered, skipped int) {
	if delivered > 0 {
		c.notifications.WithLabelValues("delivered").Add(float64(delivered))
	}
	if skipped > 0 {
		c.notifications.WithLabelValues("skipped").Add(float64(skipped))
	}
}

func (c *Collector) ObserveDispatch(seconds float64) {
	c.dispatchDuration.Observe(seconds)
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

func (c *Collector) HandshakeCompleted(result string) {
	c.handshakes.WithLabelValues(result).Inc()
}

// Noop discards every measurement.
type Noop struct{}

var _ ports.Metrics = Noop{}

func (Noop) EnvelopeProcessed(ports.Source, string) {}
func (Noop) NotificationsSent(int, int)             {}
func (Noop) ObserveDispatch(float64)                {}
func (Noop) ConnectionOpened()                      {}
func (Noop) ConnectionClosed()                      {}
func (Noop) HandshakeCompleted(string)              {}
