// Package metrics exposes Prometheus metrics for proxy dispatch.
//
// A nil *Collector is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the agent's metrics.
type Collector struct {
	registry *prometheus.Registry

	dispatches      *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	negotiations    *prometheus.CounterVec
	invalidations   prometheus.Counter
	tunnels         *prometheus.CounterVec
	tunnelSeconds   prometheus.Histogram
	affinityReuse   prometheus.Counter
	relayConns      prometheus.Gauge
}

// NewCollector registers the metrics on registry, or on a fresh registry
// when registry is nil. namespace defaults to "proxyagent".
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "proxyagent"
	}
	// Proxy round trips: from a LAN hop to a slow corporate gateway.
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	c := &Collector{
		registry: registry,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Requests dispatched through the proxy by mode and outcome.",
		}, []string{"mode", "outcome"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time until response headers arrived, by mode.",
			Buckets:   buckets,
		}, []string{"mode"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ntlm",
			Name:      "negotiations_total",
			Help:      "NTLM handshakes by outcome.",
		}, []string{"outcome"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ntlm",
			Name:      "invalidations_total",
			Help:      "Cached NTLM headers dropped after the proxy rejected them.",
		}),
		tunnels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "established_total",
			Help:      "CONNECT tunnels by outcome.",
		}, []string{"outcome"}),
		tunnelSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "setup_duration_seconds",
			Help:      "Time to establish a tunnel including the TLS upgrade.",
			Buckets:   buckets,
		}),
		affinityReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affinity",
			Name:      "reuse_total",
			Help:      "Requests sent on a connection bound by negotiation or tunneling.",
		}),
		relayConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Client connections open on the local relay.",
		}),
	}

	registry.MustRegister(
		c.dispatches, c.dispatchSeconds,
		c.negotiations, c.invalidations,
		c.tunnels, c.tunnelSeconds,
		c.affinityReuse, c.relayConns,
	)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Dispatch records a finished dispatch. outcome is "ok" or "error".
func (c *Collector) Dispatch(mode, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(mode, outcome).Inc()
	c.dispatchSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// Negotiation records an NTLM handshake outcome.
func (c *Collector) Negotiation(outcome string) {
	if c == nil {
		return
	}
	c.negotiations.WithLabelValues(outcome).Inc()
}

// Invalidation records a dropped NTLM header.
func (c *Collector) Invalidation() {
	if c == nil {
		return
	}
	c.invalidations.Inc()
}

// Tunnel records a tunnel setup attempt.
func (c *Collector) Tunnel(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tunnels.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		c.tunnelSeconds.Observe(d.Seconds())
	}
}

// AffinityReuse records a bound connection handed to a request.
func (c *Collector) AffinityReuse() {
	if c == nil {
		return
	}
	c.affinityReuse.Inc()
}

// RelayConn adjusts the open relay connection gauge by delta.
func (c *Collector) RelayConn(delta int) {
	if c == nil {
		return
	}
	c.relayConns.Add(float64(delta))
}
