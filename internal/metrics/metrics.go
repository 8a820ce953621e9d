// Package metrics exposes Prometheus instrumentation for the pooler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgDog.
type Collector struct {
	Registry *prometheus.Registry

	poolIdle    *prometheus.GaugeVec
	poolInUse   *prometheus.GaugeVec
	poolTotal   *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	poolExhausted    *prometheus.CounterVec
	checkoutsTotal   *prometheus.CounterVec
	checkoutDuration *prometheus.HistogramVec

	routingDecisions *prometheus.CounterVec
	routingDuration  prometheus.Histogram

	cancelsTotal *prometheus.CounterVec

	serverHealth        *prometheus.GaugeVec
	healthCheckDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a private registry. Safe to
// call multiple times (tests, config reload) — registries never collide.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_idle_connections",
				Help: "Number of idle server connections per pool",
			},
			[]string{"database", "addr"},
		),
		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_in_use_connections",
				Help: "Number of checked-out server connections per pool",
			},
			[]string{"database", "addr"},
		),
		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_total_connections",
				Help: "Total live server connections per pool",
			},
			[]string{"database", "addr"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_waiting_checkouts",
				Help: "Checkouts currently waiting for a connection per pool",
			},
			[]string{"database", "addr"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_pool_exhausted_total",
				Help: "Times a checkout had to wait because the pool was full",
			},
			[]string{"addr"},
		),
		checkoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_pool_checkouts_total",
				Help: "Checkout attempts by result",
			},
			[]string{"addr", "status"},
		),
		checkoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_pool_checkout_duration_seconds",
				Help:    "Time waiting for a pool checkout",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"addr"},
		),
		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_routing_decisions_total",
				Help: "Routing decisions by plugin and role",
			},
			[]string{"plugin", "role"},
		),
		routingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pgdog_routing_duration_seconds",
				Help:    "Time spent in the plugin chain per routed statement",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
			},
		),
		cancelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_cancels_total",
				Help: "Query cancellations broadcast per database",
			},
			[]string{"database"},
		),
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_server_health",
				Help: "Health of a backend server (1=healthy, 0=unhealthy)",
			},
			[]string{"addr"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"addr", "status"},
		),
	}

	reg.MustRegister(
		c.poolIdle,
		c.poolInUse,
		c.poolTotal,
		c.poolWaiting,
		c.poolExhausted,
		c.checkoutsTotal,
		c.checkoutDuration,
		c.routingDecisions,
		c.routingDuration,
		c.cancelsTotal,
		c.serverHealth,
		c.healthCheckDuration,
	)

	return c
}

// UpdatePoolStats sets the occupancy gauges for one pool.
func (c *Collector) UpdatePoolStats(database, addr string, idle, inUse, total, waiting int) {
	c.poolIdle.WithLabelValues(database, addr).Set(float64(idle))
	c.poolInUse.WithLabelValues(database, addr).Set(float64(inUse))
	c.poolTotal.WithLabelValues(database, addr).Set(float64(total))
	c.poolWaiting.WithLabelValues(database, addr).Set(float64(waiting))
}

// PoolExhausted counts a checkout forced to wait on a full pool.
func (c *Collector) PoolExhausted(addr string) {
	c.poolExhausted.WithLabelValues(addr).Inc()
}

// CheckoutObserved records a checkout attempt and its wait time.
func (c *Collector) CheckoutObserved(addr string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkoutsTotal.WithLabelValues(addr, status).Inc()
	c.checkoutDuration.WithLabelValues(addr).Observe(d.Seconds())
}

// RoutingDecision records a plugin's routing verdict and how long the
// chain took to produce it.
func (c *Collector) RoutingDecision(plugin, role string, d time.Duration) {
	c.routingDecisions.WithLabelValues(plugin, role).Inc()
	c.routingDuration.Observe(d.Seconds())
}

// CancelBroadcast counts a cluster-wide cancellation.
func (c *Collector) CancelBroadcast(database string) {
	c.cancelsTotal.WithLabelValues(database).Inc()
}

// SetServerHealth sets the health gauge for a backend address.
func (c *Collector) SetServerHealth(addr string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(addr).Set(val)
}

// HealthCheckCompleted records a probe duration and its result.
func (c *Collector) HealthCheckCompleted(addr string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(addr, status).Observe(d.Seconds())
}
