package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several instances can coexist in tests.
// All recording methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	Dispatches    *prometheus.CounterVec
	Iterations    prometheus.Histogram
	Capabilities  *prometheus.CounterVec
	CapabilityDur *prometheus.HistogramVec
	Orders        *prometheus.CounterVec
	DecrementFail prometheus.Counter
	RefillAlerts  prometheus.Counter
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Dispatch loop runs by audience and outcome",
		}, []string{"audience", "outcome"}),
		Iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_iterations",
			Help:      "Oracle iterations used per dispatch run",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		Capabilities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_invocations_total",
			Help:      "Capability invocations by name and reason",
		}, []string{"capability", "reason"}),
		CapabilityDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Capability invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order placement outcomes",
		}, []string{"status"}),
		DecrementFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrement_failures_total",
			Help:      "Stock decrements that failed after an order was marked fulfilled",
		}),
		RefillAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refill_alerts_created_total",
			Help:      "Refill alerts appended",
		}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Dispatches,
		c.Iterations,
		c.Capabilities,
		c.CapabilityDur,
		c.Orders,
		c.DecrementFail,
		c.RefillAlerts,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) ObserveDispatch(audience, outcome string, iterations int) {
	if c == nil {
		return
	}
	c.Dispatches.WithLabelValues(audience, outcome).Inc()
	c.Iterations.Observe(float64(iterations))
}

func (c *Collector) ObserveCapability(name, reason string, d time.Duration) {
	if c == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	c.Capabilities.WithLabelValues(name, reason).Inc()
	c.CapabilityDur.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) ObserveOrder(status string) {
	if c == nil {
		return
	}
	c.Orders.WithLabelValues(status).Inc()
}

func (c *Collector) IncDecrementFailure() {
	if c == nil {
		return
	}
	c.DecrementFail.Inc()
}

func (c *Collector) AddRefillAlerts(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RefillAlerts.Add(float64(n))
}
