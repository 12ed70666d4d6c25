package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloudlunacy/frontdoor/pkg/config"
)

// Collector owns the front door's Prometheus registry and metric instances.
type Collector struct {
	registry *prometheus.Registry

	// RoutesActive tracks currently published routes by kind (mongodb/app).
	RoutesActive *prometheus.GaugeVec

	// Reloads counts proxy reload signals by outcome.
	Reloads *prometheus.CounterVec

	// CertExpiryDays reports days until expiry per agent certificate.
	CertExpiryDays *prometheus.GaugeVec

	// CertOperations counts certificate operations by class and outcome.
	CertOperations *prometheus.CounterVec

	// BreakerState reports each breaker's state (0 closed, 1 open, 2 half-open).
	BreakerState *prometheus.GaugeVec

	// RecoveryAttempts counts escalator actions by rung and outcome.
	RecoveryAttempts *prometheus.CounterVec

	// OptimizerPasses counts optimization passes by outcome.
	OptimizerPasses *prometheus.CounterVec

	// WeightChanges counts applied server weight changes.
	WeightChanges prometheus.Counter
}

// NewCollector builds the metric set. A nil registry creates a fresh one.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "frontdoor"
	}

	c := &Collector{
		registry: registry,
		RoutesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "routes_active",
			Help:      "Currently published routes by kind.",
		}, []string{"kind"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "proxy_reloads_total",
			Help:      "Proxy reload signals by outcome.",
		}, []string{"outcome"}),
		CertExpiryDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "certificate_expiry_days",
			Help:      "Days until expiry per agent certificate.",
		}, []string{"agent_id"}),
		CertOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "certificate_operations_total",
			Help:      "Certificate operations by class and outcome.",
		}, []string{"class", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recovery_attempts_total",
			Help:      "Recovery escalator actions by rung and outcome.",
		}, []string{"action", "outcome"}),
		OptimizerPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "optimizer_passes_total",
			Help:      "Optimization passes by outcome.",
		}, []string{"outcome"}),
		WeightChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "weight_changes_total",
			Help:      "Applied server weight changes.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.RoutesActive,
		c.Reloads,
		c.CertExpiryDays,
		c.CertOperations,
		c.BreakerState,
		c.RecoveryAttempts,
		c.OptimizerPasses,
		c.WeightChanges,
	)
	return c
}

// Handler returns the HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
