package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "flashpool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "flashpool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "flashpool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "flashpool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// PoolMetrics exposes the pool aggregates and manifest outcomes.
type PoolMetrics struct {
	vault     prometheus.Gauge
	claims    prometheus.Gauge
	pending   prometheus.Gauge
	spread    prometheus.Gauge
	manifests *prometheus.CounterVec
	latency   prometheus.Histogram
}

// Pool returns the singleton pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			vault: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "flashpool",
				Subsystem: "pool",
				Name:      "vault_balance",
				Help:      "Liquidity held by the treasury.",
			}),
			claims: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "flashpool",
				Subsystem: "pool",
				Name:      "total_claims",
				Help:      "Sum of all live lender positions.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "flashpool",
				Subsystem: "pool",
				Name:      "pending_rewards",
				Help:      "Lender rewards accrued but not yet distributed.",
			}),
			spread: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "flashpool",
				Subsystem: "pool",
				Name:      "owner_spread",
				Help:      "Protocol revenue withdrawable by the treasurer.",
			}),
			manifests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "flashpool",
				Subsystem: "executor",
				Name:      "manifests_total",
				Help:      "Manifests executed segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "flashpool",
				Subsystem: "executor",
				Name:      "manifest_duration_seconds",
				Help:      "Latency distribution for manifest execution.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			poolRegistry.vault,
			poolRegistry.claims,
			poolRegistry.pending,
			poolRegistry.spread,
			poolRegistry.manifests,
			poolRegistry.latency,
		)
	})
	return poolRegistry
}

// SetAggregates publishes the latest pool aggregates. Values are approximate
// float renderings of the exact decimals.
func (m *PoolMetrics) SetAggregates(vault, claims, pending, spread float64) {
	if m == nil {
		return
	}
	m.vault.Set(vault)
	m.claims.Set(claims)
	m.pending.Set(pending)
	m.spread.Set(spread)
}

// ObserveManifest records a manifest outcome such as "committed" or
// "rejected".
func (m *PoolMetrics) ObserveManifest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.manifests.WithLabelValues(outcome).Inc()
	m.latency.Observe(duration.Seconds())
}
