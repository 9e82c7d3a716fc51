// Package metrics provides Prometheus metrics for the inference router —
// counters, gauges, and histograms for requests, routing, caching, and
// model lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Requests ───────────────────────────────────────────────────────────────

// RequestLatency tracks end-to-end request duration in seconds.
var RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "llmrd",
	Name:      "request_latency_seconds",
	Help:      "End-to-end request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// TokensGenerated tracks completion tokens produced per model.
var TokensGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "tokens_generated_total",
	Help:      "Total completion tokens generated.",
}, []string{"model"})

// RequestsInFlight tracks currently executing requests.
var RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "llmrd",
	Name:      "requests_in_flight",
	Help:      "Number of currently executing requests.",
})

// RequestErrors tracks failed requests by error kind.
var RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "request_errors_total",
	Help:      "Total failed requests by error kind.",
}, []string{"kind"})

// ─── Routing ────────────────────────────────────────────────────────────────

// SelectionsTotal tracks router selections by strategy.
var SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "router_selections_total",
	Help:      "Total selections per routing strategy.",
}, []string{"strategy"})

// FallbacksTotal tracks how often the pipeline fell over to a backup model.
var FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "router_fallbacks_total",
	Help:      "Total fallback attempts per model that failed.",
}, []string{"model"})

// BreakerOpen tracks circuit breaker state per model (1=open).
var BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "llmrd",
	Name:      "router_breaker_open",
	Help:      "Circuit breaker state per model (1=open, 0=closed).",
}, []string{"model"})

// ─── Cache ──────────────────────────────────────────────────────────────────

// CacheHits tracks result cache hits.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "cache_hits_total",
	Help:      "Total result cache hits.",
})

// CacheMisses tracks result cache misses.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "cache_misses_total",
	Help:      "Total result cache misses.",
})

// DedupWaits tracks requests that waited on an identical in-flight build.
var DedupWaits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "cache_dedup_waits_total",
	Help:      "Requests coalesced onto an identical in-flight invocation.",
})

// ─── Model lifecycle ────────────────────────────────────────────────────────

// ModelLoads tracks handle loads per model.
var ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "model_loads_total",
	Help:      "Total model handle loads.",
}, []string{"model"})

// ModelEvictions tracks LRU evictions.
var ModelEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "llmrd",
	Name:      "model_evictions_total",
	Help:      "Total LRU handle evictions.",
})

// ModelsLoaded tracks the number of resident handles.
var ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "llmrd",
	Name:      "models_loaded",
	Help:      "Number of models with a live handle.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "llmrd",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
