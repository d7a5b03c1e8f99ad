package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RateLimitOutcome captures the result of one admission check.
type RateLimitOutcome string

const (
	// RateLimitAllowed indicates the event fit inside the window.
	RateLimitAllowed RateLimitOutcome = "allowed"
	// RateLimitRejected indicates the window was full.
	RateLimitRejected RateLimitOutcome = "rejected"
	// RateLimitFailOpen indicates the backend failed and the event was
	// admitted by policy.
	RateLimitFailOpen RateLimitOutcome = "fail_open"
)

// CacheLookupOutcome captures the result of a response cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh cached artifact was served.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no usable entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to a store error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a response cache write.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the artifact was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the write failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// WebhookBeginOutcome captures what the idempotency guard found for a delivery.
type WebhookBeginOutcome string

const (
	// WebhookBeginFresh indicates a first-seen event.
	WebhookBeginFresh WebhookBeginOutcome = "fresh"
	// WebhookBeginDuplicate indicates a terminal record short-circuited the
	// delivery.
	WebhookBeginDuplicate WebhookBeginOutcome = "duplicate"
	// WebhookBeginRetry indicates a stuck processing record permitted a fresh
	// attempt.
	WebhookBeginRetry WebhookBeginOutcome = "retry"
)

// Recorder publishes Prometheus metrics for limiter, cache, and webhook
// activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	rateLimitDecisions *prometheus.CounterVec
	rateLimitLatency   *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	webhookEvents      *prometheus.CounterVec
	webhookCompletions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratekeeper",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions made by the sliding-window limiter.",
	}, []string{"scope", "outcome"})

	rateLimitLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ratekeeper",
		Subsystem: "ratelimit",
		Name:      "check_duration_seconds",
		Help:      "Latency distribution for limiter checks.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"scope", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratekeeper",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations and their results.",
	}, []string{"operation", "result"})

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratekeeper",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Inbound webhook deliveries by idempotency-guard outcome.",
	}, []string{"outcome"})

	webhookCompletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratekeeper",
		Subsystem: "webhook",
		Name:      "completions_total",
		Help:      "Terminal webhook processing outcomes.",
	}, []string{"status"})

	reg.MustRegister(rateLimitDecisions, rateLimitLatency, cacheOperations, webhookEvents, webhookCompletions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		rateLimitDecisions: rateLimitDecisions,
		rateLimitLatency:   rateLimitLatency,
		cacheOperations:    cacheOperations,
		webhookEvents:      webhookEvents,
		webhookCompletions: webhookCompletions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRateLimit records one admission decision and its latency.
func (r *Recorder) ObserveRateLimit(scope string, outcome RateLimitOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	scopeLabel := normalizeLabel(scope)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(RateLimitAllowed)
	}
	r.rateLimitDecisions.WithLabelValues(scopeLabel, outcomeLabel).Inc()
	r.rateLimitLatency.WithLabelValues(scopeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a response cache read.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues("lookup", normalizeLabel(string(result))).Inc()
}

// ObserveCacheStore records the result of a response cache write.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues("store", normalizeLabel(string(result))).Inc()
}

// ObserveWebhookBegin records what the idempotency guard decided for a
// delivery.
func (r *Recorder) ObserveWebhookBegin(outcome WebhookBeginOutcome) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveWebhookComplete records a terminal processing status.
func (r *Recorder) ObserveWebhookComplete(status string) {
	if r == nil {
		return
	}
	r.webhookCompletions.WithLabelValues(normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
