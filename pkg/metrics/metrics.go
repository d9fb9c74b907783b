package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Processing metrics
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	FallbacksTotal     *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Queue metrics
	QueueDepth     *prometheus.GaugeVec
	QueueInFlight  *prometheus.GaugeVec
	QueueOutcomes  *prometheus.CounterVec
	QueueWaitTime  *prometheus.HistogramVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec
	CacheHitRatio   *prometheus.GaugeVec

	// Degradation metrics
	DegradationLevel *prometheus.GaugeVec
	FailureRate      *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	// System metrics
	RedisConnections *prometheus.GaugeVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "visibility_boost",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
			[]string{"method", "path"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of processed requests by outcome",
			},
			[]string{"operation", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "End to end request processing duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation", "outcome"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback responses served",
			},
			[]string{"operation", "reason"},
		),
		TokensProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tokens_processed_total",
				Help:      "Total number of model tokens reported by responses",
			},
			[]string{"operation"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half open)",
			},
			[]string{"service"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"service", "to_state"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_rejections_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"service"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of requests waiting for admission",
			},
			[]string{"queue"},
		),
		QueueInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_in_flight",
				Help:      "Number of requests currently processing",
			},
			[]string{"queue"},
		),
		QueueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_outcomes_total",
				Help:      "Queue request outcomes",
			},
			[]string{"queue", "outcome"},
		),
		QueueWaitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_wait_seconds",
				Help:      "Time spent waiting in the admission queue",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"queue", "priority"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Response cache operations by result",
			},
			[]string{"operation", "result"},
		),
		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hit_ratio",
				Help:      "Fraction of lookups served from the response cache",
			},
			[]string{"tier"},
		),
		DegradationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "Current degradation level (0 none, 1 partial, 2 severe)",
			},
			[]string{"component"},
		),
		FailureRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "failure_rate",
				Help:      "Smoothed failure rate per operation",
			},
			[]string{"operation"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Redis connection pool statistics",
			},
			[]string{"state"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RequestsTotal,
		m.RequestDuration,
		m.FallbacksTotal,
		m.TokensProcessed,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.QueueDepth,
		m.QueueInFlight,
		m.QueueOutcomes,
		m.QueueWaitTime,
		m.CacheOperations,
		m.CacheHitRatio,
		m.DegradationLevel,
		m.FailureRate,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.RedisConnections,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRequest records an end to end processing outcome
func (m *Metrics) RecordRequest(operation, outcome string, duration time.Duration) {
	if m.RequestsTotal == nil {
		return
	}

	m.RequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.RequestDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordFallback records a served fallback response
func (m *Metrics) RecordFallback(operation, reason string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(operation, reason).Inc()
}

// RecordTokens records model token usage reported by a response
func (m *Metrics) RecordTokens(operation string, tokens int) {
	if m.TokensProcessed == nil || tokens <= 0 {
		return
	}

	m.TokensProcessed.WithLabelValues(operation).Add(float64(tokens))
}

// UpdateBreakerState updates the breaker state gauge
func (m *Metrics) UpdateBreakerState(service string, state int) {
	if m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(service, toState string) {
	if m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(service, toState).Inc()
}

// RecordBreakerRejection records a call rejected by an open circuit
func (m *Metrics) RecordBreakerRejection(service string) {
	if m.BreakerRejections == nil {
		return
	}

	m.BreakerRejections.WithLabelValues(service).Inc()
}

// UpdateQueueGauges updates queue depth and in-flight gauges
func (m *Metrics) UpdateQueueGauges(queue string, depth, inFlight int64) {
	if m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	m.QueueInFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// RecordQueueOutcome records a queue request outcome
func (m *Metrics) RecordQueueOutcome(queue, outcome string) {
	if m.QueueOutcomes == nil {
		return
	}

	m.QueueOutcomes.WithLabelValues(queue, outcome).Inc()
}

// RecordQueueWait records time a request spent waiting for admission
func (m *Metrics) RecordQueueWait(queue, priority string, wait time.Duration) {
	if m.QueueWaitTime == nil {
		return
	}

	m.QueueWaitTime.WithLabelValues(queue, priority).Observe(wait.Seconds())
}

// RecordCacheOperation records a response cache operation
func (m *Metrics) RecordCacheOperation(operation, result string) {
	if m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, result).Inc()
}

// UpdateCacheHitRatio updates the cache hit ratio gauge
func (m *Metrics) UpdateCacheHitRatio(tier string, ratio float64) {
	if m.CacheHitRatio == nil {
		return
	}

	m.CacheHitRatio.WithLabelValues(tier).Set(ratio)
}

// UpdateDegradationLevel updates the degradation level gauge
func (m *Metrics) UpdateDegradationLevel(component string, level int) {
	if m.DegradationLevel == nil {
		return
	}

	m.DegradationLevel.WithLabelValues(component).Set(float64(level))
}

// UpdateFailureRate updates the smoothed failure rate gauge
func (m *Metrics) UpdateFailureRate(operation string, rate float64) {
	if m.FailureRate == nil {
		return
	}

	m.FailureRate.WithLabelValues(operation).Set(rate)
}

// RecordError records an error occurrence
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records a recovered panic
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// UpdateRedisConnections updates Redis connection pool gauges
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
