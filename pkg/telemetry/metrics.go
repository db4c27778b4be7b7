package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the pipeline coordinator.
type Metrics struct {
	config MetricsConfig

	// Intake metrics
	requestsSubmitted *prometheus.CounterVec
	requestsRejected  *prometheus.CounterVec

	// Stage metrics
	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	claims          *prometheus.CounterVec

	// Bus metrics
	triggersPublished   *prometheus.CounterVec
	triggerRedeliveries *prometheus.CounterVec
	deadLetters         *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec

	// External function metrics
	externalCalls        *prometheus.CounterVec
	externalCallDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requestsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_submitted_total",
				Help:      "Total number of rescue requests accepted at intake",
			},
			[]string{"region"},
		),
		requestsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_rejected_total",
				Help:      "Total number of intake submissions rejected",
			},
			[]string{"reason"},
		),

		stageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Total number of stage handler executions by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage handler executions in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_claims_total",
				Help:      "Total number of stage claims by outcome (acquired, held)",
			},
			[]string{"stage", "outcome"},
		),

		triggersPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_published_total",
				Help:      "Total number of trigger messages published",
			},
			[]string{"topic"},
		),
		triggerRedeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_redeliveries_total",
				Help:      "Total number of trigger deliveries beyond the first attempt",
			},
			[]string{"topic"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total number of triggers moved to the dead-letter table",
			},
			[]string{"topic"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trigger_queue_depth",
				Help:      "Current number of live triggers queued per topic",
			},
			[]string{"topic"},
		),

		externalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_calls_total",
				Help:      "Total number of external function invocations by outcome",
			},
			[]string{"function", "outcome"},
		),
		externalCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_call_duration_seconds",
				Help:      "Duration of external function invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"function"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by pipeline error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.requestsSubmitted,
		m.requestsRejected,
		m.stageExecutions,
		m.stageDuration,
		m.claims,
		m.triggersPublished,
		m.triggerRedeliveries,
		m.deadLetters,
		m.queueDepth,
		m.externalCalls,
		m.externalCallDuration,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRequestSubmitted increments the accepted-submission counter.
func (m *Metrics) RecordRequestSubmitted(region string) {
	if m.requestsSubmitted == nil {
		return
	}
	m.requestsSubmitted.WithLabelValues(region).Inc()
}

// RecordRequestRejected increments the rejected-submission counter.
func (m *Metrics) RecordRequestRejected(reason string) {
	if m.requestsRejected == nil {
		return
	}
	m.requestsRejected.WithLabelValues(reason).Inc()
}

// RecordStageExecution records a stage handler execution and its duration.
func (m *Metrics) RecordStageExecution(stage, outcome string, duration time.Duration) {
	if m.stageExecutions == nil {
		return
	}
	m.stageExecutions.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordClaim records a claim outcome for a stage.
func (m *Metrics) RecordClaim(stage, outcome string) {
	if m.claims == nil {
		return
	}
	m.claims.WithLabelValues(stage, outcome).Inc()
}

// RecordTriggerPublished increments the published-trigger counter.
func (m *Metrics) RecordTriggerPublished(topic string) {
	if m.triggersPublished == nil {
		return
	}
	m.triggersPublished.WithLabelValues(topic).Inc()
}

// RecordTriggerRedelivery increments the redelivery counter.
func (m *Metrics) RecordTriggerRedelivery(topic string) {
	if m.triggerRedeliveries == nil {
		return
	}
	m.triggerRedeliveries.WithLabelValues(topic).Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func (m *Metrics) RecordDeadLetter(topic string) {
	if m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(topic).Inc()
}

// SetQueueDepth sets the live queue depth gauge for a topic.
func (m *Metrics) SetQueueDepth(topic string, depth float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(depth)
}

// RecordExternalCall records an external function invocation.
func (m *Metrics) RecordExternalCall(function, outcome string, duration time.Duration) {
	if m.externalCalls == nil {
		return
	}
	m.externalCalls.WithLabelValues(function, outcome).Inc()
	m.externalCallDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordError records an error by pipeline error class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
