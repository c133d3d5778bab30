// Package metrics declares all Prometheus instruments. Everything is
// registered at init through promauto; handlers and services only touch the
// exported vectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ========================================================================
	// EVALUATION ENGINE
	// ========================================================================

	EvaluationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_evaluations_started_total",
		Help: "Evaluation runs started, by suite set size.",
	}, []string{"suites"})

	EvaluationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_evaluations_completed_total",
		Help: "Evaluation runs reaching a terminal status.",
	}, []string{"status"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentcert_evaluation_duration_seconds",
		Help:    "Wall-clock duration of completed evaluation runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_eval_tasks_executed_total",
		Help: "Individual task executions, by suite and outcome.",
	}, []string{"suite", "outcome"})

	JudgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_judge_requests_total",
		Help: "LLM judge requests, by result.",
	}, []string{"result"})

	JudgeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcert_judge_retries_total",
		Help: "LLM judge request retries after rate limit or timeout.",
	})

	// ========================================================================
	// CERTIFICATE LIFECYCLE
	// ========================================================================

	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_certificates_issued_total",
		Help: "Certificates issued, by grade.",
	}, []string{"grade"})

	CertificatesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_certificates_revoked_total",
		Help: "Certificates revoked, by reason.",
	}, []string{"reason"})

	CertificateVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_certificate_verifications_total",
		Help: "Certificate verification checks, by validity outcome.",
	}, []string{"valid"})

	// ========================================================================
	// TACP
	// ========================================================================

	TACPMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_tacp_messages_total",
		Help: "TACP envelopes processed, by message type.",
	}, []string{"type"})

	TrustHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_trust_handshakes_total",
		Help: "Trust handshake completions, by outcome.",
	}, []string{"outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcert_sessions_active",
		Help: "Currently active TACP sessions.",
	})

	// ========================================================================
	// TRACE PIPELINE
	// ========================================================================

	SpansIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_spans_ingested_total",
		Help: "Spans persisted through the ingestion path, by kind.",
	}, []string{"kind"})

	TracesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_traces_finalized_total",
		Help: "Traces finalised, by terminal status.",
	}, []string{"status"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcert_stream_subscribers",
		Help: "Currently connected trace stream subscribers.",
	})

	StreamEventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_stream_events_sent_total",
		Help: "Trace events delivered to subscribers, by event type.",
	}, []string{"type"})

	StreamEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcert_stream_events_dropped_total",
		Help: "Trace events dropped because a subscriber queue was full.",
	})

	// ========================================================================
	// HTTP
	// ========================================================================

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcert_http_requests_total",
		Help: "HTTP requests served, by route and status class.",
	}, []string{"route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentcert_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
