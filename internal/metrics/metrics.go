// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iteration_hub"

var (
	HTTPRequestInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	HTTPRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Number of HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	IterationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "iteration_transitions_total",
		Help:      "Iteration state transitions.",
	}, []string{"from", "to"})

	IterationStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "iteration_stop_total",
		Help:      "Iterations ended by a stop rule.",
	}, []string{"reason"})

	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_total",
		Help:      "Jobs handled per queue and result.",
	}, []string{"queue", "result"})

	QueueJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_job_duration_seconds",
		Help:      "Duration of queued jobs.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"queue"})

	JudgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "judge_calls_total",
		Help:      "Judge model calls per mode and result.",
	}, []string{"mode", "result"})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed per purpose.",
	}, []string{"purpose"})
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultRetry   = "retry"

	PurposeExecution  = "execution"
	PurposeJudging    = "judging"
	PurposeRefinement = "refinement"
)
