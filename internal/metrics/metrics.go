// Package metrics holds the Prometheus collectors shared by the engine, the
// classifier client and the watchdog.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_jobs_created_total",
		Help: "Jobs created, by type.",
	}, []string{"type"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_job_transitions_total",
		Help: "Job status transitions, by type and target status.",
	}, []string{"type", "status"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_items_processed_total",
		Help: "Items finished by the batch runner, by job type and outcome (done, failed, deferred).",
	}, []string{"type", "outcome"})

	Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_checkpoints_total",
		Help: "Checkpoint writes, by job type and result (ok, error).",
	}, []string{"type", "result"})

	Continuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_continuations_total",
		Help: "Self-continuations enqueued, by job type and reason (ceiling, deferred).",
	}, []string{"type", "reason"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_retry_attempts_total",
		Help: "Backoff retries of classifier calls, by job type.",
	}, []string{"type"})

	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagejobs_invocation_duration_seconds",
		Help:    "Wall time of one handler invocation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 9),
	}, []string{"type"})

	ClassifierRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_classifier_requests_total",
		Help: "Classifier calls, by result kind and outcome.",
	}, []string{"kind", "outcome"})

	ClassifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagejobs_classifier_latency_seconds",
		Help:    "Classifier call latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"kind"})

	WatchdogResumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagejobs_watchdog_resumes_total",
		Help: "Stalled jobs resumed by the watchdog, by job type.",
	}, []string{"type"})
)

func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a metrics listener in the background.
func Serve(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
