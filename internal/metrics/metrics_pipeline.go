package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "g2g_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "g2g_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	pushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "g2g_push_attempts_total",
			Help: "Total number of push attempts by classified result",
		},
		[]string{"reason"},
	)

	duplicateChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "g2g_duplicate_check_results_total",
			Help: "Total number of duplicate detection runs by result",
		},
		[]string{"result"},
	)
)

func PipelineFinished(status string, startTime time.Time) {
	pipelineRuns.WithLabelValues(status).Inc()
	pipelineDuration.WithLabelValues(status).Observe(time.Since(startTime).Seconds())
}

func PushAttempt(reason string) {
	pushAttempts.WithLabelValues(reason).Inc()
}

func DuplicateCheck(result string) {
	duplicateChecks.WithLabelValues(result).Inc()
}
