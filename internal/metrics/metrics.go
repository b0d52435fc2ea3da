// Package metrics exposes Prometheus collectors for the analysis pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_jobs_total",
			Help: "Total analysis jobs finished, labeled by terminal status.",
		},
		[]string{"status"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitelens_stage_duration_seconds",
			Help:    "Histogram of pipeline stage durations, labeled by stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	analyzerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_analyzer_tasks_total",
			Help: "Total analyzer tasks settled, labeled by module and result.",
		},
		[]string{"module", "result"},
	)

	analyzerTaskSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitelens_analyzer_task_duration_seconds",
			Help:    "Histogram of analyzer task latencies, labeled by module.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"module"},
	)

	fetchStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_fetch_steps_total",
			Help: "Total fetch sub-steps, labeled by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_cache_lookups_total",
			Help: "Total dedup cache lookups, labeled by result (hit, join, reserve).",
		},
		[]string{"result"},
	)

	issuesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitelens_issues_dropped_total",
			Help: "Issues dropped because their rule key was not in the catalog.",
		},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitelens_active_workers",
			Help: "Workers currently busy, labeled by pool.",
		},
		[]string{"pool"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records one pipeline stage duration.
func ObserveStage(stage string, duration time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveAnalyzerTask records a settled analyzer task.
func ObserveAnalyzerTask(module, result string, duration time.Duration) {
	analyzerTasksTotal.WithLabelValues(module, result).Inc()
	analyzerTaskSeconds.WithLabelValues(module).Observe(duration.Seconds())
}

// ObserveFetchStep counts a fetch sub-step outcome (ok, degraded, failed).
func ObserveFetchStep(step, outcome string) {
	fetchStepsTotal.WithLabelValues(step, outcome).Inc()
}

// ObserveCacheLookup counts a dedup cache lookup result.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveDroppedIssue counts an issue dropped for an unresolvable rule key.
func ObserveDroppedIssue() {
	issuesDroppedTotal.Inc()
}

// IncActiveWorkers increments the busy gauge for a pool.
func IncActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Inc()
}

// DecActiveWorkers decrements the busy gauge for a pool.
func DecActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Dec()
}
