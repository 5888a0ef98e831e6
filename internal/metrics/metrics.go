// Package metrics exposes Prometheus counters and histograms for the job
// pipeline, grounded on the shoal-provision repo's
// internal/provisioner/metrics package: a package-level registry built
// once, observation functions that are no-ops before Reset/init runs, and
// a Handler for the exposition endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	domainWaitTime  prometheus.Histogram
	queueDepth      prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure
// clean state between runs in the same process.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an http.Handler exposing metrics in Prometheus text
// format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSubmission records a job submission outcome: "accepted",
// "rejected", or "duplicate".
func ObserveSubmission(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(outcome).Inc()
	}
}

// ObserveCompletion records a terminal job outcome ("succeeded" or
// "failed") together with its error code, if any.
func ObserveCompletion(status, errorCode string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(status, errorCode).Inc()
	}
}

// ObserveRenderDuration records how long a render attempt took for mode
// ("print_to_pdf" or "screenshot_to_pdf").
func ObserveRenderDuration(mode string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if renderDuration != nil {
		renderDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// ObserveDomainWait records how long a job waited for its domain lock. The
// Queue Service reports it for jobs failed by the domain-wait sweep, with
// the wait measured from the job's creation.
func ObserveDomainWait(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if domainWaitTime != nil {
		domainWaitTime.Observe(d.Seconds())
	}
}

// SetQueueDepth reports the current count of non-terminal jobs.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdfjobs",
		Name:      "submissions_total",
		Help:      "Total job submissions by outcome (accepted, rejected, duplicate).",
	}, []string{"outcome"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdfjobs",
		Name:      "jobs_completed_total",
		Help:      "Total jobs reaching a terminal state, by status and error code.",
	}, []string{"status", "error_code"})

	render := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pdfjobs",
		Name:      "render_duration_seconds",
		Help:      "Duration of render attempts by render mode.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"mode"})

	domainWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pdfjobs",
		Name:      "domain_wait_seconds",
		Help:      "Time jobs spent waiting for a contended domain lock.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pdfjobs",
		Name:      "queue_depth",
		Help:      "Current count of jobs not yet in a terminal state.",
	})

	registry.MustRegister(submitted, completed, render, domainWait, depth)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	renderDuration = render
	domainWaitTime = domainWait
	queueDepth = depth
}
