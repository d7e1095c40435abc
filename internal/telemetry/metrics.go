// Package telemetry exposes Prometheus collectors for the crawl worker.
package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCyclesTotal         prometheus.Counter
	jobsTotal               *prometheus.CounterVec
	jobDurationSeconds      *prometheus.HistogramVec
	redirectDetectionsTotal *prometheus.CounterVec
	submitAttemptsTotal     prometheus.Counter
	extractFallbacksTotal   prometheus.Counter
	activeJobs              prometheus.Gauge
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlworker_poll_cycles_total",
			Help: "Total poll cycles executed against the job feed.",
		})

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_jobs_total",
				Help: "Total jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlworker_job_duration_seconds",
				Help:    "Histogram of end-to-end job latencies, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240},
			},
			[]string{"outcome"},
		)

		redirectDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_redirect_detections_total",
				Help: "Redirect detector resolutions, labeled by reason.",
			},
			[]string{"reason"},
		)

		submitAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlworker_submit_attempts_total",
			Help: "Result submit attempts, including retries.",
		})

		extractFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlworker_extract_fallbacks_total",
			Help: "Content extractions that fell back to DOM serialization.",
		})

		activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlworker_active_jobs",
			Help: "Jobs currently being executed.",
		})

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total ops-server HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops-server request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// ObservePollCycle counts one executed poll cycle.
func ObservePollCycle() {
	if pollCyclesTotal != nil {
		pollCyclesTotal.Inc()
	}
}

// ObserveJob records one finished job with its outcome and duration.
func ObserveJob(outcome string, dur time.Duration) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(outcome).Inc()
		jobDurationSeconds.WithLabelValues(outcome).Observe(dur.Seconds())
	}
}

// ObserveRedirectDetection counts one detector resolution by reason.
func ObserveRedirectDetection(reason string) {
	if redirectDetectionsTotal != nil {
		redirectDetectionsTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveSubmitAttempt counts one result submit attempt.
func ObserveSubmitAttempt() {
	if submitAttemptsTotal != nil {
		submitAttemptsTotal.Inc()
	}
}

// ObserveExtractFallback counts one DOM-serialization fallback.
func ObserveExtractFallback() {
	if extractFallbacksTotal != nil {
		extractFallbacksTotal.Inc()
	}
}

// SetActiveJobs reports how many jobs are in flight.
func SetActiveJobs(n int) {
	if activeJobs != nil {
		activeJobs.Set(float64(n))
	}
}

// ObserveHTTPRequest records one ops-server request.
func ObserveHTTPRequest(method, route string, status int, dur time.Duration) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(method, route).Observe(dur.Seconds())
	}
}
