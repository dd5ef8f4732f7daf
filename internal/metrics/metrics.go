// Package metrics exposes Prometheus collectors for the orchestration core:
// job lifecycle counters, scheduler queue depth, resource allocation
// gauges, and API request instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"priority", "distributed"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainforge_job_duration_seconds",
			Help:    "Wall-clock time from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5 hours
		},
		[]string{"status"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_job_retries_total",
			Help: "Total number of job retry/reclaim attempts",
		},
		[]string{"reason"},
	)

	// Scheduler/queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainforge_queue_depth",
			Help: "Current number of jobs pending placement, by priority",
		},
		[]string{"priority"},
	)

	ClaimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_claim_conflicts_total",
			Help: "Total number of claim attempts that lost the race for a job",
		},
		[]string{},
	)

	// Resource manager metrics
	GPUsAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainforge_gpus_allocated",
			Help: "Number of GPU devices currently allocated",
		},
	)

	GPUsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainforge_gpus_total",
			Help: "Number of GPU devices known to the resource manager",
		},
	)

	CPUCoresAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainforge_cpu_cores_allocated",
			Help: "Number of CPU cores currently allocated",
		},
	)

	// Worker metrics
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainforge_workers_active",
			Help: "Number of workers considered reachable",
		},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainforge_worker_jobs_active",
			Help: "Number of jobs currently being executed by a worker",
		},
		[]string{"worker_id"},
	)

	WorkerCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainforge_worker_cpu_usage_percent",
			Help: "Current CPU usage percentage reported by a worker",
		},
		[]string{"worker_id"},
	)

	WorkerMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainforge_worker_memory_usage_bytes",
			Help: "Current memory usage reported by a worker, in bytes",
		},
		[]string{"worker_id"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainforge_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Error metrics
	JobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainforge_job_errors_total",
			Help: "Total number of job errors by kind",
		},
		[]string{"error_kind", "retryable"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job submission metric.
func RecordJobSubmission(priority string, distributed bool) {
	JobsSubmitted.WithLabelValues(priority, boolLabel(distributed)).Inc()
}

// RecordJobCompleted records a job reaching a terminal state and its
// end-to-end duration.
func RecordJobCompleted(status string, duration float64) {
	JobsCompleted.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status).Observe(duration)
}

// RecordJobRetry records a job retry or reclaim attempt.
func RecordJobRetry(reason string) {
	JobRetries.WithLabelValues(reason).Inc()
}

// RecordClaimConflict records a losing claim attempt.
func RecordClaimConflict() {
	ClaimConflicts.WithLabelValues().Inc()
}

// UpdateQueueDepth sets the current pending-queue depth for a priority.
func UpdateQueueDepth(priority string, count float64) {
	QueueDepth.WithLabelValues(priority).Set(count)
}

// UpdateResourceGauges sets the resource manager's allocation gauges.
func UpdateResourceGauges(gpusAllocated, gpusTotal, cpuCoresAllocated float64) {
	GPUsAllocated.Set(gpusAllocated)
	GPUsTotal.Set(gpusTotal)
	CPUCoresAllocated.Set(cpuCoresAllocated)
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string) {
	APIRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}

// RecordAPIRequestDuration records the duration of an API request.
func RecordAPIRequestDuration(method, endpoint string, duration float64) {
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// UpdateWorkerResourceUsage updates worker resource usage metrics.
func UpdateWorkerResourceUsage(workerID string, cpuPercent, memoryBytes float64) {
	WorkerCPUUsage.WithLabelValues(workerID).Set(cpuPercent)
	WorkerMemoryUsage.WithLabelValues(workerID).Set(memoryBytes)
}

// SetWorkersActive sets the number of reachable workers.
func SetWorkersActive(count float64) {
	WorkersActive.Set(count)
}

// SetWorkerJobsActive sets the number of active jobs for a worker.
func SetWorkerJobsActive(workerID string, count float64) {
	WorkerJobsActive.WithLabelValues(workerID).Set(count)
}

// RecordJobError records a job error metric.
func RecordJobError(errorKind string, retryable bool) {
	JobErrors.WithLabelValues(errorKind, boolLabel(retryable)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
