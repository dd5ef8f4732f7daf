package workerrt

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// ResourceMetrics holds a worker process's current resource usage.
type ResourceMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`
	CPUCores   int     `json:"cpu_cores"`
	GoRoutines int     `json:"go_routines"`

	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	HeapAllocMB   uint64  `json:"heap_alloc_mb"`

	ActiveJobs     int   `json:"active_jobs"`
	MaxConcurrency int   `json:"max_concurrency"`
	JobsProcessed  int64 `json:"jobs_processed"`
	JobsFailed     int64 `json:"jobs_failed"`

	WorkerID string        `json:"worker_id"`
	Uptime   time.Duration `json:"uptime"`
}

// ResourceMonitor samples process and host resource usage on a ticker and
// tracks per-worker job throughput, exported as Prometheus gauges and kept
// for GetMetrics/IsHealthy. Heartbeats do not carry these metrics.
type ResourceMonitor struct {
	workerID       string
	startTime      time.Time
	interval       time.Duration
	maxConcurrency int

	mu            sync.RWMutex
	metrics       ResourceMetrics
	jobsProcessed int64
	jobsFailed    int64

	cpuThreshold    float64
	memoryThreshold float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResourceMonitor constructs a ResourceMonitor for a worker with the
// given concurrency limit.
func NewResourceMonitor(workerID string, maxConcurrency int) *ResourceMonitor {
	return &ResourceMonitor{
		workerID:        workerID,
		startTime:       time.Now(),
		interval:        30 * time.Second,
		maxConcurrency:  maxConcurrency,
		cpuThreshold:    80.0,
		memoryThreshold: 90.0,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.wg.Add(1)
	go rm.monitorLoop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (rm *ResourceMonitor) Stop() {
	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *ResourceMonitor) monitorLoop(ctx context.Context) {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	rm.collectMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.collectMetrics()
			rm.checkThresholds()
		}
	}
}

func (rm *ResourceMonitor) collectMetrics() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	m := ResourceMetrics{
		Timestamp:      time.Now(),
		WorkerID:       rm.workerID,
		Uptime:         time.Since(rm.startTime),
		MaxConcurrency: rm.maxConcurrency,
		JobsProcessed:  rm.jobsProcessed,
		JobsFailed:     rm.jobsFailed,
		CPUCores:       runtime.NumCPU(),
		GoRoutines:     runtime.NumGoroutine(),
		ActiveJobs:     rm.metrics.ActiveJobs,
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		m.CPUPercent = cpuPercent[0]
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		m.MemoryUsedMB = vmStat.Used / 1024 / 1024
		m.MemoryTotalMB = vmStat.Total / 1024 / 1024
		m.MemoryPercent = vmStat.UsedPercent
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.HeapAllocMB = memStats.HeapAlloc / 1024 / 1024

	rm.metrics = m

	metrics.UpdateWorkerResourceUsage(rm.workerID, m.CPUPercent, float64(m.MemoryUsedMB)*1024*1024)
	metrics.SetWorkerJobsActive(rm.workerID, float64(m.ActiveJobs))
}

func (rm *ResourceMonitor) checkThresholds() {
	rm.mu.RLock()
	m := rm.metrics
	rm.mu.RUnlock()

	if m.CPUPercent > rm.cpuThreshold {
		obslog.Log.WithField("cpu_percent", m.CPUPercent).
			WithField("threshold", rm.cpuThreshold).
			Warn("worker cpu usage exceeds threshold")
	}
	if m.MemoryPercent > rm.memoryThreshold {
		obslog.Log.WithField("memory_percent", m.MemoryPercent).
			WithField("threshold", rm.memoryThreshold).
			Warn("worker memory usage exceeds threshold")
	}
}

// GetMetrics returns the most recently collected metrics.
func (rm *ResourceMonitor) GetMetrics() ResourceMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// RecordJobStart increments the active job count.
func (rm *ResourceMonitor) RecordJobStart() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.ActiveJobs++
}

// RecordJobComplete decrements the active job count and updates throughput
// counters.
func (rm *ResourceMonitor) RecordJobComplete(success bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.metrics.ActiveJobs--
	if rm.metrics.ActiveJobs < 0 {
		rm.metrics.ActiveJobs = 0
	}
	if success {
		rm.jobsProcessed++
	} else {
		rm.jobsFailed++
	}
}

// IsHealthy reports whether the worker is within its resource thresholds
// and isn't leaking goroutines.
func (rm *ResourceMonitor) IsHealthy() bool {
	m := rm.GetMetrics()
	if m.CPUPercent > rm.cpuThreshold {
		return false
	}
	if m.MemoryPercent > rm.memoryThreshold {
		return false
	}
	if m.GoRoutines > 1000 {
		obslog.Log.WithField("go_routines", m.GoRoutines).Warn("excessive number of goroutines detected")
		return false
	}
	return true
}
