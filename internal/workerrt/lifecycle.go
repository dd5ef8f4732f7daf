package workerrt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// LifecycleManager tracks the jobs a worker is actively running and drives
// graceful shutdown: cancel in-flight jobs, wait for them to report a
// result, then force-fail whatever is still running past the deadline.
type LifecycleManager struct {
	client          *ControlPlaneClient
	cleanupTimeout  time.Duration
	shutdownTimeout time.Duration
	activeJobs      map[string]*JobContext
	mu              sync.RWMutex
	shutdownCh      chan struct{}
	cleanupWg       sync.WaitGroup
}

// JobContext tracks one job this worker is currently executing.
type JobContext struct {
	Job       *models.Job
	StartTime time.Time
	WorkDir   string
	Cancel    context.CancelFunc
}

// NewLifecycleManager creates a new lifecycle manager.
func NewLifecycleManager(client *ControlPlaneClient) *LifecycleManager {
	return &LifecycleManager{
		client:          client,
		cleanupTimeout:  30 * time.Second,
		shutdownTimeout: 60 * time.Second,
		activeJobs:      make(map[string]*JobContext),
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterJob registers a job as active.
func (lm *LifecycleManager) RegisterJob(job *models.Job, workDir string, cancel context.CancelFunc) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.activeJobs[job.ID] = &JobContext{
		Job:       job,
		StartTime: time.Now(),
		WorkDir:   workDir,
		Cancel:    cancel,
	}

	obslog.Log.WithField("job_id", job.ID).
		WithField("active_jobs", len(lm.activeJobs)).
		Info("job registered with lifecycle manager")
}

// UnregisterJob removes a job from active tracking and cleans its work dir.
func (lm *LifecycleManager) UnregisterJob(jobID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if jobCtx, exists := lm.activeJobs[jobID]; exists {
		if jobCtx.WorkDir != "" {
			lm.cleanupWorkDir(jobCtx.WorkDir)
		}
		delete(lm.activeJobs, jobID)
		obslog.Log.WithField("job_id", jobID).
			WithField("active_jobs", len(lm.activeJobs)).
			Info("job unregistered from lifecycle manager")
	}
}

// GetActiveJobs returns a list of currently active job IDs.
func (lm *LifecycleManager) GetActiveJobs() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	jobIDs := make([]string, 0, len(lm.activeJobs))
	for jobID := range lm.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs
}

// GracefulShutdown cancels active jobs, waits for them to wind down, and
// forces a failure report for anything still running past the deadline.
func (lm *LifecycleManager) GracefulShutdown(ctx context.Context) error {
	obslog.Log.Info("initiating graceful worker shutdown")

	close(lm.shutdownCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, lm.shutdownTimeout)
	defer cancel()

	lm.cancelActiveJobs()

	done := make(chan struct{})
	go func() {
		lm.waitForActiveJobs()
		close(done)
	}()

	select {
	case <-done:
		obslog.Log.Info("all active jobs completed")
	case <-shutdownCtx.Done():
		obslog.Log.Warn("shutdown timeout reached, forcing termination")
		lm.forceCleanup()
	}

	cleanupDone := make(chan struct{})
	go func() {
		lm.cleanupWg.Wait()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
		obslog.Log.Info("cleanup completed")
	case <-time.After(lm.cleanupTimeout):
		obslog.Log.Warn("cleanup timeout reached")
	}

	obslog.Log.Info("graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) cancelActiveJobs() {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	for jobID, jobCtx := range lm.activeJobs {
		obslog.Log.WithField("job_id", jobID).Info("cancelling active job")
		if jobCtx.Cancel != nil {
			jobCtx.Cancel()
		}
	}
}

func (lm *LifecycleManager) waitForActiveJobs() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		lm.mu.RLock()
		activeCount := len(lm.activeJobs)
		lm.mu.RUnlock()

		if activeCount == 0 {
			return
		}
		obslog.Log.WithField("active_jobs", activeCount).Info("waiting for active jobs to complete")
		<-ticker.C
	}
}

func (lm *LifecycleManager) forceCleanup() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for jobID, jobCtx := range lm.activeJobs {
		obslog.Log.WithField("job_id", jobID).Warn("force cleaning up job")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exitCode := -1
		_, err := lm.client.UpdateStatus(ctx, jobID, UpdateStatusRequest{
			Status:       models.StatusFailed,
			ExitCode:     &exitCode,
			ErrorKind:    "worker_shutdown",
			ErrorMessage: "job terminated by worker shutdown",
		})
		cancel()
		if err != nil {
			obslog.Log.WithField("job_id", jobID).WithError(err).Error("failed to report forced failure during shutdown")
		}

		if jobCtx.WorkDir != "" {
			lm.cleanupWorkDir(jobCtx.WorkDir)
		}
	}

	lm.activeJobs = make(map[string]*JobContext)
}

func (lm *LifecycleManager) cleanupWorkDir(workDir string) {
	lm.cleanupWg.Add(1)
	go func() {
		defer lm.cleanupWg.Done()
		if workDir == "" {
			return
		}
		obslog.Log.WithField("work_dir", workDir).Debug("cleaning up work directory")
		if err := os.RemoveAll(workDir); err != nil {
			obslog.Log.WithField("work_dir", workDir).WithError(err).Warn("failed to cleanup work directory")
		}
	}()
}

// IsShuttingDown reports whether graceful shutdown has begun.
func (lm *LifecycleManager) IsShuttingDown() bool {
	select {
	case <-lm.shutdownCh:
		return true
	default:
		return false
	}
}

// SetupSignalHandlers triggers GracefulShutdown on SIGINT/SIGTERM.
func (lm *LifecycleManager) SetupSignalHandlers(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			obslog.Log.WithField("signal", sig).Info("received shutdown signal")
			if err := lm.GracefulShutdown(ctx); err != nil {
				obslog.Log.WithError(err).Error("error during graceful shutdown")
			}
			cancel()
		case <-ctx.Done():
		}
	}()
}

// JobCleanupOnFailure removes a job's work directory after an execution
// error, independent of the shutdown path.
func (lm *LifecycleManager) JobCleanupOnFailure(jobID string, err error) {
	lm.mu.RLock()
	jobCtx, exists := lm.activeJobs[jobID]
	lm.mu.RUnlock()

	if !exists {
		return
	}

	logger := obslog.Log.WithField("job_id", jobID).WithError(err)
	logger.Info("performing cleanup for failed job")

	if jobCtx.WorkDir != "" {
		lm.cleanupWorkDir(jobCtx.WorkDir)
	}

	logger.Info("job failure cleanup completed")
}
