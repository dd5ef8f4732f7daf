// Package workerrt implements the Worker Runtime: the process that polls
// the Control Plane API for claimed jobs, fetches their project archive,
// launches them through a Container Supervisor backend, ships their logs
// back in batches, uploads result artifacts, and reports the final status.
package workerrt

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/secrets"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/supervisor"
)

// Config holds the configuration for a Worker instance.
type Config struct {
	WorkerID     string
	Hostname     string
	Capabilities []string
	GPUCount     int
	CPUCores     int
	Concurrency  int
	PollInterval time.Duration
	WorkspaceDir string
}

// Worker polls the Control Plane for claimed jobs and runs them through a
// Container Supervisor backend, bounded to Concurrency simultaneous jobs.
type Worker struct {
	config  Config
	client  *ControlPlaneClient
	backend supervisor.Backend
	masker  *secrets.Masker

	pool      *workerpool.WorkerPool
	lifecycle *LifecycleManager
	monitor   *ResourceMonitor

	wg sync.WaitGroup
}

// New creates a new Worker instance.
func New(cfg Config, client *ControlPlaneClient, backend supervisor.Backend) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.WorkerPollInterval
	}

	return &Worker{
		config:    cfg,
		client:    client,
		backend:   backend,
		masker:    secrets.NewMasker(),
		pool:      workerpool.New(cfg.Concurrency),
		lifecycle: NewLifecycleManager(client),
		monitor:   NewResourceMonitor(cfg.WorkerID, cfg.Concurrency),
	}
}

// Start registers the worker, begins polling, heartbeating, and resource
// monitoring, and blocks until ctx is cancelled, at which point it drains
// in-flight jobs through a graceful shutdown.
func (w *Worker) Start(ctx context.Context) error {
	obslog.Log.WithField("worker_id", w.config.WorkerID).Info("worker starting")

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := w.client.RegisterWorker(workerCtx, RegisterWorkerRequest{
		ID:           w.config.WorkerID,
		Hostname:     w.config.Hostname,
		Capabilities: w.config.Capabilities,
		GPUCount:     w.config.GPUCount,
		CPUCores:     w.config.CPUCores,
		Concurrency:  w.config.Concurrency,
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	w.monitor.Start(workerCtx)
	defer w.monitor.Stop()

	w.wg.Add(2)
	go w.heartbeatLoop(workerCtx)
	go w.pollLoop(workerCtx)

	w.wg.Wait()
	w.pool.StopWait()

	if err := w.lifecycle.GracefulShutdown(context.Background()); err != nil {
		obslog.Log.WithError(err).Error("error during final worker cleanup")
	}

	obslog.Log.WithField("worker_id", w.config.WorkerID).Info("worker stopped")
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := len(w.lifecycle.GetActiveJobs())
			if _, err := w.client.Heartbeat(ctx, w.config.WorkerID, active); err != nil {
				obslog.Log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	if w.lifecycle.IsShuttingDown() {
		return
	}

	job, err := w.client.ClaimNext(ctx, w.config.WorkerID)
	if err != nil {
		obslog.Log.WithError(err).Warn("failed to poll for next job")
		return
	}
	if job == nil {
		return
	}

	w.pool.Submit(func() {
		w.processJob(ctx, job)
	})
}

// processJob runs one claimed job end to end: fetch its project archive,
// run an optional setup command, launch it under the Supervisor backend,
// stream logs, watch for cancellation, collect and upload result
// artifacts, and report the terminal status.
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	logger := obslog.Log.WithField("job_id", job.ID).WithField("worker_id", w.config.WorkerID)
	logger.Info("processing claimed job")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workDir := filepath.Join(w.config.WorkspaceDir, job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.WithError(err).Error("failed to create job work directory")
		w.reportFailure(ctx, job.ID, err, -1, "workdir_error")
		return
	}

	w.lifecycle.RegisterJob(job, workDir, cancel)
	defer w.lifecycle.UnregisterJob(job.ID)

	if err := w.fetchAndExtractArchive(jobCtx, job, workDir); err != nil {
		logger.WithError(err).Error("failed to fetch or extract project archive")
		w.reportFailure(ctx, job.ID, err, -1, "ArchiveUnavailable")
		return
	}

	if job.SetupCommand != "" {
		if err := w.runSetupCommand(jobCtx, job, workDir); err != nil {
			logger.WithError(err).Error("setup command failed")
			w.reportFailure(ctx, job.ID, err, -1, "SetupFailed")
			return
		}
	}

	w.monitor.RecordJobStart()

	jobCfg := w.buildJobConfig(job, workDir)
	sup, err := w.backend.NewSupervisor(jobCfg)
	if err != nil {
		logger.WithError(err).Error("failed to construct supervisor")
		w.monitor.RecordJobComplete(false)
		w.reportFailure(ctx, job.ID, err, -1, "supervisor_error")
		return
	}

	if err := RetryWithBackoff(jobCtx, DefaultRetryConfig(), "start_job", func() error {
		return sup.Start(jobCtx)
	}); err != nil {
		logger.WithError(err).Error("failed to start job")
		w.monitor.RecordJobComplete(false)
		w.reportFailure(ctx, job.ID, err, -1, "start_error")
		return
	}

	if _, err := w.client.UpdateStatus(ctx, job.ID, UpdateStatusRequest{Status: models.StatusRunning}); err != nil {
		logger.WithError(err).Warn("failed to report running status")
	}

	var cancelled atomic.Bool
	cancelWatchDone := make(chan struct{})
	go func() {
		defer close(cancelWatchDone)
		w.watchForCancellation(jobCtx, job.ID, sup, &cancelled)
	}()

	stdout, stderr, err := sup.StreamLogs(jobCtx)
	if err != nil {
		logger.WithError(err).Warn("failed to attach job logs")
	} else {
		var logWg sync.WaitGroup
		logWg.Add(2)
		go func() {
			defer logWg.Done()
			shipper := NewLogShipper(LogShipperConfig{Client: w.client, JobID: job.ID, StreamType: "stdout"}, w.masker)
			if err := shipper.StreamAndShip(jobCtx, stdout); err != nil {
				logger.WithError(err).Warn("stdout log shipper exited with error")
			}
		}()
		go func() {
			defer logWg.Done()
			shipper := NewLogShipper(LogShipperConfig{Client: w.client, JobID: job.ID, StreamType: "stderr"}, w.masker)
			if err := shipper.StreamAndShip(jobCtx, stderr); err != nil {
				logger.WithError(err).Warn("stderr log shipper exited with error")
			}
		}()
		defer logWg.Wait()
	}

	exitCode, waitErr := sup.Wait(jobCtx)
	sup.Cleanup(context.Background())
	cancel()
	<-cancelWatchDone

	if cancelled.Load() {
		w.monitor.RecordJobComplete(false)
		if _, err := w.client.UpdateStatus(ctx, job.ID, UpdateStatusRequest{
			Status:   models.StatusCancelled,
			ExitCode: &exitCode,
		}); err != nil {
			logger.WithError(err).Error("failed to report cancelled status")
		}
		logger.Info("job cancelled")
		return
	}

	classified := ClassifyExecutionError(waitErr, exitCode)
	success := classified == nil

	w.monitor.RecordJobComplete(success)
	if !success {
		w.lifecycle.JobCleanupOnFailure(job.ID, classified)
	}

	status := models.StatusSucceeded
	errorKind, errorMessage := "", ""
	if classified != nil {
		status = models.StatusFailed
		errorKind = classified.Reason
		errorMessage = classified.Error()
	}

	if success {
		if err := w.collectAndUploadResults(ctx, job, workDir); err != nil {
			logger.WithError(err).Warn("failed to upload result artifacts")
		}
	}

	if _, err := w.client.UpdateStatus(ctx, job.ID, UpdateStatusRequest{
		Status:       status,
		ExitCode:     &exitCode,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
	}); err != nil {
		logger.WithError(err).Error("failed to report job result")
	}

	logger.WithField("status", status).WithField("exit_code", exitCode).Info("job processing completed")
}

// watchForCancellation polls the job's status on CancelPollInterval and, on
// observing it moved to cancelled out from under this worker (a client
// cancel request reaching the control plane), stops the supervisor within
// CancelGracePeriod. It returns once ctx is done, which processJob arranges
// to happen as soon as the job's own execution finishes.
func (w *Worker) watchForCancellation(ctx context.Context, jobID string, sup supervisor.Supervisor, cancelled *atomic.Bool) {
	ticker := time.NewTicker(config.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view, err := w.client.GetJobStatus(ctx, jobID)
			if err != nil {
				continue
			}
			if view.Status == models.StatusCancelled {
				cancelled.Store(true)
				stopCtx, stopCancel := context.WithTimeout(context.Background(), config.CancelGracePeriod)
				if err := sup.Stop(stopCtx); err != nil {
					obslog.Log.WithField("job_id", jobID).WithError(err).Warn("failed to stop supervisor on cancellation")
				}
				stopCancel()
				return
			}
		}
	}
}

// fetchAndExtractArchive downloads the job's project archive and extracts
// it into workDir, guarding against a zip entry escaping the target
// directory (zip slip).
func (w *Worker) fetchAndExtractArchive(ctx context.Context, job *models.Job, workDir string) error {
	rc, err := w.client.FetchFile(ctx, job.ID, "")
	if err != nil {
		return fmt.Errorf("fetch project archive: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read project archive: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("invalid project archive: %w", err)
	}

	for _, f := range zr.File {
		destPath := filepath.Join(workDir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(workDir)+string(os.PathSeparator)) && destPath != filepath.Clean(workDir) {
			return fmt.Errorf("project archive entry %q escapes work directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("create directory for %q: %w", f.Name, err)
		}

		if err := extractZipFile(f, destPath); err != nil {
			return fmt.Errorf("extract %q: %w", f.Name, err)
		}
	}

	if entrypoint := declaredEntrypoint(job.Command); entrypoint != "" {
		if _, err := os.Stat(filepath.Join(workDir, entrypoint)); err != nil {
			return fmt.Errorf("declared entrypoint %q not found in project archive", entrypoint)
		}
	}

	return nil
}

// declaredEntrypoint returns the training script command names a relative
// file, empty otherwise (a module invocation like "python -m pkg" or an
// absolute path has nothing in the archive to validate against).
func declaredEntrypoint(command []string) string {
	if len(command) == 0 {
		return ""
	}
	for _, arg := range command {
		if arg == "-m" {
			return ""
		}
	}
	last := command[len(command)-1]
	if last == "" || filepath.IsAbs(last) || strings.HasPrefix(last, "-") {
		return ""
	}
	return last
}

func extractZipFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// runSetupCommand runs the job's declared pre-exec setup command (e.g.
// `pip install -r requirements.txt`) in workDir before the training
// entrypoint is launched.
func (w *Worker) runSetupCommand(ctx context.Context, job *models.Job, workDir string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", job.SetupCommand)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("setup command exited non-zero: %w (output: %s)", err, string(output))
	}
	return nil
}

// collectAndUploadResults zips every regular file under workDir (the
// extracted project files included, alongside any artifacts the training
// process wrote) and uploads the zip as the job's results archive.
func (w *Worker) collectAndUploadResults(ctx context.Context, job *models.Job, workDir string) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(relPath))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("walk work directory: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close results archive: %w", err)
	}

	if _, err := w.client.UploadResults(ctx, job.ID, bytes.NewReader(buf.Bytes()), "results.zip"); err != nil {
		return fmt.Errorf("upload results: %w", err)
	}
	return nil
}

// buildJobConfig translates a claimed Job into the Supervisor's launch
// config, centralizing every environment variable the training process
// contract promises: TRAINFORGE_JOB_ID and PYTHONUNBUFFERED always,
// CUDA_VISIBLE_DEVICES when GPUs are allocated, and the distributed
// rendezvous coordinates when the job is multi-process.
func (w *Worker) buildJobConfig(job *models.Job, workDir string) *supervisor.JobConfig {
	env := map[string]string{}
	for k, v := range job.Env {
		env[k] = v
	}
	env["TRAINFORGE_JOB_ID"] = job.ID
	env["PYTHONUNBUFFERED"] = "1"

	gpuIndices := job.GPUIndices
	cpuCoreIndices := job.CPUCoreIndices

	if job.IsDistributed() {
		env["WORLD_SIZE"] = fmt.Sprintf("%d", job.Distributed.WorldSize)
		if rank, ok := job.RankForWorker(w.config.WorkerID); ok {
			env["RANK"] = fmt.Sprintf("%d", rank)
		}
		if job.Distributed.MasterAddr != "" {
			env["MASTER_ADDR"] = job.Distributed.MasterAddr
		}
		if job.Distributed.MasterPort != 0 {
			env["MASTER_PORT"] = fmt.Sprintf("%d", job.Distributed.MasterPort)
		}
		for _, ra := range job.RankAssignments {
			if ra.WorkerID == w.config.WorkerID {
				gpuIndices = ra.GPUIndices
				cpuCoreIndices = ra.CPUCoreIndices
				break
			}
		}
	}

	if len(gpuIndices) > 0 {
		env["CUDA_VISIBLE_DEVICES"] = joinIndices(gpuIndices)
	}

	capabilities := append([]string{}, w.config.Capabilities...)
	if len(gpuIndices) > 0 {
		capabilities = append(capabilities, supervisor.CapabilityGPU)
	}

	return &supervisor.JobConfig{
		JobID:          job.ID,
		Image:          config.RunnerDefaultImage,
		Command:        job.Command,
		WorkspaceDir:   workDir,
		GPUIndices:     gpuIndices,
		CPUCoreIndices: cpuCoreIndices,
		Capabilities:   capabilities,
		Env:            env,
	}
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return strings.Join(parts, ",")
}

func (w *Worker) reportFailure(ctx context.Context, jobID string, err error, exitCode int, errorKind string) {
	if _, reportErr := w.client.UpdateStatus(ctx, jobID, UpdateStatusRequest{
		Status:       models.StatusFailed,
		ExitCode:     &exitCode,
		ErrorKind:    errorKind,
		ErrorMessage: err.Error(),
	}); reportErr != nil {
		obslog.Log.WithField("job_id", jobID).WithError(reportErr).Error("failed to report job failure")
	}
}
