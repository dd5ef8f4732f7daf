package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/objects"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/scheduler"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// JobHandler serves the job submission, lookup, cancellation, and log
// retrieval endpoints of the Control Plane API.
type JobHandler struct {
	BaseHandler
	store       store.Store
	scheduler   *scheduler.Scheduler
	objectStore objects.ObjectStore
}

// NewJobHandler constructs a JobHandler.
func NewJobHandler(st store.Store, sched *scheduler.Scheduler, objStore objects.ObjectStore) *JobHandler {
	return &JobHandler{store: st, scheduler: sched, objectStore: objStore}
}

// maxSubmissionBytes bounds the in-memory part of a multipart job
// submission; the project archive itself streams to the object store via
// the multipart reader rather than being buffered whole.
const maxSubmissionBytes = 32 << 20

// CreateJobRequest is the "config" form field of a multipart POST to
// /api/jobs or /api/jobs/distributed: the project archive itself travels
// as the "project" file part.
type CreateJobRequest struct {
	Name              string                     `json:"name"`
	Command           []string                   `json:"command"`
	Priority          models.Priority            `json:"priority"`
	Resources         models.ResourceRequest     `json:"resources"`
	Distributed       *models.DistributedConfig  `json:"distributed,omitempty"`
	SetupCommand      string                     `json:"setup_command,omitempty"`
	Env               map[string]string          `json:"env,omitempty"`
	Labels            map[string]string          `json:"labels,omitempty"`
}

// parseSubmission reads a multipart job submission: a "config" form field
// holding the CreateJobRequest JSON, and a "project" file part holding the
// client's training project archive. The archive is uploaded to the object
// store under a key scoped to the generated job id and returned alongside
// the decoded request so callers never buffer it twice.
func (h *JobHandler) parseSubmission(r *http.Request, jobID string) (CreateJobRequest, string, error) {
	var req CreateJobRequest

	if err := r.ParseMultipartForm(maxSubmissionBytes); err != nil {
		return req, "", store.ErrInvalidInput
	}
	raw := r.FormValue("config")
	if raw == "" {
		return req, "", store.ErrInvalidInput
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, "", store.ErrInvalidInput
	}

	file, header, err := r.FormFile("project")
	if err != nil {
		return req, "", store.ErrInvalidInput
	}
	defer file.Close()

	if h.objectStore == nil {
		return req, "", store.ErrServiceUnavailable
	}
	key := "jobs/" + jobID + "/project.zip"
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/zip"
	}
	if err := h.objectStore.Put(r.Context(), key, file, contentType); err != nil {
		return req, "", err
	}
	return req, key, nil
}

// CreateJob handles POST /api/jobs: a multipart submission of a job config
// plus its project archive, as a single-process launch.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.New().String()
	req, archiveKey, err := h.parseSubmission(r, jobID)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || len(req.Command) == 0 {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	now := time.Now()
	job := &models.Job{
		ID:                jobID,
		Name:              req.Name,
		Command:           req.Command,
		Priority:          req.Priority,
		Status:            models.StatusSubmitted,
		Resources:         req.Resources,
		Distributed:       req.Distributed,
		ProjectArchiveKey: archiveKey,
		SetupCommand:      req.SetupCommand,
		Env:               req.Env,
		Labels:            req.Labels,
		SubmittedAt:       now,
		UpdatedAt:         now,
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	queued, err := h.scheduler.Submit(r.Context(), job.ID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	metrics.RecordJobSubmission(string(queued.Priority), queued.IsDistributed())
	h.respondWithJSON(w, http.StatusCreated, queued)
}

// CreateDistributedJob handles POST /api/jobs/distributed: submits one
// shared Job entity for the whole launch. The scheduler places every rank
// atomically at once (internal/scheduler.tryPlaceDistributed) rather than
// this handler fanning the submission out into independent per-rank jobs;
// RankAssignments is populated at placement time, not submission time.
func (h *JobHandler) CreateDistributedJob(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.New().String()
	req, archiveKey, err := h.parseSubmission(r, jobID)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || len(req.Command) == 0 || req.Distributed == nil || req.Distributed.WorldSize < 2 {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	if req.Distributed.NodeCount <= 0 {
		req.Distributed.NodeCount = req.Distributed.WorldSize
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	now := time.Now()
	job := &models.Job{
		ID:                jobID,
		Name:              req.Name,
		Command:           req.Command,
		Priority:          req.Priority,
		Status:            models.StatusSubmitted,
		Resources:         req.Resources,
		Distributed:       req.Distributed,
		ProjectArchiveKey: archiveKey,
		SetupCommand:      req.SetupCommand,
		Env:               req.Env,
		Labels:            req.Labels,
		SubmittedAt:       now,
		UpdatedAt:         now,
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	queued, err := h.scheduler.Submit(r.Context(), job.ID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	metrics.RecordJobSubmission(string(queued.Priority), true)
	h.respondWithJSON(w, http.StatusCreated, queued)
}

// GetJob handles GET /api/jobs/{job_id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// GetJobStatus handles GET /api/jobs/{job_id}/status, a lighter read for
// clients and workers polling progress without paying for the full job
// body; the worker runtime's cancellation watch polls this endpoint.
func (h *JobHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"exit_code":  job.ExitCode,
		"error_kind": job.ErrorKind,
	})
}

// UpdateJobStatusRequest is the payload for PUT /api/jobs/{job_id}/status.
type UpdateJobStatusRequest struct {
	Status       models.Status `json:"status"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// UpdateJobStatus handles PUT /api/jobs/{job_id}/status: the worker
// runtime's primary status-transition call, used both for the
// running transition once a container starts and for terminal outcomes.
// Terminal transitions are routed through the scheduler so resource and
// master-port release happen atomically with the status change.
func (h *JobHandler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	var req UpdateJobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	if req.Status.Terminal() {
		exitCode := 0
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		job, err := h.scheduler.ReportResult(r.Context(), jobID, req.Status, exitCode, req.ErrorKind, req.ErrorMessage)
		if err != nil {
			h.respondWithError(w, http.StatusInternalServerError, err)
			return
		}
		h.respondWithJSON(w, http.StatusOK, job)
		return
	}

	job, err := h.store.UpdateJob(r.Context(), jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			return store.ErrConflict
		}
		j.Status = req.Status
		if req.Status == models.StatusRunning && j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		h.respondWithError(w, http.StatusConflict, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.Status(status)
	}
	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// ListPendingJobs handles GET /api/jobs/pending, used by dashboards to show
// queue depth without exposing the full job list.
func (h *JobHandler) ListPendingJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context(), store.JobFilter{Pending: true})
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// CancelJob handles PUT /api/jobs/{job_id}/cancel. Cancellation is routed
// through the scheduler so GPU/CPU allocations and a held master port are
// released in the same step as the status transition, and so the worker
// runtime's cancellation watch (polling GetJobStatus) observes the new
// status promptly.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	job, err := h.scheduler.Cancel(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusConflict, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// GetJobLogs handles GET /api/jobs/{job_id}/logs: returns the bounded tail
// kept in the store (the last config.LogTailMaxLines records). Older
// records are dropped and are not kept anywhere else.
func (h *JobHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	records, err := h.store.GetLogTail(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, records)
}

// AppendJobLogsRequest is the payload for POST /api/jobs/{job_id}/logs/batch,
// submitted periodically by the worker runtime's log shipper.
type AppendJobLogsRequest struct {
	Records []models.JobLogRecord `json:"records"`
}

// AppendJobLogs handles POST /api/jobs/{job_id}/logs/batch.
func (h *JobHandler) AppendJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	var req AppendJobLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	if err := h.store.AppendLogRecords(r.Context(), jobID, req.Records); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJobFiles handles GET /api/jobs/{job_id}/files: streams a job's project
// archive or result artifact from the object store. A query-string key
// selects a specific object; with no key it defaults to the job's project
// archive, which is what the worker runtime's Fetch step requests.
func (h *JobHandler) GetJobFiles(w http.ResponseWriter, r *http.Request) {
	if h.objectStore == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, store.ErrServiceUnavailable)
		return
	}
	jobID := h.getID(r, "job_id")
	key := r.URL.Query().Get("key")
	if key == "" {
		job, err := h.store.GetJob(r.Context(), jobID)
		if err != nil {
			h.respondWithError(w, http.StatusNotFound, err)
			return
		}
		key = job.ProjectArchiveKey
	}
	if key == "" {
		h.respondWithError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	reader, err := h.objectStore.Get(r.Context(), key)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// UploadResults handles POST /api/jobs/{job_id}/results: the worker
// runtime's result-artifact upload, a multipart "archive" file part
// containing the job's collected result artifacts, zipped.
func (h *JobHandler) UploadResults(w http.ResponseWriter, r *http.Request) {
	if h.objectStore == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, store.ErrServiceUnavailable)
		return
	}
	jobID := h.getID(r, "job_id")

	if err := r.ParseMultipartForm(maxSubmissionBytes); err != nil {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	defer file.Close()

	key := "jobs/" + jobID + "/results.zip"
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/zip"
	}
	if err := h.objectStore.Put(r.Context(), key, file, contentType); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	job, err := h.store.UpdateJob(r.Context(), jobID, func(j *models.Job) error {
		j.ResultsKey = key
		return nil
	})
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// DownloadResults handles GET /api/jobs/{job_id}/results: streams a job's
// uploaded result archive back to the client.
func (h *JobHandler) DownloadResults(w http.ResponseWriter, r *http.Request) {
	if h.objectStore == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, store.ErrServiceUnavailable)
		return
	}
	jobID := h.getID(r, "job_id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	if job.ResultsKey == "" {
		h.respondWithError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	reader, err := h.objectStore.Get(r.Context(), job.ResultsKey)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="results.zip"`)
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// ClaimJob handles POST /api/jobs/{job_id}/claim: a worker takes a queued
// job directly (queued -> claimed_pending) without scheduler placement; a
// job that is no longer queued, placed ones included, gets a conflict.
type ClaimJobRequest struct {
	WorkerID string `json:"worker_id"`
}

func (h *JobHandler) ClaimJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	var req ClaimJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	job, err := h.store.ClaimJob(r.Context(), jobID, req.WorkerID)
	if err != nil {
		if err == store.ErrConflict {
			metrics.RecordClaimConflict()
		}
		h.respondWithError(w, http.StatusConflict, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// ClaimNext handles GET /api/jobs/claim-next?worker_id=...: a worker
// runtime polls this to find the next job the scheduler placed for it.
func (h *JobHandler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	job, err := h.scheduler.ClaimNext(r.Context(), workerID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}
