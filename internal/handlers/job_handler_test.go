package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/objects"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/scheduler"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

func newTestJobHandler(t *testing.T) (*JobHandler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	sched := scheduler.New(st, rm, nil)
	objStore := objects.NewMemoryObjectStore()
	return NewJobHandler(st, sched, objStore), st
}

// buildSubmission builds a multipart request body with a "config" JSON
// field and a "project" file part, mirroring workerrt.ControlPlaneClient's
// submission encoding.
func buildSubmission(t *testing.T, cfg interface{}, projectContents string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("config", string(cfgJSON)))

	part, err := mw.CreateFormFile("project", "project.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte(projectContents))
	require.NoError(t, err)

	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func withIDContext(r *http.Request, key, value string) *http.Request {
	return r.WithContext(setIDContext(r.Context(), key, value))
}

func TestCreateJobSingleNode(t *testing.T) {
	h, _ := newTestJobHandler(t)

	body, contentType := buildSubmission(t, CreateJobRequest{
		Name:      "train-resnet",
		Command:   []string{"python", "train.py"},
		Priority:  models.PriorityNormal,
		Resources: models.ResourceRequest{GPUCount: 1, GPUMemoryFloorMiB: 1024},
	}, "fake archive bytes")

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "train-resnet", job.Name)
	assert.NotEmpty(t, job.ProjectArchiveKey)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestCreateJobRejectsMissingFields(t *testing.T) {
	h, _ := newTestJobHandler(t)

	body, contentType := buildSubmission(t, CreateJobRequest{Priority: models.PriorityNormal}, "x")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDistributedJobRequiresWorldSize(t *testing.T) {
	h, _ := newTestJobHandler(t)

	body, contentType := buildSubmission(t, CreateJobRequest{
		Name:        "dist-train",
		Command:     []string{"python", "train.py"},
		Priority:    models.PriorityNormal,
		Distributed: &models.DistributedConfig{WorldSize: 1},
	}, "archive")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/distributed", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateDistributedJob(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDistributedJobSubmitsSharedEntity(t *testing.T) {
	h, _ := newTestJobHandler(t)

	body, contentType := buildSubmission(t, CreateJobRequest{
		Name:        "dist-train",
		Command:     []string{"python", "train.py"},
		Priority:    models.PriorityHigh,
		Distributed: &models.DistributedConfig{WorldSize: 4},
	}, "archive")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/distributed", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateDistributedJob(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotNil(t, job.Distributed)
	assert.Equal(t, 4, job.Distributed.WorldSize)
	assert.Equal(t, 4, job.Distributed.NodeCount)
	assert.Empty(t, job.RankAssignments, "ranks are assigned at placement time, not submission")
}

func TestGetJobNotFound(t *testing.T) {
	h, _ := newTestJobHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	req = withIDContext(req, "job_id", "missing")
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedQueuedJob(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:       "job-1",
		Name:     "seed",
		Command:  []string{"true"},
		Priority: models.PriorityNormal,
		Status:   models.StatusQueued,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func TestUpdateJobStatusRunningTransition(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	payload, err := json.Marshal(UpdateJobStatusRequest{Status: models.StatusRunning})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/api/jobs/"+job.ID+"/status", bytes.NewReader(payload))
	req = withIDContext(req, "job_id", job.ID)
	rec := httptest.NewRecorder()

	h.UpdateJobStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.NotNil(t, updated.StartedAt)
}

func TestUpdateJobStatusTerminalIsIdempotent(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	exitCode := 0
	payload, err := json.Marshal(UpdateJobStatusRequest{Status: models.StatusSucceeded, ExitCode: &exitCode})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPut, "/api/jobs/"+job.ID+"/status", bytes.NewReader(payload))
		req = withIDContext(req, "job_id", job.ID)
		rec := httptest.NewRecorder()
		h.UpdateJobStatus(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	updated, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, updated.Status)
}

func TestUpdateJobStatusRejectsMissingStatus(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	req := httptest.NewRequest(http.MethodPut, "/api/jobs/"+job.ID+"/status", strings.NewReader(`{}`))
	req = withIDContext(req, "job_id", job.ID)
	rec := httptest.NewRecorder()

	h.UpdateJobStatus(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndDownloadResults(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", "results.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte("result artifacts"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	uploadReq := httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/results", &buf)
	uploadReq.Header.Set("Content-Type", mw.FormDataContentType())
	uploadReq = withIDContext(uploadReq, "job_id", job.ID)
	uploadRec := httptest.NewRecorder()

	h.UploadResults(uploadRec, uploadReq)
	require.Equal(t, http.StatusOK, uploadRec.Code)

	downloadReq := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/results", nil)
	downloadReq = withIDContext(downloadReq, "job_id", job.ID)
	downloadRec := httptest.NewRecorder()

	h.DownloadResults(downloadRec, downloadReq)
	require.Equal(t, http.StatusOK, downloadRec.Code)
	assert.Equal(t, "result artifacts", downloadRec.Body.String())
}

func TestDownloadResultsBeforeUploadIsNotFound(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/results", nil)
	req = withIDContext(req, "job_id", job.ID)
	rec := httptest.NewRecorder()

	h.DownloadResults(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobFilesDefaultsToProjectArchive(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	sched := scheduler.New(st, rm, nil)
	objStore := objects.NewMemoryObjectStore()
	h := NewJobHandler(st, sched, objStore)

	job := &models.Job{
		ID:                "job-2",
		Name:              "seed",
		Command:           []string{"true"},
		Priority:          models.PriorityNormal,
		Status:            models.StatusQueued,
		ProjectArchiveKey: "jobs/job-2/project.zip",
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	require.NoError(t, objStore.Put(context.Background(), job.ProjectArchiveKey, strings.NewReader("zip bytes"), "application/zip"))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/files", nil)
	req = withIDContext(req, "job_id", job.ID)
	rec := httptest.NewRecorder()

	h.GetJobFiles(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zip bytes", rec.Body.String())
}

func TestCancelJobBeforeClaimLeavesNoAllocation(t *testing.T) {
	h, st := newTestJobHandler(t)
	job := seedQueuedJob(t, st)

	req := httptest.NewRequest(http.MethodPut, "/api/jobs/"+job.ID+"/cancel", nil)
	req = withIDContext(req, "job_id", job.ID)
	rec := httptest.NewRecorder()

	h.CancelJob(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)
	assert.Empty(t, updated.AllocationID)
}
