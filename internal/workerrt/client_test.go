package workerrt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

func TestRegisterWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workers/register", r.URL.Path)
		json.NewEncoder(w).Encode(models.Worker{ID: "worker-1"})
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	worker, err := client.RegisterWorker(context.Background(), RegisterWorkerRequest{ID: "worker-1"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", worker.ID)
}

func TestClaimNextReturnsNilOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	job, err := client.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestUpdateStatusSendsExpectedPayload(t *testing.T) {
	var received UpdateStatusRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(models.Job{ID: "job-1", Status: received.Status})
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	exitCode := 0
	job, err := client.UpdateStatus(context.Background(), "job-1", UpdateStatusRequest{
		Status:   models.StatusSucceeded,
		ExitCode: &exitCode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, job.Status)
	assert.Equal(t, models.StatusSucceeded, received.Status)
}

func TestGetJobStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/job-1/status", r.URL.Path)
		json.NewEncoder(w).Encode(JobStatusView{ID: "job-1", Status: models.StatusCancelled})
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	view, err := client.GetJobStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, view.Status)
}

func TestFetchFileStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/job-1/files", r.URL.Path)
		w.Write([]byte("archive bytes"))
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	rc, err := client.FetchFile(context.Background(), "job-1", "")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))
}

func TestUploadResults(t *testing.T) {
	var uploadedContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("archive")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		uploadedContent = string(data)
		json.NewEncoder(w).Encode(models.Job{ID: "job-1", ResultsKey: "jobs/job-1/results.zip"})
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	job, err := client.UploadResults(context.Background(), "job-1", strings.NewReader("results payload"), "results.zip")
	require.NoError(t, err)
	assert.Equal(t, "jobs/job-1/results.zip", job.ResultsKey)
	assert.Equal(t, "results payload", uploadedContent)
}

func TestAppendLogsSendsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []models.JobLogRecord `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Records, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	err := client.AppendLogs(context.Background(), "job-1", []models.JobLogRecord{{Sequence: 1, Lines: []string{"hello"}, Stream: "stdout"}})
	require.NoError(t, err)
}

func TestClassifyAPIErrorRetryableOn5xx(t *testing.T) {
	err := classifyAPIError(&APIError{StatusCode: http.StatusServiceUnavailable})
	assert.True(t, IsRetryable(err))
}

func TestClassifyAPIErrorNotRetryableOn4xx(t *testing.T) {
	err := classifyAPIError(&APIError{StatusCode: http.StatusBadRequest})
	assert.False(t, IsRetryable(err))
}
