package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

// ControlPlaneClient is the worker runtime's only means of talking to the
// Control Plane API. The teacher's worker reached its job queue and result
// tables directly through a shared database; this runtime instead has no
// storage access of its own; every state transition crosses the wire.
type ControlPlaneClient struct {
	baseURL  string
	apiToken string
	http     *http.Client
	retry    *RetryConfig
}

// NewControlPlaneClient builds a client against the given Control Plane
// API base URL (e.g. "http://control-plane:8080").
func NewControlPlaneClient(baseURL, apiToken string) *ControlPlaneClient {
	return &ControlPlaneClient{
		baseURL:  baseURL,
		apiToken: apiToken,
		http:     &http.Client{Timeout: 30 * time.Second},
		retry:    DefaultRetryConfig(),
	}
}

// doRaw performs one HTTP round trip with no retry, the primitive every
// other client call is built from.
func (c *ControlPlaneClient) doRaw(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Kind: errBody.Error, Message: errBody.Message}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do wraps doRaw with bounded retry/backoff, classifying transport errors
// and 5xx responses as retryable and everything else (4xx, a successful
// decode failure) as terminal. Registration (which retries forever via
// RetryForever) and the raw FetchFile/UploadResults transfers (which run
// their own RetryWithBackoff loops) do not go through this.
func (c *ControlPlaneClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	return RetryWithBackoff(ctx, c.retry, method+" "+path, func() error {
		err := c.doRaw(ctx, method, path, body, out)
		return classifyAPIError(err)
	})
}

// classifyAPIError wraps err in a RetryableError so RetryWithBackoff's
// IsRetryable check can branch on it: a 5xx or a bare transport error (the
// control plane restarting, a dropped connection) is worth retrying, a 4xx
// is the server telling us our request itself is wrong and retrying won't
// help.
func classifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &RetryableError{Err: err, Retryable: apiErr.StatusCode >= 500, Reason: "control plane status"}
	}
	if isTransientError(err) {
		return &RetryableError{Err: err, Retryable: true, Reason: "transport error"}
	}
	return &RetryableError{Err: err, Retryable: false, Reason: "request or response encoding error"}
}

// APIError carries the Control Plane's structured error response back to
// callers so they can branch on Kind (e.g. "conflict" on a lost claim race).
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
}

// RegisterWorkerRequest mirrors handlers.RegisterWorkerRequest.
type RegisterWorkerRequest struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	GPUCount     int      `json:"gpu_count"`
	CPUCores     int      `json:"cpu_cores"`
	Concurrency  int      `json:"concurrency"`
}

// RegisterWorker calls POST /api/workers/register, retrying forever until
// it succeeds or ctx is cancelled: a worker that boots before the control
// plane is reachable (a rolling deploy, a cold-starting cluster) must keep
// trying rather than exit, since nothing else will ever retry it.
func (c *ControlPlaneClient) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (*models.Worker, error) {
	var worker models.Worker
	err := RetryForever(ctx, c.retry, "register worker", func() error {
		err := c.doRaw(ctx, http.MethodPost, "/api/workers/register", req, &worker)
		if err != nil {
			return classifyAPIError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// Heartbeat calls POST /api/workers/{worker_id}/heartbeat.
func (c *ControlPlaneClient) Heartbeat(ctx context.Context, workerID string, activeJobCount int) (*models.Worker, error) {
	req := struct {
		ActiveJobCount int `json:"active_job_count"`
	}{ActiveJobCount: activeJobCount}
	var worker models.Worker
	path := fmt.Sprintf("/api/workers/%s/heartbeat", url.PathEscape(workerID))
	if err := c.do(ctx, http.MethodPost, path, req, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// ClaimNext calls GET /api/jobs/claim-next?worker_id=..., returning
// (nil, nil) when the Control Plane has nothing queued for this worker.
func (c *ControlPlaneClient) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	var job models.Job
	path := "/api/jobs/claim-next?worker_id=" + url.QueryEscape(workerID)
	err := c.do(ctx, http.MethodGet, path, nil, &job)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimJob calls POST /api/jobs/{job_id}/claim to take a queued job
// directly; a job that is no longer queued comes back as a conflict.
func (c *ControlPlaneClient) ClaimJob(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	req := struct {
		WorkerID string `json:"worker_id"`
	}{WorkerID: workerID}
	var job models.Job
	path := fmt.Sprintf("/api/jobs/%s/claim", url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodPost, path, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobStatusView mirrors the lightweight body handlers.GetJobStatus returns,
// used by the worker runtime's cancellation watch to poll without paying
// for the full job body on every tick.
type JobStatusView struct {
	ID        string        `json:"id"`
	Status    models.Status `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// GetJobStatus calls GET /api/jobs/{job_id}/status.
func (c *ControlPlaneClient) GetJobStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	var view JobStatusView
	path := fmt.Sprintf("/api/jobs/%s/status", url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// UpdateStatusRequest mirrors handlers.UpdateJobStatusRequest.
type UpdateStatusRequest struct {
	Status       models.Status `json:"status"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// UpdateStatus calls PUT /api/jobs/{job_id}/status, the worker runtime's
// sole channel for reporting a job's running transition and its terminal
// outcome.
func (c *ControlPlaneClient) UpdateStatus(ctx context.Context, jobID string, req UpdateStatusRequest) (*models.Job, error) {
	var job models.Job
	path := fmt.Sprintf("/api/jobs/%s/status", url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodPut, path, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// FetchFile calls GET /api/jobs/{job_id}/files, returning a ReadCloser over
// the requested object (the job's project archive when key is empty). The
// caller owns closing the returned reader.
func (c *ControlPlaneClient) FetchFile(ctx context.Context, jobID, key string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/jobs/%s/files", url.PathEscape(jobID))
	if key != "" {
		path += "?key=" + url.QueryEscape(key)
	}

	var body io.ReadCloser
	err := RetryWithBackoff(ctx, c.retry, "fetch "+path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return &RetryableError{Err: err, Retryable: false}
		}
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyAPIError(fmt.Errorf("fetch %s: %w", path, err))
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			return classifyAPIError(apiErr)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// UploadResults calls POST /api/jobs/{job_id}/results with a multipart
// "archive" file part, the worker runtime's result-artifact upload.
func (c *ControlPlaneClient) UploadResults(ctx context.Context, jobID string, archive io.Reader, filename string) (*models.Job, error) {
	path := fmt.Sprintf("/api/jobs/%s/results", url.PathEscape(jobID))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart archive part: %w", err)
	}
	if _, err := io.Copy(part, archive); err != nil {
		return nil, fmt.Errorf("copy archive into multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}
	bodyBytes := buf.Bytes()

	var job models.Job
	err = RetryWithBackoff(ctx, c.retry, "upload results "+jobID, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return &RetryableError{Err: err, Retryable: false}
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyAPIError(fmt.Errorf("upload results: %w", err))
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return classifyAPIError(&APIError{StatusCode: resp.StatusCode})
		}
		return json.NewDecoder(resp.Body).Decode(&job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AppendLogs calls POST /api/jobs/{job_id}/logs/batch.
func (c *ControlPlaneClient) AppendLogs(ctx context.Context, jobID string, records []models.JobLogRecord) error {
	req := struct {
		Records []models.JobLogRecord `json:"records"`
	}{Records: records}
	path := fmt.Sprintf("/api/jobs/%s/logs/batch", url.PathEscape(jobID))
	return c.do(ctx, http.MethodPost, path, req, nil)
}
