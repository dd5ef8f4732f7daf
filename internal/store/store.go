// Package store defines the persistence contract for jobs and workers
// used by the Control Plane API and Job Scheduler. Production
// deployments are expected to back this interface with a real database;
// this module ships the in-memory implementation used by the core and its
// tests, since the persistence engine itself is an external collaborator.
package store

import (
	"context"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

// JobFilter narrows ListJobs to a subset of jobs.
type JobFilter struct {
	Status           models.Status
	AssignedWorkerID string
	Pending          bool // true: Status == submitted or queued
}

// Store is the persistence contract for the orchestration core.
type Store interface {
	// CreateJob inserts a new job with the status it carries.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob returns a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListJobs returns jobs matching the filter, oldest submission first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// UpdateJob applies fn to the job under the job's lock and persists the
	// result. fn returning an error aborts the update and the original
	// error is returned to the caller.
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error)

	// ClaimJob atomically transitions a job from queued to claimed_pending
	// for workerID. Returns ErrConflict if the job was already claimed or
	// is no longer claimable, ErrNotFound if it doesn't exist.
	ClaimJob(ctx context.Context, jobID, workerID string) (*models.Job, error)

	// DeleteJob removes a job record entirely.
	DeleteJob(ctx context.Context, id string) error

	// AppendLogRecords appends log batches to a job's bounded tail buffer.
	AppendLogRecords(ctx context.Context, jobID string, records []models.JobLogRecord) error

	// GetLogTail returns the most recent log records retained for a job.
	GetLogTail(ctx context.Context, jobID string) ([]models.JobLogRecord, error)

	// RegisterWorker inserts or replaces a worker record.
	RegisterWorker(ctx context.Context, w *models.Worker) error

	// Heartbeat updates a worker's last-heartbeat timestamp and status.
	Heartbeat(ctx context.Context, workerID string, activeJobCount int) (*models.Worker, error)

	// GetWorker returns a worker by id, or ErrNotFound.
	GetWorker(ctx context.Context, id string) (*models.Worker, error)

	// ListWorkers returns every registered worker.
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
}
