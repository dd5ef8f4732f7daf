// Package models holds the orchestration core's data model: Job, GPUDevice,
// CPUNode, Allocation, Worker, JobLogRecord and ProjectArchive, exactly as
// defined by the system's job lifecycle, resource, and worker contracts.
package models

import "time"

// Priority is a job's scheduling priority class.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// priorityBase is the base score contribution for each priority class, used
// by the scheduler's score formula.
var priorityBase = map[Priority]float64{
	PriorityLow:    0,
	PriorityNormal: 100,
	PriorityHigh:   200,
	PriorityUrgent: 400,
}

// BaseScore returns the priority's base contribution to the scheduler's
// score formula, defaulting to NORMAL for an unrecognized value.
func (p Priority) BaseScore() float64 {
	if s, ok := priorityBase[p]; ok {
		return s
	}
	return priorityBase[PriorityNormal]
}

// Valid reports whether p is one of the four recognized priority classes.
func (p Priority) Valid() bool {
	_, ok := priorityBase[p]
	return ok
}

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	StatusSubmitted      Status = "submitted"
	StatusQueued         Status = "queued"
	StatusClaimedPending Status = "claimed_pending"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether the status is a terminal state: the job will
// never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DistributedConfig describes a multi-process/multi-node training launch.
// WorldSize is the total number of ranks across all processes. MasterAddr
// and MasterPort are never taken from the client: the scheduler allocates
// MasterPort from a held range and fills in MasterAddr once rank 0's
// worker is confirmed, so every rank's launch env agrees on the same
// rendezvous point.
type DistributedConfig struct {
	WorldSize        int    `json:"world_size"`
	NodeCount        int    `json:"node_count"`
	ProcessesPerNode int    `json:"processes_per_node"`
	MasterAddr       string `json:"master_addr,omitempty"`
	MasterPort       int    `json:"master_port,omitempty"`
}

// RankAssignment binds one distributed-job rank to the worker placed for
// it. Confirmed is set when a worker claims the rank through ClaimNext. The
// job enters claimed_pending at placement, before any rank is Confirmed;
// MasterAddr is resolved once every rank is Confirmed.
type RankAssignment struct {
	Rank           int    `json:"rank"`
	WorkerID       string `json:"worker_id"`
	Confirmed      bool   `json:"confirmed"`
	GPUIndices     []int  `json:"gpu_indices,omitempty"`
	CPUCoreIndices []int  `json:"cpu_core_indices,omitempty"`
}

// ResourceRequest is the GPU/CPU shape a job asks the Resource Manager for.
type ResourceRequest struct {
	GPUCount         int `json:"gpu_count"`
	GPUMemoryFloorMiB int `json:"gpu_memory_floor_mib"`
	CPUCores         int `json:"cpu_cores"`
	CPUMemoryFloorMiB int `json:"cpu_memory_floor_mib"`
}

// Job is the orchestration core's central entity: a unit of training work
// submitted by a client, tracked from submission through a terminal state.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Command     []string  `json:"command"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	Resources   ResourceRequest `json:"resources"`
	Distributed *DistributedConfig `json:"distributed,omitempty"`
	RankAssignments []RankAssignment `json:"rank_assignments,omitempty"`

	ProjectArchiveKey string `json:"project_archive_key,omitempty"`
	SetupCommand      string `json:"setup_command,omitempty"`
	ResultsKey        string `json:"results_key,omitempty"`

	AssignedWorkerID string   `json:"assigned_worker_id,omitempty"`
	AllocationID     string   `json:"allocation_id,omitempty"`
	GPUIndices       []int    `json:"gpu_indices,omitempty"`
	CPUCoreIndices   []int    `json:"cpu_core_indices,omitempty"`

	Env    map[string]string `json:"env,omitempty"`
	Labels map[string]string `json:"labels,omitempty"` // matched by scheduler routing rules

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempts     int    `json:"attempts"`

	LogTail []JobLogRecord `json:"-"`

	SubmittedAt time.Time  `json:"submitted_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsDistributed reports whether the job requested a multi-process launch.
func (j *Job) IsDistributed() bool {
	return j.Distributed != nil && j.Distributed.WorldSize > 1
}

// RankForWorker returns the rank assigned to workerID and whether an
// assignment exists, used by the worker runtime to resolve its own RANK
// env var and by the scheduler to confirm placements.
func (j *Job) RankForWorker(workerID string) (int, bool) {
	for _, ra := range j.RankAssignments {
		if ra.WorkerID == workerID {
			return ra.Rank, true
		}
	}
	return 0, false
}

// AllRanksConfirmed reports whether every rank in RankAssignments has a
// confirmed worker, meaning the distributed job is fully placed.
func (j *Job) AllRanksConfirmed() bool {
	if len(j.RankAssignments) == 0 {
		return false
	}
	for _, ra := range j.RankAssignments {
		if !ra.Confirmed {
			return false
		}
	}
	return true
}

// JobLogRecord is one batch of log lines shipped by a worker for a job,
// ordered by Sequence so out-of-order batch delivery can still be
// reassembled correctly.
type JobLogRecord struct {
	Sequence  int64     `json:"sequence"`
	Lines     []string  `json:"lines"`
	Stream    string    `json:"stream"` // "stdout" or "stderr" from workers; the log stream endpoint also sends "control" and "error"
	Timestamp time.Time `json:"timestamp"`
}

// ProjectArchive is an opaque byte blob (a zip/tar of a client's training
// project) addressed by key in an ObjectStore.
type ProjectArchive struct {
	Key         string `json:"key"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}
