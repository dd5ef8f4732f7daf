// Package config holds process-wide settings loaded from the environment.
// Every setting has a sane default so the control plane and worker binaries
// run unconfigured in development.
package config

import (
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/envutil"
)

var (
	// Port is the Control Plane API's HTTP listen port.
	Port = envutil.GetEnvAsIntOrDefault("PORT", 8080)

	// CommitOnSuccess mirrors whether mutating requests against the store
	// should be treated as committed only on a 2xx response.
	CommitOnSuccess = envutil.GetEnvAsBoolOrDefault("COMMIT_ON_SUCCESS", true)

	// HeartbeatInterval is how often a registered worker is expected to
	// ping the control plane.
	HeartbeatInterval = time.Duration(envutil.GetEnvAsIntOrDefault("HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second

	// HeartbeatTimeout is how long a worker can go silent before the
	// scheduler marks it unreachable and reclaims its running jobs.
	HeartbeatTimeout = time.Duration(envutil.GetEnvAsIntOrDefault("HEARTBEAT_TIMEOUT_SECONDS", 30)) * time.Second

	// ClaimPendingWindow bounds how long a job can sit in claimed-pending
	// before the scheduler assumes the claim was abandoned and re-queues it.
	ClaimPendingWindow = time.Duration(envutil.GetEnvAsIntOrDefault("CLAIM_PENDING_WINDOW_SECONDS", 15)) * time.Second

	// MaxReclaimAttempts caps how many times a job may be reclaimed from an
	// unreachable worker before it is marked failed outright.
	MaxReclaimAttempts = envutil.GetEnvAsIntOrDefault("MAX_RECLAIM_ATTEMPTS", 3)

	// GPUSamplePeriod / CPUSamplePeriod control the Resource Manager's
	// background sampler cadence.
	GPUSamplePeriod = time.Duration(envutil.GetEnvAsIntOrDefault("GPU_SAMPLE_PERIOD_SECONDS", 5)) * time.Second
	CPUSamplePeriod = time.Duration(envutil.GetEnvAsIntOrDefault("CPU_SAMPLE_PERIOD_SECONDS", 2)) * time.Second

	// GPUMemoryFloorDefaultMiB is applied when a job submits an
	// AllocateGPUs request with no explicit memory floor.
	GPUMemoryFloorDefaultMiB = envutil.GetEnvAsIntOrDefault("GPU_MEMORY_FLOOR_DEFAULT_MIB", 1024)

	// Object store configuration for ProjectArchive and results storage.
	ObjectStoreType     = envutil.GetEnvOrDefault("OBJECT_STORE_TYPE", "filesystem") // s3, filesystem, memory
	ObjectStoreBucket   = envutil.GetEnvOrDefault("OBJECT_STORE_BUCKET", "trainforge-objects")
	ObjectStoreBasePath = envutil.GetEnvOrDefault("OBJECT_STORE_BASE_PATH", "./objects")
	ObjectStorePrefix   = envutil.GetEnvOrDefault("OBJECT_STORE_PREFIX", "trainforge/")

	// Container Supervisor configuration.
	ContainerRuntime   = envutil.GetEnvOrDefault("CONTAINER_RUNTIME", "auto") // auto, docker, kubernetes, subprocess
	RunnerDefaultImage = envutil.GetEnvOrDefault("RUNNER_DEFAULT_IMAGE", "trainforge/runner:latest")
	AllowPrivileged    = envutil.GetEnvAsBoolOrDefault("ALLOW_PRIVILEGED", false)

	// Worker runtime configuration.
	WorkerConcurrency = envutil.GetEnvAsIntOrDefault("WORKER_CONCURRENCY", 1)
	WorkerPollInterval = time.Duration(envutil.GetEnvAsIntOrDefault("WORKER_POLL_INTERVAL_SECONDS", 3)) * time.Second
	LogBatchInterval  = time.Duration(envutil.GetEnvAsIntOrDefault("LOG_BATCH_INTERVAL_SECONDS", 2)) * time.Second
	LogBatchMaxLines  = envutil.GetEnvAsIntOrDefault("LOG_BATCH_MAX_LINES", 500)
	LogTailMaxLines   = envutil.GetEnvAsIntOrDefault("LOG_TAIL_MAX_LINES", 2000)

	// CancelPollInterval is how often a worker checks a running job's
	// status for a cancellation request; CancelGracePeriod bounds the
	// context the worker gives the supervisor's Stop call. The subprocess
	// backend's Stop sends SIGTERM only and never follows up with a kill.
	CancelPollInterval = time.Duration(envutil.GetEnvAsIntOrDefault("CANCEL_POLL_INTERVAL_SECONDS", 3)) * time.Second
	CancelGracePeriod  = time.Duration(envutil.GetEnvAsIntOrDefault("CANCEL_GRACE_PERIOD_SECONDS", 10)) * time.Second

	// MasterPortRangeStart/End bound the pool the scheduler allocates
	// rendezvous ports from for distributed jobs, one port held per job
	// until it reaches a terminal state.
	MasterPortRangeStart = envutil.GetEnvAsIntOrDefault("MASTER_PORT_RANGE_START", 29500)
	MasterPortRangeEnd   = envutil.GetEnvAsIntOrDefault("MASTER_PORT_RANGE_END", 29999)

	// APIToken, when set, is required as a bearer token on every Control
	// Plane request. Empty disables auth, which is the development default.
	APIToken = envutil.GetEnvOrDefault("API_TOKEN", "")
)
