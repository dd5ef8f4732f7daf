// Package supervisor implements the Container Supervisor: a pluggable
// backend that starts, watches, and tears down a job's execution unit,
// whether that's a container or a bare subprocess.
package supervisor

import (
	"context"
	"io"
)

// Capability constants a job may declare; each backend interprets these in
// whatever way its environment supports.
const (
	CapabilityGPU        = "gpu"
	CapabilityPrivileged = "privileged"
)

// Supervisor starts and manages exactly one job's execution unit. A new
// handle is obtained from a Backend per job.
type Supervisor interface {
	// Start launches the job's process/container(s) and returns immediately;
	// it does not block for completion. The JobConfig is supplied to
	// Backend.NewSupervisor, not here.
	Start(ctx context.Context) error

	// StreamLogs returns readers for stdout/stderr, multiplexed apart the
	// way the underlying runtime exposes them.
	StreamLogs(ctx context.Context) (stdout io.ReadCloser, stderr io.ReadCloser, err error)

	// Wait blocks until the job's execution unit exits and returns its exit
	// code.
	Wait(ctx context.Context) (int, error)

	// Stop requests early termination (job cancellation).
	Stop(ctx context.Context) error

	// Cleanup removes any resources (containers, temp dirs) left behind.
	Cleanup(ctx context.Context) error

	// IsComplete reports whether the execution unit has already exited,
	// without blocking.
	IsComplete() bool
}

// Backend constructs a Supervisor for one job. Each capability probe at
// startup picks exactly one Backend implementation for the process
// lifetime (see NewBackend).
type Backend interface {
	NewSupervisor(cfg *JobConfig) (Supervisor, error)
	Name() string
}

// JobConfig is everything a Backend needs to launch a job's execution
// unit, generalized from the spec's environment-injection and distributed
// rendezvous requirements.
type JobConfig struct {
	JobID   string
	Image   string   // container image; ignored by the subprocess backend
	Command []string

	WorkspaceDir string
	WorkingDir   string

	GPUIndices     []int
	CPUCoreIndices []int
	Capabilities   []string

	CPULimit    string // e.g. "2.0" cores
	MemoryLimit string // e.g. "4Gi"

	// Distributed launch environment, injected verbatim alongside Env:
	// WORLD_SIZE, RANK, MASTER_ADDR, MASTER_PORT.
	Env map[string]string
}
