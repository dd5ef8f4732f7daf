package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/supervisor"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/workerrt"
)

// WorkerCommand runs a Worker Runtime process: it registers with the
// Control Plane API, polls for claimed jobs, and executes them through a
// Container Supervisor backend.
var WorkerCommand = &cli.Command{
	Name:  "worker",
	Usage: "Run a worker runtime process",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "control-plane-url",
			Aliases: []string{"u"},
			Value:   "http://localhost:8080",
			Usage:   "Base URL of the Control Plane API",
			EnvVars: []string{"CONTROL_PLANE_URL"},
		},
		&cli.StringFlag{
			Name:    "worker-id",
			Usage:   "Unique identifier for this worker instance",
			EnvVars: []string{"WORKER_ID"},
		},
		&cli.StringFlag{
			Name:    "workspace-dir",
			Value:   "./workspace",
			Usage:   "Directory used for per-job work directories",
			EnvVars: []string{"WORKER_WORKSPACE_DIR"},
		},
		&cli.IntFlag{
			Name:    "gpu-count",
			Usage:   "Number of GPUs this worker advertises",
			EnvVars: []string{"WORKER_GPU_COUNT"},
		},
		&cli.IntFlag{
			Name:    "cpu-cores",
			Usage:   "Number of CPU cores this worker advertises",
			EnvVars: []string{"WORKER_CPU_CORES"},
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Aliases:     []string{"c"},
			Value:       config.WorkerConcurrency,
			Usage:       "Number of jobs to run concurrently on this worker",
			EnvVars:     []string{"WORKER_CONCURRENCY"},
			Destination: &config.WorkerConcurrency,
		},
		&cli.StringFlag{
			Name:        "container-runtime",
			Aliases:     []string{"r"},
			Value:       config.ContainerRuntime,
			Usage:       "Container supervisor backend: docker, kubernetes, subprocess, or auto",
			EnvVars:     []string{"CONTAINER_RUNTIME"},
			Destination: &config.ContainerRuntime,
		},
	},
	Action: func(ctx *cli.Context) error {
		return RunWorker(ctx)
	},
}

// RunWorker constructs the Container Supervisor backend and a Worker
// runtime pointed at the Control Plane API, then blocks until a shutdown
// signal drains in-flight jobs.
func RunWorker(cliCtx *cli.Context) error {
	backend, err := supervisor.NewBackend(config.ContainerRuntime)
	if err != nil {
		return fmt.Errorf("failed to initialize container supervisor backend: %w", err)
	}
	obslog.Log.WithField("backend", backend.Name()).Info("container supervisor backend ready")

	client := workerrt.NewControlPlaneClient(cliCtx.String("control-plane-url"), config.APIToken)

	capabilities := []string{backend.Name()}
	w := workerrt.New(workerrt.Config{
		WorkerID:     cliCtx.String("worker-id"),
		Hostname:     hostnameOrUnknown(),
		Capabilities: capabilities,
		GPUCount:     cliCtx.Int("gpu-count"),
		CPUCores:     cliCtx.Int("cpu-cores"),
		Concurrency:  cliCtx.Int("concurrency"),
		WorkspaceDir: cliCtx.String("workspace-dir"),
	}, client, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return w.Start(ctx)
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
