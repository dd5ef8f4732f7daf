package supervisor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// DockerBackend runs jobs as Docker containers, one per job, with GPU
// device passthrough via container.DeviceRequests when the job declares
// the gpu capability.
type DockerBackend struct {
	client *client.Client
}

// NewDockerBackend builds a Docker client from the environment's standard
// DOCKER_HOST configuration; no request reaches the daemon until first use.
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{client: cli}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) NewSupervisor(cfg *JobConfig) (Supervisor, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container image is required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	return &dockerSupervisor{backend: b, cfg: cfg}, nil
}

type dockerSupervisor struct {
	backend     *DockerBackend
	cfg         *JobConfig
	containerID string
	complete    bool
}

func (s *dockerSupervisor) Start(ctx context.Context) error {
	logger := obslog.Log.WithField("job_id", s.cfg.JobID)
	cli := s.backend.client

	if err := s.ensureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}

	containerCfg := &container.Config{
		Image:        s.cfg.Image,
		Cmd:          s.cfg.Command,
		Env:          envMapToSlice(s.cfg.Env),
		WorkingDir:   s.cfg.WorkingDir,
		Entrypoint:   []string{},
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"trainforge.job_id":    s.cfg.JobID,
			"trainforge.component": "job-container",
		},
	}

	privileged := false
	for _, c := range s.cfg.Capabilities {
		if c == CapabilityPrivileged {
			privileged = true
		}
	}
	if !privileged {
		containerCfg.User = "1001:1001"
	}

	hostCfg := &container.HostConfig{
		Privileged: privileged,
		AutoRemove: false,
	}
	if s.cfg.WorkspaceDir != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/job", s.cfg.WorkspaceDir)}
	}

	hasGPUCapability := false
	for _, c := range s.cfg.Capabilities {
		if c == CapabilityGPU {
			hasGPUCapability = true
		}
	}
	if hasGPUCapability && len(s.cfg.GPUIndices) > 0 {
		ids := make([]string, len(s.cfg.GPUIndices))
		for i, idx := range s.cfg.GPUIndices {
			ids[i] = strconv.Itoa(idx)
		}
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    ids,
				Capabilities: [][]string{{"gpu"}},
			},
		}
		logger.WithField("gpu_indices", ids).Info("requesting GPU device passthrough")
	}

	if s.cfg.CPULimit != "" {
		if cores, err := strconv.ParseFloat(s.cfg.CPULimit, 64); err == nil {
			hostCfg.NanoCPUs = int64(cores * 1e9)
		}
	}
	if s.cfg.MemoryLimit != "" {
		if bytes, err := parseMemoryString(s.cfg.MemoryLimit); err == nil {
			hostCfg.Memory = bytes
		} else {
			logger.WithError(err).Warn("failed to parse memory limit, ignoring")
		}
	}

	name := fmt.Sprintf("trainforge-job-%s", s.cfg.JobID)
	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if len(resp.Warnings) > 0 {
		logger.WithField("warnings", resp.Warnings).Warn("container creation warnings")
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}

	s.containerID = resp.ID
	logger.WithField("container_id", resp.ID).Info("container started")
	return nil
}

func (s *dockerSupervisor) StreamLogs(ctx context.Context) (io.ReadCloser, io.ReadCloser, error) {
	logs, err := s.backend.client.ContainerLogs(ctx, s.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer logs.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
		if _, err := stdcopy.StdCopy(stdoutW, stderrW, logs); err != nil && err != io.EOF {
			obslog.Log.WithField("job_id", s.cfg.JobID).WithError(err).Error("error demultiplexing container logs")
		}
	}()
	return stdoutR, stderrR, nil
}

func (s *dockerSupervisor) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := s.backend.client.ContainerWait(ctx, s.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, fmt.Errorf("unexpected empty wait error")
	case status := <-statusCh:
		s.complete = true
		return int(status.StatusCode), nil
	}
}

func (s *dockerSupervisor) Stop(ctx context.Context) error {
	timeout := 10
	return s.backend.client.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout})
}

func (s *dockerSupervisor) Cleanup(ctx context.Context) error {
	return s.backend.client.ContainerRemove(ctx, s.containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
}

func (s *dockerSupervisor) IsComplete() bool { return s.complete }

func (s *dockerSupervisor) ensureImage(ctx context.Context) error {
	if _, _, err := s.backend.client.ImageInspectWithRaw(ctx, s.cfg.Image); err == nil {
		return nil
	}
	pullResp, err := s.backend.client.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer pullResp.Close()
	_, err = io.Copy(io.Discard, pullResp)
	return err
}

func envMapToSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// parseMemoryString parses strings like "512Mi", "1Gi", "1024M", "1G".
func parseMemoryString(memStr string) (int64, error) {
	memStr = strings.TrimSpace(memStr)
	if memStr == "" {
		return 0, fmt.Errorf("empty memory string")
	}
	suffixes := map[string]int64{
		"Ki": 1024, "Mi": 1024 * 1024, "Gi": 1024 * 1024 * 1024, "Ti": 1024 * 1024 * 1024 * 1024,
		"K": 1000, "M": 1000 * 1000, "G": 1000 * 1000 * 1000, "T": 1000 * 1000 * 1000 * 1000,
	}
	for suffix, mult := range suffixes {
		if strings.HasSuffix(memStr, suffix) {
			numStr := strings.TrimSuffix(memStr, suffix)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number in memory string: %w", err)
			}
			return num * mult, nil
		}
	}
	num, err := strconv.ParseInt(memStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string format: %w", err)
	}
	return num, nil
}

var _ Backend = (*DockerBackend)(nil)
