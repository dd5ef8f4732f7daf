package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// BackendKind names a Container Supervisor backend.
type BackendKind string

const (
	BackendDocker     BackendKind = "docker"
	BackendKubernetes BackendKind = "kubernetes"
	BackendSubprocess BackendKind = "subprocess"
	BackendAuto       BackendKind = "auto"
)

// NewBackend constructs a Backend for the named kind. "auto" performs the
// capability probe: Kubernetes in-cluster config, then the Docker daemon,
// then the subprocess fallback, which always succeeds.
func NewBackend(kind string) (Backend, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || kind == string(BackendAuto) {
		return newBackendAuto()
	}

	switch BackendKind(kind) {
	case BackendDocker:
		return NewDockerBackend()
	case BackendKubernetes:
		return NewKubernetesBackend(KubernetesBackendConfig{})
	case BackendSubprocess:
		return NewSubprocessBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported container supervisor backend: %s", kind)
	}
}

func newBackendAuto() (Backend, error) {
	if isKubernetesEnvironment() {
		if b, err := NewKubernetesBackend(KubernetesBackendConfig{}); err == nil {
			obslog.Log.Info("detected kubernetes environment, using kubernetes backend")
			return b, nil
		}
		obslog.Log.Warn("kubernetes environment detected but client construction failed, probing docker")
	}

	if b, err := NewDockerBackend(); err == nil {
		if _, pingErr := b.client.Ping(context.Background()); pingErr == nil {
			obslog.Log.Info("using docker backend")
			return b, nil
		}
	}

	obslog.Log.Warn("no container runtime reachable, falling back to subprocess backend")
	return NewSubprocessBackend(), nil
}

func isKubernetesEnvironment() bool {
	_, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token")
	return err == nil
}
