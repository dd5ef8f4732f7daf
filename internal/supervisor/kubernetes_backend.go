package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// KubernetesBackend runs jobs as Kubernetes batchv1.Job resources with a
// single pod each, requesting nvidia.com/gpu when the job needs GPUs.
type KubernetesBackend struct {
	clientset      *kubernetes.Clientset
	namespace      string
	serviceAccount string
}

// KubernetesBackendConfig configures the namespace and service account
// used for spawned job pods.
type KubernetesBackendConfig struct {
	Namespace      string
	ServiceAccount string
}

// NewKubernetesBackend builds a KubernetesBackend from the in-cluster
// config; it errors out immediately when not running inside a cluster, so
// the auto-detecting factory can fall through to another backend.
func NewKubernetesBackend(cfg KubernetesBackendConfig) (*KubernetesBackend, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		if b, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = strings.TrimSpace(string(b))
		} else {
			namespace = "default"
		}
	}
	serviceAccount := cfg.ServiceAccount
	if serviceAccount == "" {
		serviceAccount = "default"
	}

	return &KubernetesBackend{clientset: clientset, namespace: namespace, serviceAccount: serviceAccount}, nil
}

func (b *KubernetesBackend) Name() string { return "kubernetes" }

func (b *KubernetesBackend) NewSupervisor(cfg *JobConfig) (Supervisor, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container image is required")
	}
	return &kubernetesSupervisor{backend: b, cfg: cfg}, nil
}

type kubernetesSupervisor struct {
	backend  *KubernetesBackend
	cfg      *JobConfig
	jobName  string
	podName  string
	complete bool
}

func (s *kubernetesSupervisor) Start(ctx context.Context) error {
	clientset := s.backend.clientset
	ns := s.backend.namespace

	s.jobName = fmt.Sprintf("trainforge-job-%s-%s", s.cfg.JobID, uuid.New().String()[:8])

	envVars := make([]corev1.EnvVar, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if s.cfg.CPULimit != "" {
		if q, err := resource.ParseQuantity(s.cfg.CPULimit); err == nil {
			resources.Limits[corev1.ResourceCPU] = q
		}
	}
	if s.cfg.MemoryLimit != "" {
		if q, err := resource.ParseQuantity(s.cfg.MemoryLimit); err == nil {
			resources.Limits[corev1.ResourceMemory] = q
		}
	}
	hasGPU := false
	for _, c := range s.cfg.Capabilities {
		if c == CapabilityGPU {
			hasGPU = true
		}
	}
	if hasGPU && len(s.cfg.GPUIndices) > 0 {
		gpuQty := resource.NewQuantity(int64(len(s.cfg.GPUIndices)), resource.DecimalSI)
		resources.Limits["nvidia.com/gpu"] = *gpuQty
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.jobName,
			Namespace: ns,
			Labels:    map[string]string{"trainforge.job_id": s.cfg.JobID},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"trainforge.job_id": s.cfg.JobID},
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: s.backend.serviceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "job",
							Image:     s.cfg.Image,
							Command:   s.cfg.Command,
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	created, err := clientset.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	obslog.Log.WithField("job_id", s.cfg.JobID).WithField("k8s_job", created.Name).Info("kubernetes job created")
	return nil
}

func (s *kubernetesSupervisor) findPod(ctx context.Context) (string, error) {
	if s.podName != "" {
		return s.podName, nil
	}
	pods, err := s.backend.clientset.CoreV1().Pods(s.backend.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "trainforge.job_id=" + s.cfg.JobID,
	})
	if err != nil || len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found for job %s: %w", s.cfg.JobID, err)
	}
	s.podName = pods.Items[0].Name
	return s.podName, nil
}

func (s *kubernetesSupervisor) StreamLogs(ctx context.Context) (io.ReadCloser, io.ReadCloser, error) {
	pod, err := s.findPod(ctx)
	if err != nil {
		return nil, nil, err
	}
	req := s.backend.clientset.CoreV1().Pods(s.backend.namespace).GetLogs(pod, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stream pod logs: %w", err)
	}
	// Kubernetes pod logs are a single combined stream; present it as
	// stdout with an already-closed stderr reader, matching other backends'
	// two-reader contract.
	return stream, io.NopCloser(bufio.NewReader(strings.NewReader(""))), nil
}

func (s *kubernetesSupervisor) Wait(ctx context.Context) (int, error) {
	watcher, err := s.backend.clientset.BatchV1().Jobs(s.backend.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + s.jobName,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to watch kubernetes job: %w", err)
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		j, ok := event.Object.(*batchv1.Job)
		if !ok {
			continue
		}
		if j.Status.Succeeded > 0 {
			s.complete = true
			return 0, nil
		}
		if j.Status.Failed > 0 {
			s.complete = true
			return 1, nil
		}
	}
	return -1, fmt.Errorf("watch channel closed before job completion")
}

func (s *kubernetesSupervisor) Stop(ctx context.Context) error {
	policy := metav1.DeletePropagationForeground
	return s.backend.clientset.BatchV1().Jobs(s.backend.namespace).Delete(ctx, s.jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
}

func (s *kubernetesSupervisor) Cleanup(ctx context.Context) error {
	policy := metav1.DeletePropagationBackground
	err := s.backend.clientset.BatchV1().Jobs(s.backend.namespace).Delete(ctx, s.jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		return fmt.Errorf("failed to delete kubernetes job: %w", err)
	}
	return nil
}

func (s *kubernetesSupervisor) IsComplete() bool { return s.complete }

var _ Backend = (*KubernetesBackend)(nil)
