// Package k8s is the cluster capability: pod lookup, logs and command execution
// against one registered cluster.
package k8s

import (
	"context"
	"errors"

	"k8s.io/client-go/kubernetes"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

var (
	// ErrNoToken is returned when a workload call is attempted without a session token.
	ErrNoToken = errors.New("session token required")
	// ErrPodNotFound is returned when the target pod does not exist.
	ErrPodNotFound = errors.New("pod not found")
	// ErrContainerRequired is returned when a multi-container pod is targeted without a container.
	ErrContainerRequired = errors.New("container is required when pod has multiple containers")
	// ErrContainerNotFound is returned when the named container is not part of the pod.
	ErrContainerNotFound = errors.New("container not found in pod")
	// ErrExecUnavailable is returned when the client has no transport config for exec.
	ErrExecUnavailable = errors.New("exec requires a rest config")
)

// Cluster is what the session layer consumes from a registered cluster.
type Cluster interface {
	// Kubernetes returns the clientset backed by the registered credentials (RBAC provisioning).
	Kubernetes() kubernetes.Interface
	DescribePod(ctx context.Context, namespace, name string) (*models.PodSummary, error)
	ListPods(ctx context.Context, namespace string) ([]models.PodSummary, error)
	ResolveContainer(ctx context.Context, namespace, pod, container string) (string, error)
	GetLogs(ctx context.Context, token string, req LogsRequest) (string, error)
	Exec(ctx context.Context, token string, req ExecRequest) (*ExecResult, error)
}

// LogsRequest selects the log stream of one container.
type LogsRequest struct {
	Namespace string
	Pod       string
	Container string
	TailLines int64
}

// ExecRequest runs Command through Shell -c inside one container.
type ExecRequest struct {
	Namespace      string
	Pod            string
	Container      string
	Shell          string
	Command        string
	MaxOutputBytes int
}

// ExecResult holds captured output of a finished command.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}
