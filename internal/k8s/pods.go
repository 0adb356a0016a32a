package k8s

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

// DescribePod returns the phase and container statuses of a pod.
func (c *Client) DescribePod(ctx context.Context, namespace, name string) (*models.PodSummary, error) {
	pod, err := c.getPod(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	s := summarize(pod)
	return &s, nil
}

// ListPods returns pod summaries for a namespace, sorted by name.
func (c *Client) ListPods(ctx context.Context, namespace string) ([]models.PodSummary, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := c.Clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	out := make([]models.PodSummary, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, summarize(&list.Items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.attachUsage(ctx, namespace, out)
	return out, nil
}

// ResolveContainer picks the target container: the only one when the pod has a single
// container, otherwise the named one, which must exist.
func (c *Client) ResolveContainer(ctx context.Context, namespace, podName, container string) (string, error) {
	pod, err := c.getPod(ctx, namespace, podName)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(pod.Spec.Containers))
	for _, ct := range pod.Spec.Containers {
		names = append(names, ct.Name)
	}
	if container == "" {
		if len(names) == 1 {
			return names[0], nil
		}
		return "", fmt.Errorf("%w; valid: %s", ErrContainerRequired, strings.Join(names, ", "))
	}
	for _, n := range names {
		if n == container {
			return container, nil
		}
	}
	return "", fmt.Errorf("%w: %q; valid: %s", ErrContainerNotFound, container, strings.Join(names, ", "))
}

// GetLogs reads container logs with the session token.
func (c *Client) GetLogs(ctx context.Context, token string, req LogsRequest) (string, error) {
	cs, _, err := c.ForToken(token)
	if err != nil {
		return "", err
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return "", err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := &corev1.PodLogOptions{Container: req.Container}
	if req.TailLines > 0 {
		tail := req.TailLines
		opts.TailLines = &tail
	}
	raw, err := cs.CoreV1().Pods(req.Namespace).GetLogs(req.Pod, opts).DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("get logs %s/%s: %w", req.Namespace, req.Pod, err)
	}
	return string(raw), nil
}

func (c *Client) getPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	pod, err := c.Clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPodNotFound, namespace, name)
		}
		return nil, fmt.Errorf("get pod %s/%s: %w", namespace, name, err)
	}
	return pod, nil
}

func summarize(pod *corev1.Pod) models.PodSummary {
	s := models.PodSummary{
		Name:       pod.Name,
		Namespace:  pod.Namespace,
		Phase:      string(pod.Status.Phase),
		Containers: make([]models.ContainerStatus, 0, len(pod.Status.ContainerStatuses)),
	}
	for _, cs := range pod.Status.ContainerStatuses {
		s.Containers = append(s.Containers, models.ContainerStatus{
			Name:         cs.Name,
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
			State:        containerState(cs.State),
		})
	}
	return s
}

func containerState(st corev1.ContainerState) string {
	switch {
	case st.Running != nil:
		return "running"
	case st.Waiting != nil:
		if st.Waiting.Reason != "" {
			return "waiting: " + st.Waiting.Reason
		}
		return "waiting"
	case st.Terminated != nil:
		if st.Terminated.Reason != "" {
			return "terminated: " + st.Terminated.Reason
		}
		return "terminated"
	default:
		return "unknown"
	}
}
