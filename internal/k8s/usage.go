package k8s

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

func formatCPU(millicores float64) string {
	return fmt.Sprintf("%.0fm", millicores)
}

func formatMemoryMi(mi float64) string {
	return fmt.Sprintf("%.1fMi", mi)
}

// attachUsage fills PodSummary.Usage from metrics-server. Clusters without
// metrics.k8s.io simply get no usage; listing never fails because of it.
func (c *Client) attachUsage(ctx context.Context, namespace string, pods []models.PodSummary) {
	if c.Metrics == nil || len(pods) == 0 {
		return
	}
	list, err := c.Metrics.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return
	}
	byName := make(map[string]*models.PodUsage, len(list.Items))
	for _, pm := range list.Items {
		var totalCPU, totalMem float64
		usage := &models.PodUsage{Containers: make([]models.ContainerUsage, 0, len(pm.Containers))}
		for _, ct := range pm.Containers {
			cpu := ct.Usage.Cpu().AsApproximateFloat64() * 1000
			mem := float64(ct.Usage.Memory().Value()) / (1024 * 1024)
			totalCPU += cpu
			totalMem += mem
			usage.Containers = append(usage.Containers, models.ContainerUsage{
				Name:   ct.Name,
				CPU:    formatCPU(cpu),
				Memory: formatMemoryMi(mem),
			})
		}
		usage.CPU, usage.Memory = formatCPU(totalCPU), formatMemoryMi(totalMem)
		byName[pm.Name] = usage
	}
	for i := range pods {
		pods[i].Usage = byName[pods[i].Name]
	}
}
