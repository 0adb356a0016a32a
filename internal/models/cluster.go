package models

import "time"

// ClusterCredential stores the access configuration of a registered cluster.
// Kubeconfig is only ever held as an envelope ciphertext.
type ClusterCredential struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	OwnerID             string    `json:"owner_id" db:"owner_id"`
	Context             string    `json:"context,omitempty" db:"context"`
	EncryptedKubeconfig string    `json:"-" db:"encrypted_kubeconfig"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// PodSummary is the subset of pod state surfaced to callers picking a target.
type PodSummary struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Phase      string            `json:"phase"`
	Containers []ContainerStatus `json:"containers"`
	Usage      *PodUsage         `json:"usage,omitempty"`
}

// PodUsage is the metrics-server CPU and memory reading for a pod.
type PodUsage struct {
	CPU        string           `json:"cpu"`
	Memory     string           `json:"memory"`
	Containers []ContainerUsage `json:"containers"`
}

// ContainerUsage is the per-container share of PodUsage.
type ContainerUsage struct {
	Name   string `json:"name"`
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// ContainerStatus mirrors the relevant parts of a pod container status.
type ContainerStatus struct {
	Name         string `json:"name"`
	Ready        bool   `json:"ready"`
	RestartCount int32  `json:"restart_count"`
	State        string `json:"state"`
}
