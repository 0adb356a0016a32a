package models

import "time"

// FrameKind classifies one recorded transcript unit.
type FrameKind string

const (
	FrameInput  FrameKind = "input"
	FrameOutput FrameKind = "output"
	FrameError  FrameKind = "error"
	FrameSystem FrameKind = "system"
)

// Valid reports whether k is a known frame kind.
func (k FrameKind) Valid() bool {
	switch k {
	case FrameInput, FrameOutput, FrameError, FrameSystem:
		return true
	}
	return false
}

// Recording is the metadata row of a session transcript. Frames live in
// recording_frames and are append-only.
type Recording struct {
	ID         string            `json:"id" db:"id"`
	SessionID  string            `json:"session_id" db:"session_id"`
	UserID     string            `json:"user_id" db:"user_id"`
	ClusterID  string            `json:"cluster_id" db:"cluster_id"`
	Namespace  string            `json:"namespace" db:"namespace"`
	Pod        string            `json:"pod" db:"pod"`
	Container  string            `json:"container,omitempty" db:"container"`
	Shell      string            `json:"shell" db:"shell"`
	Width      int               `json:"width" db:"width"`
	Height     int               `json:"height" db:"height"`
	EnvJSON    string            `json:"-" db:"env"`
	Env        map[string]string `json:"env,omitempty" db:"-"`
	StartedAt  time.Time         `json:"started_at" db:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs int64             `json:"duration_ms" db:"duration_ms"`
	FrameCount int               `json:"frame_count" db:"frame_count"`
	SizeBytes  int64             `json:"size_bytes" db:"size_bytes"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
}

// Frame is one timestamped unit of a transcript. OffsetMs is relative to the
// recording start.
type Frame struct {
	RecordingID string    `json:"-" db:"recording_id"`
	Seq         int       `json:"seq" db:"seq"`
	OffsetMs    int64     `json:"t" db:"offset_ms"`
	Kind        FrameKind `json:"kind" db:"kind"`
	Payload     string    `json:"data" db:"payload"`
	ExitCode    *int      `json:"exit_code,omitempty" db:"exit_code"`
}

// RecordingFilter narrows recording searches; zero values are ignored.
type RecordingFilter struct {
	UserID        string
	SessionID     string
	ClusterID     string
	Namespace     string
	Pod           string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// RecordingStats aggregates recording duration and size.
type RecordingStats struct {
	Count           int64   `json:"count" db:"count"`
	TotalDurationMs int64   `json:"total_duration_ms" db:"total_duration_ms"`
	AvgDurationMs   float64 `json:"avg_duration_ms" db:"avg_duration_ms"`
	TotalSizeBytes  int64   `json:"total_size_bytes" db:"total_size_bytes"`
	AvgSizeBytes    float64 `json:"avg_size_bytes" db:"avg_size_bytes"`
	TotalFrames     int64   `json:"total_frames" db:"total_frames"`
}
