package models

import "time"

// Audit actions written by the session subsystem.
const (
	AuditSessionStarted     = "session_started"
	AuditSessionOTPRequired = "session_otp_required"
	AuditSessionStartFailed = "session_start_failed"
	AuditSessionVerified    = "session_verified"
	AuditOTPFailed          = "otp_failed"
	AuditSessionKilled      = "session_killed"
	AuditSessionEnded       = "session_ended"
	AuditSessionAbandoned   = "session_abandoned"
	AuditExec               = "exec"
	AuditExecBlocked        = "exec_blocked"
	AuditExecRateLimited    = "exec_rate_limited"
	AuditLogsRead           = "logs_read"
	AuditClusterRegistered  = "cluster_registered"
	AuditClusterRemoved     = "cluster_removed"
	AuditRecordingExported  = "recording_exported"
	AuditRecordingDeleted   = "recording_deleted"
	AuditPolicyChanged      = "policy_changed"
)

// AuditLogEntry represents a single audit log record.
// Append-only: no UPDATE or DELETE on audit records.
type AuditLogEntry struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	UserID       string    `json:"user_id" db:"user_id"`
	Action       string    `json:"action" db:"action"`
	ClusterID    *string   `json:"cluster_id,omitempty" db:"cluster_id"`
	Namespace    *string   `json:"namespace,omitempty" db:"namespace"`
	Pod          *string   `json:"pod,omitempty" db:"pod"`
	SessionID    *string   `json:"session_id,omitempty" db:"session_id"`
	Command      *string   `json:"command,omitempty" db:"command"`
	IdentityHash string    `json:"identity_hash,omitempty" db:"identity_hash"`
	Outcome      string    `json:"outcome" db:"outcome"` // success | failure | denied
	Metadata     string    `json:"metadata,omitempty" db:"metadata"` // JSON object
}

// AuditLogFilter narrows audit queries; nil fields are ignored.
type AuditLogFilter struct {
	UserID    *string
	SessionID *string
	Action    *string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}
