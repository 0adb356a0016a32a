package models

import "time"

// SessionStatus is the lifecycle state of a shell session.
type SessionStatus string

const (
	SessionPendingOTP SessionStatus = "PENDING_OTP"
	SessionActive     SessionStatus = "ACTIVE"
	SessionEnded      SessionStatus = "ENDED"
	SessionKilled     SessionStatus = "KILLED"
	// SessionExpired marks a PENDING_OTP session abandoned before verification.
	SessionExpired SessionStatus = "EXPIRED"
)

// IsTerminal returns true for states that are never reopened.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionEnded, SessionKilled, SessionExpired:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionPendingOTP:
		return next == SessionActive || next == SessionExpired
	case SessionActive:
		return next == SessionEnded || next == SessionKilled
	}
	return false
}

// Session is one brokered shell session on a pod. Sessions are retained for audit and
// only ever superseded by status.
type Session struct {
	ID              string        `json:"id" db:"id"`
	UserID          string        `json:"user_id" db:"user_id"`
	ClusterID       string        `json:"cluster_id" db:"cluster_id"`
	Namespace       string        `json:"namespace" db:"namespace"`
	Pod             string        `json:"pod" db:"pod"`
	Container       string        `json:"container,omitempty" db:"container"`
	Shell           string        `json:"shell" db:"shell"`
	Status          SessionStatus `json:"status" db:"status"`
	IdentityHash    string        `json:"-" db:"identity_hash"`
	TokenCiphertext string        `json:"-" db:"token_ciphertext"` // envelope-encrypted ephemeral token
	TokenExpiresAt  time.Time     `json:"token_expires_at" db:"token_expires_at"`
	CommandCount    int           `json:"command_count" db:"command_count"`
	RecordingID     *string       `json:"recording_id,omitempty" db:"recording_id"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// IsTokenExpired returns true once the backing credential is past its deadline.
func (s *Session) IsTokenExpired(now time.Time) bool {
	return !now.Before(s.TokenExpiresAt)
}

// SessionFilter narrows session listings; zero values are ignored.
type SessionFilter struct {
	UserID    string
	ClusterID string
	Status    SessionStatus
	Limit     int
}
