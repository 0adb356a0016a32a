package service

import (
	"errors"
	"fmt"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive is returned when an operation needs an ACTIVE session.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrSessionExpired is returned when the session credential has lapsed; the session
	// has been ended.
	ErrSessionExpired = errors.New("session credential expired")
	ErrOTPNotFound    = errors.New("no pending verification code")
	ErrOTPExpired     = errors.New("verification code expired")
	ErrOTPInvalid     = errors.New("invalid verification code")
	// ErrOTPAttemptsExceeded is returned once a challenge has been invalidated by
	// repeated failures.
	ErrOTPAttemptsExceeded = errors.New("too many failed verification attempts")
	ErrRateLimited         = errors.New("command rate limit exceeded")
	// ErrCredentialIssue wraps failures to provision the ephemeral credential.
	ErrCredentialIssue = errors.New("failed to issue session credential")
	// ErrDeliveryFailed is returned when a verification code could not be delivered.
	ErrDeliveryFailed = errors.New("failed to deliver verification code")
	// ErrInvalidKubeconfig is returned when a registered kubeconfig cannot be used.
	ErrInvalidKubeconfig = errors.New("invalid kubeconfig")
	// ErrExecFailed wraps cluster-side failures to run a command.
	ErrExecFailed = errors.New("command execution failed")
	// ErrRecordingUnavailable is returned by recording operations when recording is off.
	ErrRecordingUnavailable = errors.New("recording is disabled")
	ErrRecordingNotFound    = errors.New("recording not found")
)

// CommandBlockedError reports a command rejected by the command gate.
type CommandBlockedError struct {
	Reason string
	Rule   string
}

func (e *CommandBlockedError) Error() string {
	return fmt.Sprintf("command blocked: %s", e.Reason)
}
