package models

import (
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/validate"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// MaxCommandLength bounds a single exec command, in characters. It matches the max tag
// on ExecRequest.Command.
const MaxCommandLength = 8192

// MaxKubeconfigBytes bounds a registered kubeconfig.
const MaxKubeconfigBytes = 1 << 20

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// check runs the struct tags and wraps a failure in ErrInvalidRequest.
func check(r any) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// StartSessionRequest asks for a shell on a pod. ClientIP is the raw network identity;
// it is hashed before anything is stored.
type StartSessionRequest struct {
	UserID    string `json:"-" validate:"user_id"`
	ClientIP  string `json:"-"`
	ClusterID string `json:"cluster_id" validate:"cluster_id"`
	Namespace string `json:"namespace" validate:"required,k8s_namespace"`
	Pod       string `json:"pod" validate:"k8s_name"`
	Container string `json:"container,omitempty" validate:"k8s_container"`
	Shell     string `json:"shell,omitempty" validate:"omitempty,shell_path"`
}

func (r *StartSessionRequest) Validate() error { return check(r) }

// StartSessionResponse reports the admission path taken.
type StartSessionResponse struct {
	Session      *Session `json:"session"`
	OTPRequired  bool     `json:"otp_required"`
	OTPExpiresAt *string  `json:"otp_expires_at,omitempty"`
}

// VerifyOTPRequest submits a one-time code. SessionID is optional; when set the
// challenge lookup is restricted to that session.
type VerifyOTPRequest struct {
	UserID    string `json:"-" validate:"user_id"`
	ClientIP  string `json:"-"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code" validate:"required"`
}

// Validate checks the code against codeLength, which is configuration and so cannot
// be a struct tag.
func (r *VerifyOTPRequest) Validate(codeLength int) error {
	if err := check(r); err != nil {
		return err
	}
	if !validate.OTPCode(r.Code, codeLength) {
		return invalid("code must be %d digits", codeLength)
	}
	return nil
}

// ExecRequest runs one command in an ACTIVE session.
type ExecRequest struct {
	UserID    string `json:"-" validate:"user_id"`
	ClientIP  string `json:"-"`
	SessionID string `json:"-" validate:"required"`
	Command   string `json:"command" validate:"not_blank,max=8192"`
}

func (r *ExecRequest) Validate() error { return check(r) }

// ExecResponse carries sanitized output back to the caller.
type ExecResponse struct {
	SessionID     string   `json:"session_id"`
	Output        string   `json:"output"`
	ExitCode      int      `json:"exit_code"`
	Truncated     bool     `json:"truncated,omitempty"`
	RedactedCount int      `json:"redacted_count,omitempty"`
	Categories    []string `json:"redacted_categories,omitempty"`
	CommandCount  int      `json:"command_count"`
}

// KillRequest terminates an ACTIVE session.
type KillRequest struct {
	UserID    string `json:"-" validate:"user_id"`
	ClientIP  string `json:"-"`
	SessionID string `json:"-" validate:"required"`
	Reason    string `json:"reason,omitempty" validate:"max=512"`
}

func (r *KillRequest) Validate() error { return check(r) }

// LogsRequest reads pod logs through the session's ephemeral credential.
type LogsRequest struct {
	UserID    string `json:"-" validate:"user_id"`
	SessionID string `json:"-" validate:"required"`
	TailLines int64  `json:"tail_lines,omitempty" validate:"gte=0,lte=10000"`
}

func (r *LogsRequest) Validate() error { return check(r) }

// UpdateContactRequest records a verified out-of-band address for a user. The glue
// only forwards addresses it has already verified.
type UpdateContactRequest struct {
	UserID         string `json:"-" validate:"user_id"`
	ContactAddress string `json:"contact_address" validate:"contact_address"`
}

func (r *UpdateContactRequest) Validate() error { return check(r) }

// RegisterClusterRequest stores cluster access configuration for a user.
type RegisterClusterRequest struct {
	UserID     string `json:"-" validate:"user_id"`
	Name       string `json:"name" validate:"not_blank,max=128"`
	Kubeconfig string `json:"kubeconfig" validate:"not_blank"`
	Context    string `json:"context,omitempty"`
}

func (r *RegisterClusterRequest) Validate() error {
	if err := check(r); err != nil {
		return err
	}
	if len(r.Kubeconfig) > MaxKubeconfigBytes {
		return invalid("kubeconfig too large")
	}
	return nil
}

// LogsResponse carries sanitized pod logs.
type LogsResponse struct {
	SessionID     string   `json:"session_id"`
	Output        string   `json:"output"`
	RedactedCount int      `json:"redacted_count,omitempty"`
	Categories    []string `json:"redacted_categories,omitempty"`
}
