package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kubilitics/kubilitics-shellgate/internal/k8s"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/envelope"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
	"github.com/kubilitics/kubilitics-shellgate/internal/service"
)

// APIError represents a structured API error response
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTooLarge          = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUpstream          = "UPSTREAM_ERROR"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeCommandBlocked    = "COMMAND_BLOCKED"
)

// errorLog receives unexpected (5xx) errors; replaced in main.
var errorLog = slog.Default()

// SetErrorLogger sets the logger used for internal errors.
func SetErrorLogger(l *slog.Logger) {
	if l != nil {
		errorLog = l
	}
}

func respondStructuredError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{
		Error:     message,
		Code:      code,
		RequestID: logger.FromContext(r.Context()),
		Details:   details,
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondStructuredError(w, r, status, code, message, nil)
}

// respondServiceError maps a service error to a status code. Messages of wrapped
// sentinel errors are safe to return; anything unexpected becomes a generic 500.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		blocked  *service.CommandBlockedError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.As(err, &blocked):
		respondStructuredError(w, r, http.StatusForbidden, ErrCodeCommandBlocked, blocked.Error(),
			map[string]string{"rule": blocked.Rule})
	case errors.As(err, &maxBytes), errors.Is(err, recording.ErrFrameTooLarge):
		respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "payload too large")
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, k8s.ErrContainerRequired),
		errors.Is(err, service.ErrInvalidKubeconfig),
		errors.Is(err, recording.ErrUnknownFormat):
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, service.ErrClusterNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrRecordingNotFound),
		errors.Is(err, k8s.ErrPodNotFound),
		errors.Is(err, k8s.ErrContainerNotFound):
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPInvalid),
		errors.Is(err, service.ErrOTPAttemptsExceeded):
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, service.ErrSessionNotActive),
		errors.Is(err, service.ErrSessionExpired),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrRecordingClosed):
		respondError(w, r, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		respondError(w, r, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, err.Error())
	case errors.Is(err, service.ErrCredentialIssue),
		errors.Is(err, service.ErrExecFailed),
		errors.Is(err, service.ErrDeliveryFailed):
		errorLog.Warn("upstream failure", "request_id", logger.FromContext(r.Context()), "error", err)
		respondError(w, r, http.StatusBadGateway, ErrCodeUpstream, upstreamMessage(err))
	case errors.Is(err, service.ErrRecordingUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, envelope.ErrDecryption):
		errorLog.Error("stored secret unreadable", "request_id", logger.FromContext(r.Context()))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	default:
		errorLog.Error("request failed", "request_id", logger.FromContext(r.Context()), "path", r.URL.Path, "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}

// upstreamMessage keeps cluster error text out of responses.
func upstreamMessage(err error) string {
	for _, s := range []error{service.ErrCredentialIssue, service.ErrExecFailed, service.ErrDeliveryFailed} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "upstream failure"
}

// bodyError classifies a JSON decode failure: oversized bodies stay 413, anything else is 400.
func bodyError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: malformed JSON body", models.ErrInvalidRequest)
}
