// Package audit records security-relevant events durably and mirrors them as JSON lines.
// Entries are append-only.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Writer is the durable store for entries.
type Writer interface {
	CreateAuditLog(ctx context.Context, e *models.AuditLogEntry) error
}

// Config selects the JSON mirror. An empty Path mirrors to stderr.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger writes entries to the store first and mirrors them only once stored, so the
// file never shows an event the database does not have.
type Logger struct {
	store  Writer
	mirror *slog.Logger
	closer io.Closer
}

// New returns a Logger mirroring to a rotating file when cfg.Path is set.
func New(store Writer, cfg Config) *Logger {
	if cfg.Path == "" {
		return NewWithWriter(store, os.Stderr)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	l := NewWithWriter(store, rotator)
	l.closer = rotator
	return l
}

// NewWithWriter returns a Logger mirroring JSON lines to w.
func NewWithWriter(store Writer, w io.Writer) *Logger {
	return &Logger{
		store:  store,
		mirror: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Record persists e. A store failure is returned so the caller can fail the operation
// being audited.
func (l *Logger) Record(ctx context.Context, e *models.AuditLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if err := l.store.CreateAuditLog(ctx, e); err != nil {
		l.mirror.Error("audit write failed", "action", e.Action, "user_id", e.UserID, "error", err)
		return fmt.Errorf("audit %s: %w", e.Action, err)
	}
	attrs := []any{
		"id", e.ID,
		"action", e.Action,
		"user_id", e.UserID,
		"outcome", e.Outcome,
		"identity_hash", e.IdentityHash,
	}
	if reqID := logger.FromContext(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	for _, kv := range []struct {
		key string
		val *string
	}{
		{"cluster_id", e.ClusterID},
		{"namespace", e.Namespace},
		{"pod", e.Pod},
		{"session_id", e.SessionID},
		{"command", e.Command},
	} {
		if kv.val != nil {
			attrs = append(attrs, kv.key, *kv.val)
		}
	}
	if e.Metadata != "" {
		attrs = append(attrs, "metadata", e.Metadata)
	}
	l.mirror.Info("audit", attrs...)
	return nil
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SessionEntry builds an entry carrying the session's target context.
func SessionEntry(s *models.Session, action, outcome string) *models.AuditLogEntry {
	e := &models.AuditLogEntry{
		UserID:       s.UserID,
		Action:       action,
		IdentityHash: s.IdentityHash,
		Outcome:      outcome,
	}
	if s.ID != "" {
		e.SessionID = ptr(s.ID)
	}
	if s.ClusterID != "" {
		e.ClusterID = ptr(s.ClusterID)
	}
	if s.Namespace != "" {
		e.Namespace = ptr(s.Namespace)
	}
	if s.Pod != "" {
		e.Pod = ptr(s.Pod)
	}
	return e
}

func ptr(s string) *string { return &s }
