package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const auditColumns = `id, timestamp, user_id, action, cluster_id, namespace, pod, session_id, command,
	identity_hash, outcome, metadata`

// CreateAuditLog appends one audit entry. There is no update or delete path.
func (r *SQLRepository) CreateAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return instrumentQuery("create_audit_log", func() error {
		_, err := r.db.ExecContext(ctx, r.q(`
			INSERT INTO audit_log (`+auditColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.Timestamp, e.UserID, e.Action, e.ClusterID, e.Namespace, e.Pod, e.SessionID, e.Command,
			e.IdentityHash, e.Outcome, e.Metadata)
		return err
	})
}

func (r *SQLRepository) ListAuditLog(ctx context.Context, f models.AuditLogFilter) ([]*models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1 = 1`
	var args []any
	if f.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *f.UserID)
	}
	if f.SessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *f.SessionID)
	}
	if f.Action != nil {
		query += ` AND action = ?`
		args = append(args, *f.Action)
	}
	if f.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until.UTC())
	}
	query += ` ORDER BY timestamp DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit, 100, 1000))

	var out []*models.AuditLogEntry
	err := r.db.SelectContext(ctx, &out, r.q(query), args...)
	return out, err
}
