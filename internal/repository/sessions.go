package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const sessionColumns = `id, user_id, cluster_id, namespace, pod, container, shell, status, identity_hash,
	token_ciphertext, token_expires_at, command_count, recording_id, created_at, updated_at, ended_at`

func (r *SQLRepository) CreateSession(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	ts := now()
	s.CreatedAt, s.UpdatedAt = ts, ts
	s.TokenExpiresAt = s.TokenExpiresAt.UTC()
	return instrumentQuery("create_session", func() error {
		_, err := r.db.ExecContext(ctx, r.q(`
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			s.ID, s.UserID, s.ClusterID, s.Namespace, s.Pod, s.Container, s.Shell, s.Status, s.IdentityHash,
			s.TokenCiphertext, s.TokenExpiresAt, s.CommandCount, s.RecordingID, s.CreatedAt, s.UpdatedAt, s.EndedAt)
		return err
	})
}

func (r *SQLRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := instrumentQuery("get_session", func() error {
		return r.db.GetContext(ctx, &s, r.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	})
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return &s, nil
}

func (r *SQLRepository) ListSessions(ctx context.Context, f models.SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ClusterID != "" {
		query += ` AND cluster_id = ?`
		args = append(args, f.ClusterID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit, 100, 1000))

	var out []*models.Session
	err := r.db.SelectContext(ctx, &out, r.q(query), args...)
	return out, err
}

// ActivateSession promotes the PENDING_OTP session with the given id and identity hash
// to ACTIVE. ErrConflict when no such pending session exists.
func (r *SQLRepository) ActivateSession(ctx context.Context, id, identityHash, tokenCiphertext string, tokenExpiresAt time.Time) error {
	return instrumentQuery("activate_session", func() error {
		res, err := r.db.ExecContext(ctx, r.q(`
			UPDATE sessions
			SET status = ?, token_ciphertext = ?, token_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND identity_hash = ?`),
			models.SessionActive, tokenCiphertext, tokenExpiresAt.UTC(), now(),
			id, models.SessionPendingOTP, identityHash)
		return expectOne(res, err, "pending session", id)
	})
}

// TransitionSession moves a session from -> to. Terminal targets also set ended_at.
func (r *SQLRepository) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) error {
	var endedAt *time.Time
	if to.IsTerminal() {
		t := at.UTC()
		endedAt = &t
	}
	return instrumentQuery("transition_session", func() error {
		res, err := r.db.ExecContext(ctx, r.q(`
			UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at), updated_at = ?
			WHERE id = ? AND status = ?`),
			to, endedAt, now(), id, from)
		return expectOne(res, err, "session in state "+string(from), id)
	})
}

// IncrementCommandCount bumps the counter of an ACTIVE session and returns the new value.
func (r *SQLRepository) IncrementCommandCount(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.q(`
		UPDATE sessions SET command_count = command_count + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING command_count`), now(), id, models.SessionActive)
	if err != nil {
		return 0, notFound(err, "active session", id)
	}
	return n, nil
}

// ExpirePendingSessions moves PENDING_OTP sessions whose placeholder expiry is before
// the cutoff to EXPIRED and returns their ids.
func (r *SQLRepository) ExpirePendingSessions(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	ts := now()
	err := r.db.SelectContext(ctx, &ids, r.q(`
		UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
		WHERE status = ? AND token_expires_at < ?
		RETURNING id`),
		models.SessionExpired, ts, ts, models.SessionPendingOTP, before.UTC())
	return ids, err
}
