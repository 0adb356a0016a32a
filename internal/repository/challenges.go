package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const challengeColumns = `id, user_id, session_id, code_hash, identity_hash, attempts, verified, expires_at, created_at`

func (r *SQLRepository) CreateChallenge(ctx context.Context, c *models.OTPChallenge) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = now()
	c.ExpiresAt = c.ExpiresAt.UTC()
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO otp_challenges (`+challengeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.SessionID, c.CodeHash, c.IdentityHash, c.Attempts, c.Verified, c.ExpiresAt, c.CreatedAt)
	return err
}

// LatestUnconsumedChallenge returns the newest unconsumed challenge for userID,
// expired or not, so callers can tell an expired challenge from a missing one.
// A non-empty sessionID restricts the lookup to that session.
func (r *SQLRepository) LatestUnconsumedChallenge(ctx context.Context, userID, sessionID string) (*models.OTPChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM otp_challenges WHERE user_id = ? AND verified = ?`
	args := []any{userID, false}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var c models.OTPChallenge
	if err := r.db.GetContext(ctx, &c, r.q(query), args...); err != nil {
		return nil, notFound(err, "challenge for user", userID)
	}
	return &c, nil
}

// IncrementChallengeAttempts records a failed verification and returns the new count.
func (r *SQLRepository) IncrementChallengeAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.q(`
		UPDATE otp_challenges SET attempts = attempts + 1
		WHERE id = ? AND verified = ?
		RETURNING attempts`), id, false)
	if err != nil {
		return 0, notFound(err, "challenge", id)
	}
	return n, nil
}

// ConsumeChallenge marks the challenge verified exactly once; a second consumer gets
// ErrConflict.
func (r *SQLRepository) ConsumeChallenge(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE otp_challenges SET verified = ? WHERE id = ? AND verified = ?`), true, id, false)
	return expectOne(res, err, "unconsumed challenge", id)
}

// DeleteExpiredChallenges garbage-collects challenges that expired before the cutoff.
func (r *SQLRepository) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM otp_challenges WHERE expires_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
