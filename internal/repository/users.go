package repository

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const userColumns = `id, contact_address, verified, last_verified_at, created_at, updated_at`

// GetOrCreateUser returns the user, inserting an unverified row on first sight.
func (r *SQLRepository) GetOrCreateUser(ctx context.Context, id string) (*models.User, error) {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO users (id, verified, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`), id, false, ts, ts)
	if err != nil {
		return nil, err
	}
	return r.GetUser(ctx, id)
}

// GetUser loads a user and its ordered trusted identity hashes.
func (r *SQLRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := instrumentQuery("get_user", func() error {
		return r.db.GetContext(ctx, &u, r.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	})
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	trusted, err := r.ListTrustedIdentities(ctx, id)
	if err != nil {
		return nil, err
	}
	u.TrustedIdentities = trusted
	return &u, nil
}

func (r *SQLRepository) UpdateUserContact(ctx context.Context, id, address string, verified bool) error {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE users SET contact_address = ?, verified = ?, updated_at = ? WHERE id = ?`),
		address, verified, now(), id)
	if err := expectOne(res, err, "user", id); err != nil {
		return notFoundFromConflict(err, "user", id)
	}
	return nil
}

func (r *SQLRepository) MarkUserVerified(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		UPDATE users SET last_verified_at = ?, updated_at = ? WHERE id = ?`), at.UTC(), now(), id)
	return err
}

// AddTrustedIdentity appends identityHash to the user's trusted set; repeats are no-ops.
func (r *SQLRepository) AddTrustedIdentity(ctx context.Context, userID, identityHash string) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO user_trusted_identities (user_id, identity_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, identity_hash) DO NOTHING`), userID, identityHash, now())
	return err
}

func (r *SQLRepository) ListTrustedIdentities(ctx context.Context, userID string) ([]string, error) {
	var hashes []string
	err := r.db.SelectContext(ctx, &hashes, r.q(`
		SELECT identity_hash FROM user_trusted_identities
		WHERE user_id = ? ORDER BY created_at, identity_hash`), userID)
	return hashes, err
}
