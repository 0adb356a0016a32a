package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const clusterColumns = `id, name, owner_id, context, encrypted_kubeconfig, created_at, updated_at`

func (r *SQLRepository) CreateClusterCredential(ctx context.Context, c *models.ClusterCredential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO cluster_credentials (`+clusterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.OwnerID, c.Context, c.EncryptedKubeconfig, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *SQLRepository) GetClusterCredential(ctx context.Context, id string) (*models.ClusterCredential, error) {
	var c models.ClusterCredential
	err := r.db.GetContext(ctx, &c, r.q(`SELECT `+clusterColumns+` FROM cluster_credentials WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "cluster", id)
	}
	return &c, nil
}

func (r *SQLRepository) ListClusterCredentials(ctx context.Context, ownerID string) ([]*models.ClusterCredential, error) {
	var out []*models.ClusterCredential
	err := r.db.SelectContext(ctx, &out, r.q(`
		SELECT `+clusterColumns+` FROM cluster_credentials
		WHERE owner_id = ? ORDER BY created_at DESC`), ownerID)
	return out, err
}

// DeleteClusterCredential removes a cluster owned by ownerID. Sessions and audit rows
// referencing it are retained.
func (r *SQLRepository) DeleteClusterCredential(ctx context.Context, id, ownerID string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM cluster_credentials WHERE id = ? AND owner_id = ?`), id, ownerID)
	if err := expectOne(res, err, "cluster", id); err != nil {
		return notFoundFromConflict(err, "cluster", id)
	}
	return nil
}
