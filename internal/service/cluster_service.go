package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/config"
	"github.com/kubilitics/kubilitics-shellgate/internal/k8s"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/envelope"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/validate"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
)

// K8sClientFactory creates a k8s client from kubeconfig bytes and context. Used in tests
// to inject a fake client. When nil, k8s.NewClientFromBytes is used.
type K8sClientFactory func(kubeconfig []byte, contextName string) (*k8s.Client, error)

// ClusterResolver hands out a cluster capability for a caller-owned cluster.
type ClusterResolver interface {
	ClusterFor(ctx context.Context, userID, clusterID string) (k8s.Cluster, error)
}

// ClusterStore is the persistence ClusterService needs.
type ClusterStore interface {
	repository.UserRepository
	repository.ClusterCredentialRepository
}

// ClusterService manages registered clusters. Kubeconfigs are stored only as envelopes
// and decrypted per use; no plaintext credential outlives a call.
type ClusterService struct {
	repo     ClusterStore
	envelope *envelope.Service
	audit    *audit.Logger
	log      *slog.Logger
	factory  K8sClientFactory

	k8sTimeout         time.Duration // timeout for outbound K8s API calls; 0 = use request context only
	k8sRateLimitPerSec float64
	k8sRateLimitBurst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // cluster id -> outbound limiter
}

var _ ClusterResolver = (*ClusterService)(nil)

func NewClusterService(repo ClusterStore, env *envelope.Service, auditLog *audit.Logger, cfg *config.Config, log *slog.Logger) *ClusterService {
	return NewClusterServiceWithClientFactory(repo, env, auditLog, cfg, log, nil)
}

// NewClusterServiceWithClientFactory is for tests: injects a client factory so no real
// API server is contacted.
func NewClusterServiceWithClientFactory(repo ClusterStore, env *envelope.Service, auditLog *audit.Logger, cfg *config.Config, log *slog.Logger, factory K8sClientFactory) *ClusterService {
	if factory == nil {
		factory = k8s.NewClientFromBytes
	}
	if log == nil {
		log = slog.Default()
	}
	s := &ClusterService{
		repo:     repo,
		envelope: env,
		audit:    auditLog,
		log:      log,
		factory:  factory,
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg != nil {
		s.k8sTimeout = cfg.K8sTimeout()
		s.k8sRateLimitPerSec = cfg.K8sRateLimitPerSec
		s.k8sRateLimitBurst = cfg.K8sRateLimitBurst
	}
	return s
}

// Register validates the kubeconfig, encrypts it and stores it for the caller.
func (s *ClusterService) Register(ctx context.Context, req *models.RegisterClusterRequest) (*models.ClusterCredential, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	client, err := s.factory([]byte(req.Kubeconfig), req.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}
	sealed, err := s.envelope.EncryptString(req.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("seal kubeconfig: %w", err)
	}
	if _, err := s.repo.GetOrCreateUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	cred := &models.ClusterCredential{
		Name:                strings.TrimSpace(req.Name),
		OwnerID:             req.UserID,
		Context:             client.Context,
		EncryptedKubeconfig: sealed,
	}
	if err := s.repo.CreateClusterCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store cluster %q: %w", cred.Name, err)
	}
	if err := s.audit.Record(ctx, &models.AuditLogEntry{
		UserID:    req.UserID,
		Action:    models.AuditClusterRegistered,
		ClusterID: &cred.ID,
		Metadata:  cred.Name,
	}); err != nil {
		return nil, err
	}
	s.log.Info("cluster registered", "cluster_id", cred.ID, "owner", req.UserID, "context", cred.Context)
	return cred, nil
}

// Get returns a cluster owned by userID. Clusters of other users are reported as not found.
func (s *ClusterService) Get(ctx context.Context, userID, clusterID string) (*models.ClusterCredential, error) {
	if !validate.ClusterID(clusterID) {
		return nil, ErrClusterNotFound
	}
	cred, err := s.repo.GetClusterCredential(ctx, clusterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrClusterNotFound
		}
		return nil, err
	}
	if cred.OwnerID != userID {
		return nil, ErrClusterNotFound
	}
	return cred, nil
}

func (s *ClusterService) List(ctx context.Context, userID string) ([]*models.ClusterCredential, error) {
	return s.repo.ListClusterCredentials(ctx, userID)
}

// Delete removes a caller-owned cluster. Sessions that used it stay on record.
func (s *ClusterService) Delete(ctx context.Context, userID, clusterID string) error {
	if err := s.repo.DeleteClusterCredential(ctx, clusterID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrClusterNotFound
		}
		return err
	}
	s.mu.Lock()
	delete(s.limiters, clusterID)
	s.mu.Unlock()
	return s.audit.Record(ctx, &models.AuditLogEntry{
		UserID:    userID,
		Action:    models.AuditClusterRemoved,
		ClusterID: &clusterID,
	})
}

// ClusterFor decrypts the stored kubeconfig and returns a client for it.
func (s *ClusterService) ClusterFor(ctx context.Context, userID, clusterID string) (k8s.Cluster, error) {
	cred, err := s.Get(ctx, userID, clusterID)
	if err != nil {
		return nil, err
	}
	raw, err := s.envelope.Decrypt(cred.EncryptedKubeconfig)
	if err != nil {
		return nil, fmt.Errorf("open kubeconfig of cluster %s: %w", clusterID, err)
	}
	client, err := s.factory(raw, cred.Context)
	clear(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}
	if s.k8sTimeout > 0 {
		client.SetTimeout(s.k8sTimeout)
	}
	if l := s.limiterFor(clusterID); l != nil {
		client.SetLimiter(l)
	}
	return client, nil
}

func (s *ClusterService) limiterFor(clusterID string) *rate.Limiter {
	if s.k8sRateLimitPerSec <= 0 || s.k8sRateLimitBurst <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[clusterID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.k8sRateLimitPerSec), s.k8sRateLimitBurst)
		s.limiters[clusterID] = l
	}
	return l
}

// ListPods lists pods of a namespace so callers can pick a session target.
func (s *ClusterService) ListPods(ctx context.Context, userID, clusterID, namespace string) ([]models.PodSummary, error) {
	if namespace == "" || !validate.Namespace(namespace) {
		return nil, fmt.Errorf("%w: invalid namespace", models.ErrInvalidRequest)
	}
	c, err := s.ClusterFor(ctx, userID, clusterID)
	if err != nil {
		return nil, err
	}
	return c.ListPods(ctx, namespace)
}
