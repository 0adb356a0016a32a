// Package credential provisions a per-caller service account with pod-scoped RBAC and
// mints short-lived tokens for it.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	authv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/tracing"
)

const (
	// DefaultTTL is the token lifetime when Options.TTL is zero.
	DefaultTTL = 600 * time.Second
	// DefaultAudience is the token audience when Options.Audience is empty.
	DefaultAudience = "kubilitics-shellgate"

	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "kubilitics-shellgate"
	callerAnnotation = "shellgate.kubilitics.io/caller"
	maxSlugLen       = 32
)

var (
	// ErrEmptyCaller is returned when no caller identity is supplied.
	ErrEmptyCaller = errors.New("caller identity is required")
	// ErrEmptyToken is returned when the cluster answers a token request without a token.
	ErrEmptyToken = errors.New("token request returned no token")
)

// Options configures token issuance.
type Options struct {
	TTL      time.Duration
	Audience string
}

// Token is a time-boxed bearer credential for one caller in one namespace.
type Token struct {
	Token          string
	ExpiresAt      time.Time
	ServiceAccount string
	Namespace      string
}

// Identity holds the object names derived from a caller identity.
type Identity struct {
	ServiceAccount string
	Role           string
	RoleBinding    string
}

// Issuer ensures RBAC objects exist and requests tokens through the cluster API.
type Issuer struct {
	client   kubernetes.Interface
	ttl      time.Duration
	audience string
}

// NewIssuer returns an Issuer acting with the given clientset.
func NewIssuer(client kubernetes.Interface, opts Options) *Issuer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Audience == "" {
		opts.Audience = DefaultAudience
	}
	return &Issuer{client: client, ttl: opts.TTL, audience: opts.Audience}
}

// Names derives object names from callerID. The hash suffix keeps distinct callers
// apart even when their slugs collide.
func Names(callerID string) Identity {
	sum := sha256.Sum256([]byte(callerID))
	sa := "shellgate-" + slug(callerID) + "-" + hex.EncodeToString(sum[:])[:10]
	return Identity{ServiceAccount: sa, Role: sa + "-exec", RoleBinding: sa + "-exec"}
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case ok:
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		out = "user"
	}
	return out
}

// Issue ensures the caller's service account, role and binding exist in namespace and
// returns a fresh token. Any RBAC failure other than already-exists aborts issuance.
func (i *Issuer) Issue(ctx context.Context, callerID, namespace string) (tok *Token, err error) {
	if callerID == "" {
		return nil, ErrEmptyCaller
	}
	ctx, span := tracing.StartSpan(ctx, "credential.issue")
	defer func() {
		tracing.End(span, err)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.CredentialsIssuedTotal.WithLabelValues(outcome).Inc()
	}()

	id := Names(callerID)
	if err := i.ensureServiceAccount(ctx, id, callerID, namespace); err != nil {
		return nil, err
	}
	if err := i.ensureRole(ctx, id, callerID, namespace); err != nil {
		return nil, err
	}
	if err := i.ensureRoleBinding(ctx, id, callerID, namespace); err != nil {
		return nil, err
	}

	seconds := int64(i.ttl / time.Second)
	req := &authv1.TokenRequest{
		Spec: authv1.TokenRequestSpec{
			Audiences:         []string{i.audience},
			ExpirationSeconds: &seconds,
		},
	}
	issuedAt := time.Now()
	resp, err := i.client.CoreV1().ServiceAccounts(namespace).CreateToken(ctx, id.ServiceAccount, req, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("request token for %s/%s: %w", namespace, id.ServiceAccount, err)
	}
	if resp.Status.Token == "" {
		return nil, ErrEmptyToken
	}
	expiresAt := resp.Status.ExpirationTimestamp.Time
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(i.ttl)
	}
	return &Token{
		Token:          resp.Status.Token,
		ExpiresAt:      expiresAt.UTC(),
		ServiceAccount: id.ServiceAccount,
		Namespace:      namespace,
	}, nil
}

func objectMeta(name, namespace, callerID string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:        name,
		Namespace:   namespace,
		Labels:      map[string]string{managedByLabel: managedByValue},
		Annotations: map[string]string{callerAnnotation: callerID},
	}
}

// createTolerant treats already-exists as success so concurrent starts converge.
func createTolerant(kind, name string, err error) error {
	if err == nil || apierrors.IsAlreadyExists(err) {
		return nil
	}
	return fmt.Errorf("create %s %s: %w", kind, name, err)
}

func (i *Issuer) ensureServiceAccount(ctx context.Context, id Identity, callerID, namespace string) error {
	sa := &corev1.ServiceAccount{ObjectMeta: objectMeta(id.ServiceAccount, namespace, callerID)}
	_, err := i.client.CoreV1().ServiceAccounts(namespace).Create(ctx, sa, metav1.CreateOptions{})
	return createTolerant("serviceaccount", id.ServiceAccount, err)
}

func (i *Issuer) ensureRole(ctx context.Context, id Identity, callerID, namespace string) error {
	role := &rbacv1.Role{
		ObjectMeta: objectMeta(id.Role, namespace, callerID),
		Rules: []rbacv1.PolicyRule{{
			APIGroups: []string{""},
			Resources: []string{"pods", "pods/exec", "pods/log"},
			Verbs:     []string{"get", "list", "watch", "create"},
		}},
	}
	_, err := i.client.RbacV1().Roles(namespace).Create(ctx, role, metav1.CreateOptions{})
	return createTolerant("role", id.Role, err)
}

func (i *Issuer) ensureRoleBinding(ctx context.Context, id Identity, callerID, namespace string) error {
	rb := &rbacv1.RoleBinding{
		ObjectMeta: objectMeta(id.RoleBinding, namespace, callerID),
		Subjects: []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      id.ServiceAccount,
			Namespace: namespace,
		}},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "Role",
			Name:     id.Role,
		},
	}
	_, err := i.client.RbacV1().RoleBindings(namespace).Create(ctx, rb, metav1.CreateOptions{})
	return createTolerant("rolebinding", id.RoleBinding, err)
}
