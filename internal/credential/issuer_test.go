package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// tokenReactor answers TokenRequest creation, which the fake tracker cannot serve.
func tokenReactor(t *testing.T, ttl *int64) k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "token" {
			return false, nil, nil
		}
		req := action.(k8stesting.CreateAction).GetObject().(*authv1.TokenRequest)
		if ttl != nil && req.Spec.ExpirationSeconds != nil {
			*ttl = *req.Spec.ExpirationSeconds
		}
		assert.Equal(t, []string{"shellgate-test"}, req.Spec.Audiences)
		return true, &authv1.TokenRequest{Status: authv1.TokenRequestStatus{
			Token:               "ephemeral-token",
			ExpirationTimestamp: metav1.NewTime(time.Now().Add(10 * time.Minute)),
		}}, nil
	}
}

func TestNames_DeterministicAndDistinct(t *testing.T) {
	a := Names("Alice@Example.com")
	assert.Equal(t, a, Names("Alice@Example.com"))
	assert.True(t, strings.HasPrefix(a.ServiceAccount, "shellgate-alice-example-com-"))
	assert.Equal(t, a.ServiceAccount+"-exec", a.Role)
	assert.Equal(t, a.Role, a.RoleBinding)

	b := Names("alice.example.com")
	assert.NotEqual(t, a.ServiceAccount, b.ServiceAccount)

	long := Names(strings.Repeat("x", 300))
	assert.LessOrEqual(t, len(long.Role), 63)

	assert.Contains(t, Names("!!!").ServiceAccount, "shellgate-user-")
}

func TestIssue_CreatesRBACAndToken(t *testing.T) {
	cs := fake.NewSimpleClientset()
	var ttl int64
	cs.PrependReactor("create", "serviceaccounts", tokenReactor(t, &ttl))
	iss := NewIssuer(cs, Options{Audience: "shellgate-test"})

	tok, err := iss.Issue(context.Background(), "alice", "default")
	require.NoError(t, err)
	assert.Equal(t, "ephemeral-token", tok.Token)
	assert.Equal(t, int64(600), ttl)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), tok.ExpiresAt, 5*time.Second)

	id := Names("alice")
	ctx := context.Background()
	_, err = cs.CoreV1().ServiceAccounts("default").Get(ctx, id.ServiceAccount, metav1.GetOptions{})
	require.NoError(t, err)
	role, err := cs.RbacV1().Roles("default").Get(ctx, id.Role, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, role.Rules, 1)
	assert.ElementsMatch(t, []string{"get", "list", "watch", "create"}, role.Rules[0].Verbs)
	assert.ElementsMatch(t, []string{"pods", "pods/exec", "pods/log"}, role.Rules[0].Resources)
	rb, err := cs.RbacV1().RoleBindings("default").Get(ctx, id.RoleBinding, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, id.ServiceAccount, rb.Subjects[0].Name)
	assert.Equal(t, id.Role, rb.RoleRef.Name)
}

func TestIssue_IdempotentUnderConcurrency(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("create", "serviceaccounts", tokenReactor(t, nil))
	iss := NewIssuer(cs, Options{Audience: "shellgate-test"})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.Issue(context.Background(), "alice", "default")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	roles, err := cs.RbacV1().Roles("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, roles.Items, 1)
	bindings, err := cs.RbacV1().RoleBindings("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, bindings.Items, 1)
}

func TestIssue_RBACFailureAbortsTokenRequest(t *testing.T) {
	cs := fake.NewSimpleClientset()
	tokenRequested := false
	cs.PrependReactor("create", "serviceaccounts", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() == "token" {
			tokenRequested = true
		}
		return false, nil, nil
	})
	cs.PrependReactor("create", "rolebindings", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("forbidden")
	})
	iss := NewIssuer(cs, Options{})

	_, err := iss.Issue(context.Background(), "alice", "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolebinding")
	assert.False(t, tokenRequested)
}

func TestIssue_EmptyTokenAndCaller(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("create", "serviceaccounts", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "token" {
			return false, nil, nil
		}
		return true, &authv1.TokenRequest{}, nil
	})
	iss := NewIssuer(cs, Options{TTL: time.Hour})

	_, err := iss.Issue(context.Background(), "alice", "default")
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = iss.Issue(context.Background(), "", "default")
	assert.ErrorIs(t, err, ErrEmptyCaller)
}
