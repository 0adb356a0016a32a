package k8s

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Client wraps client-go for one registered cluster. The embedded credentials are used
// for discovery and RBAC provisioning; workload access goes through ForToken.
type Client struct {
	Clientset kubernetes.Interface
	// Metrics reads metrics.k8s.io; nil disables pod usage in listings.
	Metrics metricsclient.Interface
	Config    *rest.Config
	Context   string
	// Timeout for outbound K8s API calls; 0 means no timeout (use request context only).
	Timeout time.Duration
	// Limiter optionally rate-limits outbound API calls per cluster. Nil = no limit.
	limiter *rate.Limiter
}

var _ Cluster = (*Client)(nil)

// NewClientFromBytes creates a Kubernetes client from kubeconfig bytes. An empty
// context selects the kubeconfig's current context.
func NewClientFromBytes(kubeconfigBytes []byte, context string) (*Client, error) {
	rawConfig, err := clientcmd.Load(kubeconfigBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	contextToUse := context
	if contextToUse == "" {
		contextToUse = rawConfig.CurrentContext
	}
	if contextToUse == "" {
		return nil, fmt.Errorf("no context specified and no current context in kubeconfig")
	}
	if _, exists := rawConfig.Contexts[contextToUse]; !exists {
		return nil, fmt.Errorf("context %s not found in kubeconfig", contextToUse)
	}

	config, err := clientcmd.NewNonInteractiveClientConfig(
		*rawConfig,
		contextToUse,
		&clientcmd.ConfigOverrides{},
		&clientcmd.ClientConfigLoadingRules{},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build config for context %s: %w", contextToUse, err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metrics, err := metricsclient.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &Client{
		Clientset: clientset,
		Metrics:   metrics,
		Config:    config,
		Context:   contextToUse,
	}, nil
}

// NewClientForTest creates a Client around the given Clientset. Config is nil, so
// ForToken returns the same clientset and Exec is unavailable.
func NewClientForTest(clientset kubernetes.Interface) *Client {
	return &Client{Clientset: clientset}
}

// SetTimeout sets the timeout for outbound K8s API calls.
func (c *Client) SetTimeout(d time.Duration) {
	c.Timeout = d
}

// SetLimiter sets a token-bucket rate limiter for outbound K8s API calls.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// Kubernetes returns the clientset backed by the registered credentials.
func (c *Client) Kubernetes() kubernetes.Interface {
	return c.Clientset
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// withTimeout returns ctx with timeout applied if c.Timeout > 0; otherwise returns ctx and a no-op cancel.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return ctx, func() {}
}

// ForToken returns a clientset and rest config that authenticate only with the given
// bearer token. The registered credentials are stripped so a missing or expired token
// can never fall back to them.
func (c *Client) ForToken(token string) (kubernetes.Interface, *rest.Config, error) {
	if token == "" {
		return nil, nil, ErrNoToken
	}
	if c.Config == nil {
		return c.Clientset, nil, nil
	}
	cfg := rest.AnonymousClientConfig(c.Config)
	cfg.BearerToken = token
	cfg.Timeout = c.Timeout
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token clientset: %w", err)
	}
	return cs, cfg, nil
}
