package secpipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// DefaultNamespaceID is the reserved namespace id subject to the
// allow_default / default_tenants gate.
const DefaultNamespaceID = "default"

// AuthorityMode selects whether external namespace authority is
// consulted.
type AuthorityMode string

const (
	AuthorityNone AuthorityMode = "none"
	AuthorityHTTP AuthorityMode = "http"
)

// NamespacePolicyConfig configures pipeline step 6.
type NamespacePolicyConfig struct {
	AllowDefault    bool
	DefaultTenants  []string
	Authority       AuthorityMode
	AuthorityURL    string
	AuthorityTimeout time.Duration
	AuthorityToken  string
}

// NamespacePolicy implements pipeline step 6: the reserved default
// namespace is blocked unless explicitly enabled for the caller's
// tenant, and an optional external authority endpoint is consulted for
// every namespace when configured. Any outcome other than a clean
// allow is treated as deny — an authority that is unreachable, times
// out, or returns an unexpected status is not "probably fine", it is
// unavailable, and unavailable is deny.
type NamespacePolicy struct {
	cfg            NamespacePolicyConfig
	defaultTenants map[string]bool
	client         *http.Client
}

func NewNamespacePolicy(cfg NamespacePolicyConfig) *NamespacePolicy {
	tenants := make(map[string]bool, len(cfg.DefaultTenants))
	for _, t := range cfg.DefaultTenants {
		tenants[t] = true
	}
	timeout := cfg.AuthorityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NamespacePolicy{cfg: cfg, defaultTenants: tenants, client: &http.Client{Timeout: timeout}}
}

func (p *NamespacePolicy) Check(ctx context.Context, tenantID, namespaceID string) error {
	if namespaceID == DefaultNamespaceID {
		if !p.cfg.AllowDefault || !p.defaultTenants[tenantID] {
			return dgerr.NewUnauthorized("namespace " + DefaultNamespaceID + " is not enabled for tenant " + tenantID)
		}
	}

	if p.cfg.Authority != AuthorityHTTP {
		return nil
	}
	return p.checkAuthority(ctx, tenantID, namespaceID)
}

func (p *NamespacePolicy) checkAuthority(ctx context.Context, tenantID, namespaceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.AuthorityURL, nil)
	if err != nil {
		return dgerr.NewUnauthorized("namespace authority request could not be constructed: " + err.Error())
	}
	q := req.URL.Query()
	q.Set("tenant", tenantID)
	q.Set("namespace", namespaceID)
	req.URL.RawQuery = q.Encode()
	if p.cfg.AuthorityToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthorityToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return dgerr.NewUnauthorized(fmt.Sprintf("namespace authority unavailable: %v", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return dgerr.NewUnauthorized(fmt.Sprintf("namespace authority denied tenant %q namespace %q", tenantID, namespaceID))
	default:
		return dgerr.NewUnauthorized(fmt.Sprintf("namespace authority returned unexpected status %d, treated as deny", resp.StatusCode))
	}
}
