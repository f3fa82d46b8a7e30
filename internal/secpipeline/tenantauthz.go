package secpipeline

import (
	"context"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

func newTenantDeniedError(principalID, tenantID string) error {
	return dgerr.NewUnauthorized("principal " + principalID + " is not authorized for tenant " + tenantID)
}

// TenantAuthorizer implements pipeline step 7. The default binding
// allows everything; enterprise deployments plug in an adapter that
// binds a Principal to the tenant/namespace scopes it is actually
// permitted to act in.
type TenantAuthorizer interface {
	Authorize(ctx context.Context, principal Principal, tenantID, namespaceID string) error
}

// AllowAllTenants is the default TenantAuthorizer: every principal may
// act in every tenant/namespace.
type AllowAllTenants struct{}

func (AllowAllTenants) Authorize(ctx context.Context, principal Principal, tenantID, namespaceID string) error {
	return nil
}

// ScopedTenantAuthorizer binds principals to an explicit set of
// tenants, denying any other tenant. The namespace id is not consulted.
type ScopedTenantAuthorizer struct {
	scopes map[string]map[string]bool // principal id -> tenant id -> allowed
}

func NewScopedTenantAuthorizer() *ScopedTenantAuthorizer {
	return &ScopedTenantAuthorizer{scopes: make(map[string]map[string]bool)}
}

// Grant permits principalID to act within tenantID.
func (s *ScopedTenantAuthorizer) Grant(principalID, tenantID string) {
	if s.scopes[principalID] == nil {
		s.scopes[principalID] = make(map[string]bool)
	}
	s.scopes[principalID][tenantID] = true
}

func (s *ScopedTenantAuthorizer) Authorize(ctx context.Context, principal Principal, tenantID, namespaceID string) error {
	tenants := s.scopes[principal.ID]
	if tenants == nil || !tenants[tenantID] {
		return newTenantDeniedError(principal.ID, tenantID)
	}
	return nil
}
