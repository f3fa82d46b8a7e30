package secpipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

func noopHandler(ctx context.Context, req Request, principal Principal) (any, error) {
	return "ok", nil
}

func newTestPipeline(t *testing.T, authn *Authenticator, audit AuditSink) *Pipeline {
	t.Helper()
	limiter := NewRateLimiter(RateLimitConfig{BurstSize: 10, RefillPerSecond: 100, MaxInflight: 10})
	return New(authn, limiter, audit)
}

func TestRunDeniesUnauthenticatedRequest(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthBearerToken, BearerTokens: []string{"good-token"}})
	p := newTestPipeline(t, authn, audit)

	req := Request{Transport: TransportHTTP, AuthHeader: "Bearer wrong-token", Method: "scenario_start", TenantID: "acme", NamespaceID: "ns1"}
	decision := p.Run(context.Background(), req, noopHandler)

	if decision.Allowed {
		t.Fatalf("expected denial, got allowed")
	}
	if decision.DenyReason != "authentication_failed" {
		t.Fatalf("expected authentication_failed, got %q", decision.DenyReason)
	}
	if decision.Err == nil || decision.Err.Code != dgerr.Unauthenticated {
		t.Fatalf("expected Unauthenticated error, got %+v", decision.Err)
	}
	events := audit.Events()
	if len(events) != 1 || events[0].Allowed {
		t.Fatalf("expected exactly one denied audit event, got %+v", events)
	}
}

func TestRunAllowsLocalOnlyStdio(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)

	req := Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: "ns1"}
	decision := p.Run(context.Background(), req, noopHandler)

	if !decision.Allowed {
		t.Fatalf("expected allow, got deny: %+v", decision.Err)
	}
	if decision.Result != "ok" {
		t.Fatalf("expected handler result to flow through, got %v", decision.Result)
	}
	events := audit.Events()
	if len(events) != 1 || !events[0].Allowed {
		t.Fatalf("expected exactly one allowed audit event, got %+v", events)
	}
}

func TestRunRejectsMalformedClientCorrelationID(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)

	req := Request{Transport: TransportStdio, Method: "scenario_start", ClientCorrelationID: "bad id with spaces"}
	decision := p.Run(context.Background(), req, noopHandler)

	if decision.Allowed {
		t.Fatalf("expected denial for malformed correlation id")
	}
	if decision.Err == nil || decision.Err.Code != dgerr.InvalidCorrelationID {
		t.Fatalf("expected InvalidCorrelationID, got %+v", decision.Err)
	}
}

func TestRunDeniesRateLimitedRequest(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	limiter := NewRateLimiter(RateLimitConfig{BurstSize: 1, RefillPerSecond: 0, MaxInflight: 10})
	p := New(authn, limiter, audit)

	req := Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme"}
	first := p.Run(context.Background(), req, noopHandler)
	if !first.Allowed {
		t.Fatalf("expected first request to be allowed, got %+v", first.Err)
	}
	second := p.Run(context.Background(), req, noopHandler)
	if second.Allowed {
		t.Fatalf("expected second request to be rate limited")
	}
	if second.DenyReason != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", second.DenyReason)
	}
	if second.Err == nil || second.Err.Code != dgerr.RateLimited {
		t.Fatalf("expected RateLimited error, got %+v", second.Err)
	}
}

func TestRunDeniesInflightCeiling(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	limiter := NewRateLimiter(RateLimitConfig{BurstSize: 10, RefillPerSecond: 100, MaxInflight: 1})
	p := New(authn, limiter, audit)

	blocking := make(chan struct{})
	release := make(chan struct{})
	go func() {
		p.Run(context.Background(), Request{Transport: TransportStdio, Method: "x", TenantID: "acme"}, func(ctx context.Context, req Request, principal Principal) (any, error) {
			close(blocking)
			<-release
			return "ok", nil
		})
	}()
	<-blocking

	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "x", TenantID: "acme2"}, noopHandler)
	close(release)

	if decision.Allowed {
		t.Fatalf("expected overloaded denial while inflight slot is held")
	}
	if decision.Err == nil || decision.Err.Code != dgerr.Overloaded {
		t.Fatalf("expected Overloaded error, got %+v", decision.Err)
	}
}

func TestRunDeniesToolNotInAllowList(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)
	p.ToolAllowList = NewToolAllowList([]string{"scenario_start"})

	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "evidence_query", TenantID: "acme"}, noopHandler)

	if decision.Allowed {
		t.Fatalf("expected denial for tool outside allow-list")
	}
	if decision.Err == nil || decision.Err.Code != dgerr.UnknownTool {
		t.Fatalf("expected UnknownTool, got %+v", decision.Err)
	}
}

func TestRunDeniesDefaultNamespaceByDefault(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)

	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: DefaultNamespaceID}, noopHandler)

	if decision.Allowed {
		t.Fatalf("expected default namespace to be denied by default")
	}
	if decision.DenyReason != "namespace_denied" {
		t.Fatalf("expected namespace_denied, got %q", decision.DenyReason)
	}
	events := audit.Events()
	if len(events) != 1 || events[0].Allowed {
		t.Fatalf("expected a single denied audit event for default-namespace fail-closed path, got %+v", events)
	}
}

func TestRunAllowsDefaultNamespaceWhenEnabledForTenant(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)
	p.NamespacePolicy = NewNamespacePolicy(NamespacePolicyConfig{AllowDefault: true, DefaultTenants: []string{"acme"}})

	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: DefaultNamespaceID}, noopHandler)
	if !decision.Allowed {
		t.Fatalf("expected default namespace to be allowed for enabled tenant, got %+v", decision.Err)
	}

	denied := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "other", NamespaceID: DefaultNamespaceID}, noopHandler)
	if denied.Allowed {
		t.Fatalf("expected default namespace to stay denied for a tenant not in the allow-list")
	}
}

func TestNamespaceAuthorityHTTPOutcomes(t *testing.T) {
	cases := []struct {
		status     int
		wantAllow  bool
	}{
		{http.StatusOK, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		policy := NewNamespacePolicy(NamespacePolicyConfig{Authority: AuthorityHTTP, AuthorityURL: srv.URL})
		err := policy.Check(context.Background(), "acme", "ns1")
		srv.Close()
		if tc.wantAllow && err != nil {
			t.Fatalf("status %d: expected allow, got %v", tc.status, err)
		}
		if !tc.wantAllow && err == nil {
			t.Fatalf("status %d: expected deny, got allow", tc.status)
		}
	}
}

func TestNamespaceAuthorityUnreachableDenies(t *testing.T) {
	policy := NewNamespacePolicy(NamespacePolicyConfig{Authority: AuthorityHTTP, AuthorityURL: "http://127.0.0.1:1"})
	if err := policy.Check(context.Background(), "acme", "ns1"); err == nil {
		t.Fatalf("expected deny when namespace authority is unreachable")
	}
}

func TestRunDeniesTenantNotAuthorized(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)
	p.TenantAuthorizer = NewScopedTenantAuthorizer()

	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: "ns1"}, noopHandler)

	if decision.Allowed {
		t.Fatalf("expected tenant denial")
	}
	if decision.DenyReason != "tenant_denied" {
		t.Fatalf("expected tenant_denied, got %q", decision.DenyReason)
	}
	if decision.Err == nil || decision.Err.Code != dgerr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %+v", decision.Err)
	}
}

func TestRunDeniesQuotaExceeded(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)
	quota := NewQuotaEnforcer()
	quota.SetBudget("acme", QuotaBudget{CounterRunsStarted: 1})
	p.UsageEnforcer = quota

	first := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: "ns1"}, noopHandler)
	if !first.Allowed {
		t.Fatalf("expected first run to be allowed, got %+v", first.Err)
	}
	second := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "scenario_start", TenantID: "acme", NamespaceID: "ns1"}, noopHandler)
	if second.Allowed {
		t.Fatalf("expected second run to exceed quota")
	}
	if second.DenyReason != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded, got %q", second.DenyReason)
	}
}

func TestRunAuditsHandlerError(t *testing.T) {
	audit := NewMemoryAuditSink(0, false)
	authn := NewAuthenticator(AuthConfig{Mode: AuthLocalOnly})
	p := newTestPipeline(t, authn, audit)

	failing := func(ctx context.Context, req Request, principal Principal) (any, error) {
		return nil, dgerr.NewEvidence("provider exploded")
	}
	decision := p.Run(context.Background(), Request{Transport: TransportStdio, Method: "evidence_query", TenantID: "acme", NamespaceID: "ns1"}, failing)

	if decision.Allowed {
		t.Fatalf("expected denial on handler error")
	}
	if decision.Err == nil || decision.Err.Code != dgerr.Evidence {
		t.Fatalf("expected Evidence error code preserved, got %+v", decision.Err)
	}
	events := audit.Events()
	if len(events) != 1 || events[0].Reason != "handler_error" {
		t.Fatalf("expected one handler_error audit event, got %+v", events)
	}
}

func TestMemoryAuditSinkChainVerifies(t *testing.T) {
	sink := NewMemoryAuditSink(0, true)
	sink.Emit(AuditEvent{Method: "a", CorrelationID: "c1", Allowed: true})
	sink.Emit(AuditEvent{Method: "b", CorrelationID: "c2", Allowed: false, Reason: "x"})
	sink.Emit(AuditEvent{Method: "c", CorrelationID: "c3", Allowed: true})

	if err := sink.VerifyChain(); err != nil {
		t.Fatalf("expected chain to verify, got %v", err)
	}

	events := sink.Events()
	events[1].Reason = "tampered"
	tampered := NewMemoryAuditSink(0, true)
	tampered.events = events
	if err := tampered.VerifyChain(); err == nil {
		t.Fatalf("expected tampered chain to fail verification")
	}
}

func TestToolAllowListEmptyMeansAllowAll(t *testing.T) {
	list := NewToolAllowList(nil)
	if err := list.Check("anything"); err != nil {
		t.Fatalf("expected nil allow-list to allow everything, got %v", err)
	}
}
