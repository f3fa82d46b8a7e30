// Package secpipeline implements the fail-closed request pipeline every
// tool call passes through before it ever reaches a tool handler:
// context extraction, authentication, correlation parsing, rate
// limiting, tool/namespace/tenant authorization, usage accounting, and
// audit emission. Any step that denies short-circuits the remaining
// steps and never dispatches. Rate limiting uses a mutex-guarded
// Limiter with per-principal+tenant token buckets plus a process-wide
// inflight ceiling; quota enforcement tracks the canonical usage
// counter set per tenant.
package secpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

func newCorrelationID() string { return uuid.New().String() }

// Transport names the channel a request arrived on.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// Request is everything the pipeline needs to know about one incoming
// tool call before it authenticates or authorizes anything.
type Request struct {
	Transport           Transport
	PeerAddr            string
	AuthHeader          string // "Authorization" header value, bearer_token mode
	ClientSubjectHeader string // mTLS proxy-forwarded subject, mtls mode
	ClientCorrelationID string // caller-supplied correlation id, optional
	Method              string // tool/method name
	TenantID            string
	NamespaceID         string
}

// Principal is the authenticated caller identity the pipeline attaches
// to a request after step 2. TokenFingerprint is a SHA-256 hex digest
// of the raw credential — the credential itself is never retained or
// logged past authentication.
type Principal struct {
	ID               string
	TokenFingerprint string
}

// Decision is the pipeline's final allow/deny outcome for one request,
// always audited regardless of which way it resolves.
type Decision struct {
	Allowed     bool
	CorrelationID string
	Principal   Principal
	DenyReason  string
	Err         *dgerr.Error
	Result      any // the tool handler's result, set only when Allowed
}

// Handler dispatches an authorized request to its tool implementation.
type Handler func(ctx context.Context, req Request, principal Principal) (any, error)

// Pipeline wires every fail-closed step together. Each field is
// independently replaceable so tests and enterprise deployments can
// swap in their own tenant authorizer or usage enforcer without
// touching step ordering.
type Pipeline struct {
	Authenticator   *Authenticator
	RateLimiter     *RateLimiter
	ToolAllowList   *ToolAllowList
	NamespacePolicy *NamespacePolicy
	TenantAuthorizer TenantAuthorizer
	UsageEnforcer   UsageEnforcer
	Audit           AuditSink
}

// New builds a Pipeline with permissive defaults (no tool allow-list,
// default namespace disabled, allow-all tenant authorization, no-op
// usage enforcement) — callers override whichever steps their
// deployment needs enforced.
func New(authn *Authenticator, limiter *RateLimiter, audit AuditSink) *Pipeline {
	return &Pipeline{
		Authenticator:    authn,
		RateLimiter:      limiter,
		ToolAllowList:    NewToolAllowList(nil),
		NamespacePolicy:  NewNamespacePolicy(NamespacePolicyConfig{}),
		TenantAuthorizer: AllowAllTenants{},
		UsageEnforcer:    NoopUsageEnforcer{},
		Audit:            audit,
	}
}

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Run executes every fail-closed step in order, dispatching to handler
// only if every step allows. The returned Decision is always fully
// populated and always corresponds to exactly one audit event emitted
// before Run returns.
func (p *Pipeline) Run(ctx context.Context, req Request, handler Handler) Decision {
	correlationID, err := extractCorrelationID(req)
	if err != nil {
		return p.deny(req, Principal{}, correlationID, "invalid_correlation_id", err)
	}

	principal, err := p.Authenticator.Authenticate(req)
	if err != nil {
		return p.deny(req, Principal{}, correlationID, "authentication_failed", err)
	}

	if err := p.RateLimiter.Allow(principal.ID, req.TenantID); err != nil {
		return p.deny(req, principal, correlationID, "rate_limited", err)
	}
	defer p.RateLimiter.Release(principal.ID, req.TenantID)

	if err := p.ToolAllowList.Check(req.Method); err != nil {
		return p.deny(req, principal, correlationID, "tool_not_allowed", err)
	}

	if err := p.NamespacePolicy.Check(ctx, req.TenantID, req.NamespaceID); err != nil {
		return p.deny(req, principal, correlationID, "namespace_denied", err)
	}

	if err := p.TenantAuthorizer.Authorize(ctx, principal, req.TenantID, req.NamespaceID); err != nil {
		return p.deny(req, principal, correlationID, "tenant_denied", err)
	}

	counter := counterForMethod(req.Method)
	if err := p.UsageEnforcer.Consume(ctx, req.TenantID, counter, 1); err != nil {
		p.Audit.Emit(AuditEvent{
			Transport:     req.Transport,
			Method:        req.Method,
			Principal:     principal.ID,
			Tenant:        req.TenantID,
			Namespace:     req.NamespaceID,
			CorrelationID: correlationID,
			Allowed:       false,
			Reason:        "quota_exceeded",
		})
		de, _ := dgerr.As(err)
		return Decision{Allowed: false, CorrelationID: correlationID, Principal: principal, DenyReason: "quota_exceeded", Err: de}
	}

	result, err := handler(ctx, req, principal)
	if err != nil {
		de, ok := dgerr.As(err)
		if !ok {
			de = dgerr.NewInternal(err.Error())
		}
		p.Audit.Emit(AuditEvent{
			Transport:     req.Transport,
			Method:        req.Method,
			Principal:     principal.ID,
			Tenant:        req.TenantID,
			Namespace:     req.NamespaceID,
			CorrelationID: correlationID,
			Allowed:       false,
			Reason:        "handler_error",
		})
		return Decision{Allowed: false, CorrelationID: correlationID, Principal: principal, DenyReason: "handler_error", Err: de}
	}

	p.Audit.Emit(AuditEvent{
		Transport:     req.Transport,
		Method:        req.Method,
		Principal:     principal.ID,
		Tenant:        req.TenantID,
		Namespace:     req.NamespaceID,
		CorrelationID: correlationID,
		Allowed:       true,
	})
	return Decision{Allowed: true, CorrelationID: correlationID, Principal: principal, Result: result}
}

func (p *Pipeline) deny(req Request, principal Principal, correlationID, reason string, err error) Decision {
	de, ok := dgerr.As(err)
	if !ok {
		de = dgerr.NewInternal(err.Error())
	}
	p.Audit.Emit(AuditEvent{
		Transport:     req.Transport,
		Method:        req.Method,
		Principal:     principal.ID,
		Tenant:        req.TenantID,
		Namespace:     req.NamespaceID,
		CorrelationID: correlationID,
		Allowed:       false,
		Reason:        reason,
	})
	return Decision{Allowed: false, CorrelationID: correlationID, Principal: principal, DenyReason: reason, Err: de}
}

// extractCorrelationID validates a caller-supplied correlation id, if
// any, and otherwise mints a fresh server-assigned one. A malformed
// client-supplied id is rejected outright rather than echoed back.
func extractCorrelationID(req Request) (string, error) {
	if req.ClientCorrelationID == "" {
		return newCorrelationID(), nil
	}
	if !correlationIDPattern.MatchString(req.ClientCorrelationID) {
		return "", dgerr.NewInvalidCorrelationID("client-supplied correlation id is malformed")
	}
	return req.ClientCorrelationID, nil
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func counterForMethod(method string) UsageCounter {
	switch method {
	case "scenario_start", "scenario_trigger":
		return CounterRunsStarted
	case "evidence_query":
		return CounterEvidenceQueries
	case "runpack_export":
		return CounterRunpackExports
	case "schemas_register":
		return CounterSchemasWritten
	default:
		return CounterToolCalls
	}
}
