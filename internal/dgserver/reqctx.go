package dgserver

import (
	"context"
	"net/http"
)

// contextKey is an unexported string type to keep context values free
// of collisions with keys set by other packages.
type contextKey string

const (
	authHeaderContextKey    contextKey = "dgAuthHeader"
	subjectHeaderContextKey contextKey = "dgClientSubject"
	peerAddrContextKey      contextKey = "dgPeerAddr"
	correlationContextKey   contextKey = "dgCorrelationID"
	tenantHeaderContextKey  contextKey = "dgTenantID"
	namespaceHeaderContextKey contextKey = "dgNamespaceID"
)

// HTTPHeaderMiddleware wraps an HTTP transport (the SSE handler, in
// practice) so every tool call made over it carries the caller's
// bearer/mTLS/tenant headers into the handler's context — the MCP SDK
// gives handlers a context and a typed input struct, never the raw
// *http.Request, so this is the only place those headers can be read.
func HTTPHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, authHeaderContextKey, r.Header.Get("Authorization"))
		ctx = context.WithValue(ctx, subjectHeaderContextKey, r.Header.Get("X-Client-Subject"))
		ctx = context.WithValue(ctx, tenantHeaderContextKey, r.Header.Get("X-Tenant-Id"))
		ctx = context.WithValue(ctx, namespaceHeaderContextKey, r.Header.Get("X-Namespace-Id"))
		ctx = context.WithValue(ctx, correlationContextKey, r.Header.Get("X-Correlation-Id"))
		ctx = context.WithValue(ctx, peerAddrContextKey, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func stringFromContext(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// requestMeta is the per-call transport/identity metadata a handler
// needs to build a secpipeline.Request. Over stdio these all come back
// empty, which is exactly what local_only auth mode expects: HTTPHeaderMiddleware
// is the only thing that ever populates the context keys below, so their
// absence is itself the stdio signal.
type requestMeta struct {
	isHTTP              bool
	peerAddr            string
	authHeader          string
	clientSubjectHeader string
	correlationID       string
	tenantID            string
	namespaceID         string
}

func metaFromContext(ctx context.Context) requestMeta {
	peerAddr := stringFromContext(ctx, peerAddrContextKey)
	return requestMeta{
		isHTTP:              peerAddr != "",
		peerAddr:            peerAddr,
		authHeader:          stringFromContext(ctx, authHeaderContextKey),
		clientSubjectHeader: stringFromContext(ctx, subjectHeaderContextKey),
		correlationID:       stringFromContext(ctx, correlationContextKey),
		tenantID:            stringFromContext(ctx, tenantHeaderContextKey),
		namespaceID:         stringFromContext(ctx, namespaceHeaderContextKey),
	}
}
