package dgserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/obsmetrics"
	"github.com/marcus-qen/decisiongate/internal/obstrace"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"
)

// jsonToolResult marshals v and wraps it as a single text content
// block.
func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, dgerr.Wrap(dgerr.Internal, "marshal tool result", err)
	}
	return textToolResult(string(data)), v, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errToolResult(err error) (*mcp.CallToolResult, any, error) {
	return nil, nil, err
}

// tenantNamespace picks the effective tenant/namespace for a call: an
// explicit field on the tool input always wins over a transport-level
// header, so an HTTP caller can still issue a request in a different
// namespace than its default header value names.
func tenantNamespace(meta requestMeta, tenantID, namespaceID string) (string, string) {
	if tenantID == "" {
		tenantID = meta.tenantID
	}
	if namespaceID == "" {
		namespaceID = meta.namespaceID
	}
	return tenantID, namespaceID
}

// dispatch runs fn through the security pipeline under method's name,
// translating the pipeline's Decision into an MCP tool result. Every
// tool handler in this package is a thin adapter calling dispatch —
// none of them touch engine/store state before the pipeline allows it.
func (s *Server) dispatch(ctx context.Context, method, tenantID, namespaceID string, fn secpipeline.Handler) (*mcp.CallToolResult, any, error) {
	meta := metaFromContext(ctx)
	tenantID, namespaceID = tenantNamespace(meta, tenantID, namespaceID)

	transport := secpipeline.TransportStdio
	if meta.isHTTP {
		transport = secpipeline.TransportSSE
	}

	req := secpipeline.Request{
		Transport:           transport,
		PeerAddr:            meta.peerAddr,
		AuthHeader:          meta.authHeader,
		ClientSubjectHeader: meta.clientSubjectHeader,
		ClientCorrelationID: meta.correlationID,
		Method:              method,
		TenantID:            tenantID,
		NamespaceID:         namespaceID,
	}

	ctx, span := obstrace.StartToolCallSpan(ctx, method, tenantID, namespaceID)

	start := time.Now()
	decision := s.pipeline.Run(ctx, req, fn)
	outcome := "allowed"
	if !decision.Allowed {
		outcome = decision.DenyReason
		if outcome == "" {
			outcome = "denied"
		}
	}
	obsmetrics.RecordToolCall(method, outcome, time.Since(start))
	obstrace.EndToolCallSpan(span, outcome)
	if outcome == "quota_exceeded" {
		obsmetrics.RecordQuotaDenied(tenantID, method)
	}

	if !decision.Allowed {
		if decision.Err != nil {
			return errToolResult(decision.Err)
		}
		return errToolResult(dgerr.NewUnauthorized(decision.DenyReason))
	}
	return jsonToolResult(decision.Result)
}
