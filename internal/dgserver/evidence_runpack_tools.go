package dgserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/runpack"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type evidenceQueryInput struct {
	TenantID         string            `json:"tenant_id,omitempty"`
	NamespaceID      string            `json:"namespace_id"`
	ProviderID       string            `json:"provider_id"`
	Predicate        string            `json:"predicate"`
	Params           json.RawMessage   `json:"params,omitempty"`
	MinTrustLane     string            `json:"min_trust_lane,omitempty" jsonschema:"verified or asserted; defaults to asserted"`
	CallerTimeMillis int64             `json:"caller_time_millis"`
	Env              map[string]string `json:"env,omitempty" jsonschema:"environment view for built-in time/env providers"`
}

func (s *Server) handleEvidenceQuery(ctx context.Context, _ *mcp.CallToolRequest, input evidenceQueryInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "evidence_query", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		lane := dgmodel.Asserted
		if input.MinTrustLane == string(dgmodel.Verified) {
			lane = dgmodel.Verified
		}
		query := dgmodel.EvidenceQuery{ProviderID: input.ProviderID, Predicate: input.Predicate, Params: input.Params}
		result, err := s.fed.Query(ctx, query, dgmodel.TrustRequirement{MinLane: lane}, dgmodel.NewUnixMillis(input.CallerTimeMillis), evidence.EnvView(input.Env))
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

type runpackExportInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id"`
	RunID       string `json:"run_id"`
}

// runDir resolves the on-disk directory one run's exported runpack
// lives under, rooted at the server's configured output dir and keyed
// by tenant/namespace/run — joined and re-validated to stay within the
// root, mirroring internal/runpack's own path-containment discipline.
func (s *Server) runDir(tenantID, namespaceID, runID string) (string, error) {
	root, err := filepath.Abs(s.RunpackOutputDir)
	if err != nil {
		return "", dgerr.Wrap(dgerr.Internal, "resolve runpack root", err)
	}
	joined := filepath.Join(root, filepath.FromSlash(tenantID), filepath.FromSlash(namespaceID), filepath.FromSlash(runID))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", dgerr.NewInvalidParams(fmt.Sprintf("run key %s/%s/%s escapes runpack root", tenantID, namespaceID, runID))
	}
	return joined, nil
}

func (s *Server) handleRunpackExport(ctx context.Context, _ *mcp.CallToolRequest, input runpackExportInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "runpack_export", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		key := dgmodel.RunKey{TenantID: req.TenantID, NamespaceID: req.NamespaceID, RunID: input.RunID}
		rs, err := s.runs.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		cs, ok := s.compiled(req.NamespaceID, rs.ScenarioID)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("scenario %q is not defined in namespace %q", rs.ScenarioID, req.NamespaceID))
		}

		dir, err := s.runDir(req.TenantID, req.NamespaceID, input.RunID)
		if err != nil {
			return nil, err
		}
		sink, err := runpack.NewFilesystemSink(dir)
		if err != nil {
			return nil, err
		}
		defer sink.Close()

		manifest, err := runpack.Build(ctx, sink, cs.Spec, cs.SpecHash, rs, runpack.BuildOptions{
			Tenant:     req.TenantID,
			PathLimits: runpack.DefaultPathLimits(),
		})
		if err != nil {
			sink.Abort(ctx)
			return nil, err
		}
		return map[string]any{"manifest": manifest, "output_dir": dir}, nil
	})
}

type runpackVerifyInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id"`
	RunID       string `json:"run_id"`
}

func (s *Server) handleRunpackVerify(ctx context.Context, _ *mcp.CallToolRequest, input runpackVerifyInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "runpack_verify", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		dir, err := s.runDir(req.TenantID, req.NamespaceID, input.RunID)
		if err != nil {
			return nil, err
		}
		source := runpack.NewFilesystemSource(dir)
		report, err := runpack.Verify(ctx, source, runpack.DefaultPathLimits())
		if err != nil {
			return nil, err
		}
		return report, nil
	})
}
