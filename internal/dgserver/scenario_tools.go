package dgserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marcus-qen/decisiongate/internal/dgengine"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type scenarioDefineInput struct {
	TenantID    string              `json:"tenant_id,omitempty" jsonschema:"tenant scoping this scenario"`
	NamespaceID string              `json:"namespace_id" jsonschema:"namespace the scenario is defined in"`
	Spec        dgmodel.ScenarioSpec `json:"spec" jsonschema:"the full scenario spec to compile and register"`
}

func (s *Server) handleScenarioDefine(ctx context.Context, _ *mcp.CallToolRequest, input scenarioDefineInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "scenario_define", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		spec := input.Spec
		spec.NamespaceID = req.NamespaceID
		cs, err := dgengine.Compile(spec, s.predicateSchemas(), s.validationOpts)
		if err != nil {
			return nil, err
		}
		s.putCompiled(cs)
		return map[string]any{
			"scenario_id":  cs.Spec.ScenarioID,
			"namespace_id": cs.Spec.NamespaceID,
			"spec_hash":    cs.SpecHash,
			"entry_stage":  cs.Spec.EntryStage,
		}, nil
	})
}

type scenarioStartInput struct {
	TenantID         string `json:"tenant_id,omitempty"`
	NamespaceID      string `json:"namespace_id"`
	ScenarioID       string `json:"scenario_id"`
	RunID            string `json:"run_id"`
	TriggerID        string `json:"trigger_id"`
	CallerTimeMillis int64  `json:"caller_time_millis"`
}

func (s *Server) handleScenarioStart(ctx context.Context, _ *mcp.CallToolRequest, input scenarioStartInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "scenario_start", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		cs, ok := s.compiled(req.NamespaceID, input.ScenarioID)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("scenario %q is not defined in namespace %q", input.ScenarioID, req.NamespaceID))
		}
		key := dgmodel.RunKey{TenantID: req.TenantID, NamespaceID: req.NamespaceID, RunID: input.RunID}
		ec := dgengine.EvalContext{CallerTime: dgmodel.NewUnixMillis(input.CallerTimeMillis)}

		rs, err := s.engine.Start(ctx, cs, key, input.TriggerID, ec)
		if err != nil {
			return nil, err
		}
		if err := s.runs.Create(ctx, rs); err != nil {
			return nil, err
		}
		return runSummary(rs), nil
	})
}

type scenarioStatusInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id"`
	RunID       string `json:"run_id"`
}

func (s *Server) handleScenarioStatus(ctx context.Context, _ *mcp.CallToolRequest, input scenarioStatusInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "scenario_status", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		rs, err := s.runs.Load(ctx, dgmodel.RunKey{TenantID: req.TenantID, NamespaceID: req.NamespaceID, RunID: input.RunID})
		if err != nil {
			return nil, err
		}
		return runSummary(rs), nil
	})
}

type scenarioAdvanceInput struct {
	TenantID         string `json:"tenant_id,omitempty"`
	NamespaceID      string `json:"namespace_id"`
	RunID            string `json:"run_id"`
	TriggerID        string `json:"trigger_id"`
	CallerTimeMillis int64  `json:"caller_time_millis"`
}

func (s *Server) handleScenarioNext(ctx context.Context, _ *mcp.CallToolRequest, input scenarioAdvanceInput) (*mcp.CallToolResult, any, error) {
	return s.advance(ctx, "scenario_next", input)
}

func (s *Server) handleScenarioTrigger(ctx context.Context, _ *mcp.CallToolRequest, input scenarioAdvanceInput) (*mcp.CallToolResult, any, error) {
	return s.advance(ctx, "scenario_trigger", input)
}

// advance backs both scenario_next and scenario_trigger: the two tools
// share the engine's one Advance operation and differ only in who
// initiated the trigger id, a distinction the caller encodes in the
// trigger id itself (the engine treats every trigger uniformly).
func (s *Server) advance(ctx context.Context, method string, input scenarioAdvanceInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, method, input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		key := dgmodel.RunKey{TenantID: req.TenantID, NamespaceID: req.NamespaceID, RunID: input.RunID}
		rs, err := s.runs.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		cs, ok := s.compiled(req.NamespaceID, rs.ScenarioID)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("scenario %q is not defined in namespace %q", rs.ScenarioID, req.NamespaceID))
		}
		ec := dgengine.EvalContext{CallerTime: dgmodel.NewUnixMillis(input.CallerTimeMillis)}

		rs, decision, err := s.engine.Advance(ctx, cs, rs, input.TriggerID, ec)
		if err != nil {
			return nil, err
		}
		if err := s.runs.Save(ctx, rs); err != nil {
			return nil, err
		}
		return map[string]any{"run": runSummary(rs), "decision": decision}, nil
	})
}

type scenarioSubmitInput struct {
	TenantID         string          `json:"tenant_id,omitempty"`
	NamespaceID      string          `json:"namespace_id"`
	RunID            string          `json:"run_id"`
	StageID          string          `json:"stage_id"`
	Payload          json.RawMessage `json:"payload"`
	CallerTimeMillis int64           `json:"caller_time_millis"`
}

func (s *Server) handleScenarioSubmit(ctx context.Context, _ *mcp.CallToolRequest, input scenarioSubmitInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "scenario_submit", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		key := dgmodel.RunKey{TenantID: req.TenantID, NamespaceID: req.NamespaceID, RunID: input.RunID}
		rs, err := s.runs.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		rs, err = s.engine.Submit(rs, input.StageID, input.Payload, dgmodel.NewUnixMillis(input.CallerTimeMillis))
		if err != nil {
			return nil, err
		}
		if err := s.runs.Save(ctx, rs); err != nil {
			return nil, err
		}
		return runSummary(rs), nil
	})
}

type scenariosListInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id"`
}

func (s *Server) handleScenariosList(ctx context.Context, _ *mcp.CallToolRequest, input scenariosListInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "scenarios_list", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		compiled := s.listCompiled(req.NamespaceID)
		out := make([]map[string]any, 0, len(compiled))
		for _, cs := range compiled {
			out = append(out, map[string]any{
				"scenario_id":  cs.Spec.ScenarioID,
				"spec_version": cs.Spec.SpecVersion,
				"entry_stage":  cs.Spec.EntryStage,
				"spec_hash":    cs.SpecHash,
			})
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i]["scenario_id"].(string) < out[j]["scenario_id"].(string)
		})
		return map[string]any{"scenarios": out}, nil
	})
}

type precheckInput struct {
	TenantID         string                     `json:"tenant_id,omitempty"`
	NamespaceID      string                     `json:"namespace_id"`
	ScenarioID       string                     `json:"scenario_id"`
	GateID           string                     `json:"gate_id"`
	AssertedResults  map[string]dgmodel.EvidenceResult `json:"asserted_results" jsonschema:"caller-asserted evidence per predicate name, used in place of live provider dispatch"`
	CallerTimeMillis int64                      `json:"caller_time_millis"`
}

// handlePrecheck evaluates one gate against caller-supplied evidence
// without ever dispatching to a provider or mutating run state — a
// dry-run the caller uses to check a gate before committing to a run.
func (s *Server) handlePrecheck(ctx context.Context, _ *mcp.CallToolRequest, input precheckInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "precheck", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		cs, ok := s.compiled(req.NamespaceID, input.ScenarioID)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("scenario %q is not defined in namespace %q", input.ScenarioID, req.NamespaceID))
		}
		var gate dgmodel.Gate
		found := false
		for _, st := range cs.Spec.Stages {
			for _, g := range st.Gates {
				if g.ID == input.GateID {
					gate, found = g, true
				}
			}
		}
		if !found {
			return nil, dgerr.NewNotFound(fmt.Sprintf("gate %q is not declared in scenario %q", input.GateID, input.ScenarioID))
		}

		asserted := make(map[string]dgmodel.EvidenceResult, len(input.AssertedResults))
		for name, result := range input.AssertedResults {
			result.TrustLane = dgmodel.Asserted
			asserted[name] = result
		}

		ec := dgengine.EvalContext{
			CallerTime:      dgmodel.NewUnixMillis(input.CallerTimeMillis),
			Precheck:        true,
			AssertedResults: asserted,
		}
		eval, err := s.engine.EvaluateGate(ctx, cs.Spec, gate, ec)
		if err != nil {
			return nil, err
		}
		return eval, nil
	})
}

// runSummary narrows a RunState down to the fields scenario_status and
// scenario_start/next/trigger/submit return — the full append-only
// logs are exported, not returned inline, via runpack_export.
func runSummary(rs dgmodel.RunState) map[string]any {
	return map[string]any{
		"key":            rs.Key,
		"scenario_id":    rs.ScenarioID,
		"spec_hash":      rs.SpecHash,
		"current_stage":  rs.CurrentStage,
		"status":         rs.Status,
		"decision_count": len(rs.Decisions),
		"packet_count":   len(rs.Packets),
	}
}
