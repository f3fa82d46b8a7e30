package dgengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/strictval"
)

func approvalScenario() dgmodel.ScenarioSpec {
	return dgmodel.ScenarioSpec{
		ScenarioID:  "approval-flow",
		NamespaceID: "default",
		SpecVersion: "1",
		EntryStage:  "await-approval",
		Predicates: []dgmodel.PredicateDef{
			{
				Name:       "approved",
				Comparator: dgmodel.CmpEquals,
				ExpectedValue: json.RawMessage(`"approved"`),
				Query:      dgmodel.EvidenceQuery{ProviderID: "json", Predicate: "get", Params: mustJSON(map[string]any{"document": map[string]any{"status": "approved"}, "field": "status"})},
			},
		},
		Stages: []dgmodel.Stage{
			{
				ID: "await-approval",
				Gates: []dgmodel.Gate{
					{ID: "approval-gate", Requirement: dgmodel.Requirement{Kind: dgmodel.ReqLeaf, Predicate: "approved"}},
				},
				Advance: dgmodel.AdvanceRule{Kind: dgmodel.AdvanceTerminal},
			},
		},
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	fed := evidence.NewFederation()
	if err := fed.Register(evidence.JSONProvider{}, evidence.TrustPolicy{}); err != nil {
		t.Fatalf("register json provider: %v", err)
	}
	return New(fed)
}

func TestStartIssuesEntryStageAndDecision(t *testing.T) {
	spec := approvalScenario()
	cs, err := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	e := newTestEngine(t)
	rs, err := e.Start(context.Background(), cs, dgmodel.RunKey{NamespaceID: "default", RunID: "r1"}, "t1", EvalContext{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rs.CurrentStage != "await-approval" {
		t.Fatalf("expected current stage await-approval, got %s", rs.CurrentStage)
	}
	if len(rs.Decisions) != 1 || rs.Decisions[0].Kind != dgmodel.DecisionStart {
		t.Fatalf("expected one start decision, got %+v", rs.Decisions)
	}
}

func TestAdvanceResolvesTrueToComplete(t *testing.T) {
	spec := approvalScenario()
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, err := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rs, decision, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.Kind != dgmodel.DecisionComplete {
		t.Fatalf("expected complete decision, got %+v", decision)
	}
	if rs.Status != dgmodel.StatusCompleted {
		t.Fatalf("expected run to complete, got status %s", rs.Status)
	}
}

func TestAdvanceIsIdempotentOnTriggerID(t *testing.T) {
	spec := approvalScenario()
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, _ := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{})
	rs, first, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	rs2, second, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{})
	if err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	if first.Kind != second.Kind || first.ToStage != second.ToStage {
		t.Fatalf("expected identical decision on trigger_id replay, got %+v vs %+v", first, second)
	}
	if len(rs2.Decisions) != len(rs.Decisions) {
		t.Fatalf("expected no new decision appended on replay")
	}
}

func unresolvedApprovalScenario() dgmodel.ScenarioSpec {
	spec := approvalScenario()
	spec.Predicates[0].Query = dgmodel.EvidenceQuery{ProviderID: "json", Predicate: "get", Params: mustJSON(map[string]any{"document": map[string]any{}, "field": "missing"})}
	return spec
}

func TestAdvanceHoldsBeforeTimeoutElapses(t *testing.T) {
	spec := unresolvedApprovalScenario()
	spec.Stages[0].Advance.TimeoutMillis = 60000
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, _ := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{CallerTime: dgmodel.NewUnixMillis(0)})
	_, decision, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{CallerTime: dgmodel.NewUnixMillis(30000)})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.Kind != dgmodel.DecisionHold {
		t.Fatalf("expected hold before timeout elapses, got %+v", decision)
	}
	if decision.TimedOut {
		t.Fatalf("expected TimedOut false before timeout elapses, got %+v", decision)
	}
}

func TestAdvanceTimesOutToFailByDefault(t *testing.T) {
	spec := unresolvedApprovalScenario()
	spec.Stages[0].Advance.TimeoutMillis = 60000
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, _ := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{CallerTime: dgmodel.NewUnixMillis(0)})
	rs, decision, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{CallerTime: dgmodel.NewUnixMillis(60000)})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !decision.TimedOut {
		t.Fatalf("expected TimedOut true, got %+v", decision)
	}
	if decision.Kind != dgmodel.DecisionFail {
		t.Fatalf("expected fail decision on default on_timeout, got %+v", decision)
	}
	if rs.Status != dgmodel.StatusFailed {
		t.Fatalf("expected run to fail, got status %s", rs.Status)
	}
	if decision.FailReason == "" {
		t.Fatalf("expected a fail reason on timeout")
	}
}

func TestAdvanceTimesOutAndAdvancesWhenConfigured(t *testing.T) {
	spec := unresolvedApprovalScenario()
	spec.Stages[0].Advance.TimeoutMillis = 60000
	spec.Stages[0].Advance.OnTimeout = "advance"
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, _ := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{CallerTime: dgmodel.NewUnixMillis(0)})
	rs, decision, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{CallerTime: dgmodel.NewUnixMillis(90000)})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !decision.TimedOut {
		t.Fatalf("expected TimedOut true, got %+v", decision)
	}
	if decision.Kind != dgmodel.DecisionComplete {
		t.Fatalf("expected complete decision (AdvanceTerminal on_timeout=advance), got %+v", decision)
	}
	if rs.Status != dgmodel.StatusCompleted {
		t.Fatalf("expected run to complete, got status %s", rs.Status)
	}
}

func TestAdvanceHoldsOnUnknownEvidence(t *testing.T) {
	spec := approvalScenario()
	spec.Predicates[0].Query = dgmodel.EvidenceQuery{ProviderID: "json", Predicate: "get", Params: mustJSON(map[string]any{"document": map[string]any{}, "field": "missing"})}
	cs, _ := Compile(spec, map[string]capreg.Schema{}, strictval.Options{})
	e := newTestEngine(t)
	rs, _ := e.Start(context.Background(), cs, dgmodel.RunKey{RunID: "r1"}, "t1", EvalContext{})
	_, decision, err := e.Advance(context.Background(), cs, rs, "t2", EvalContext{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.Kind != dgmodel.DecisionHold {
		t.Fatalf("expected hold decision on missing evidence, got %+v", decision)
	}
	if len(decision.Hold.UnmetGates) != 1 || decision.Hold.UnmetGates[0] != "approval-gate" {
		t.Fatalf("expected unmet gate approval-gate, got %+v", decision.Hold)
	}
}
