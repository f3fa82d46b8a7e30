// Package dgengine implements the Engine (C7): the single entry point
// every scenario operation (start, next, trigger, submit, precheck)
// passes through. It walks a gate's requirement tree, resolving leaf
// predicates through the comparator runtime and evidence federation,
// combines results with Kleene tri-state logic, and computes the
// resulting Decision: advance, complete, fail, or hold.
//
// Grounded on internal/engine/engine.go's step-numbered, single-entry-
// point `Evaluate` pipeline (match → classify → check → check → ...,
// first failing check wins) generalized from a tool-call guardrail
// check to a scenario stage's gate evaluation.
package dgengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/comparator"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/strictval"
)

// CompiledScenario is a scenario spec that has passed the strict
// validator and carries its own content hash, ready to be evaluated.
type CompiledScenario struct {
	Spec     dgmodel.ScenarioSpec
	SpecHash string
}

// Compile validates a scenario spec against its predicate schemas and
// returns a CompiledScenario carrying the spec's content hash. A
// scenario that fails validation is never accepted for evaluation.
func Compile(spec dgmodel.ScenarioSpec, schemas map[string]capreg.Schema, opts strictval.Options) (CompiledScenario, error) {
	if err := strictval.ValidateScenario(spec, schemas, opts); err != nil {
		return CompiledScenario{}, err
	}
	digest, err := canon.Hash(spec)
	if err != nil {
		return CompiledScenario{}, dgerr.Wrap(dgerr.Internal, "hash scenario spec", err)
	}
	return CompiledScenario{Spec: spec, SpecHash: digest.String()}, nil
}

// Engine evaluates compiled scenarios against run state, dispatching
// evidence queries through a Federation.
type Engine struct {
	federation *evidence.Federation
}

func New(federation *evidence.Federation) *Engine {
	return &Engine{federation: federation}
}

// EvalContext carries the per-call parameters an evaluation needs:
// caller time, environment view for built-in providers, and the
// caller-asserted evidence used during precheck (where no federation
// dispatch happens at all — params arrive pre-resolved).
type EvalContext struct {
	CallerTime      dgmodel.Timestamp
	Env             evidence.EnvView
	AssertedResults map[string]dgmodel.EvidenceResult // predicate name -> result, precheck-only
	Precheck        bool
}

// EvaluateGate resolves a gate's requirement tree to a Tri result,
// returning the gate evaluation with a predicate trace in the
// scenario's declared (not evaluation) order, so runpacks are
// byte-identical across re-runs.
func (e *Engine) EvaluateGate(ctx context.Context, spec dgmodel.ScenarioSpec, gate dgmodel.Gate, ec EvalContext) (dgmodel.GateEvaluation, error) {
	traceByPredicate := make(map[string]dgmodel.Tri)
	result, err := e.evaluateRequirement(ctx, spec, gate.Requirement, ec, traceByPredicate)
	if err != nil {
		return dgmodel.GateEvaluation{}, err
	}

	trace := make([]dgmodel.PredicateTrace, 0, len(spec.Predicates))
	for _, pred := range spec.Predicates {
		if r, ok := traceByPredicate[pred.Name]; ok {
			trace = append(trace, dgmodel.PredicateTrace{Predicate: pred.Name, Result: r})
		}
	}

	return dgmodel.GateEvaluation{GateID: gate.ID, Result: result, Trace: trace}, nil
}

func (e *Engine) evaluateRequirement(ctx context.Context, spec dgmodel.ScenarioSpec, req dgmodel.Requirement, ec EvalContext, trace map[string]dgmodel.Tri) (dgmodel.Tri, error) {
	switch req.Kind {
	case dgmodel.ReqLeaf:
		tri, err := e.evaluatePredicate(ctx, spec, req.Predicate, ec)
		if err != nil {
			return dgmodel.Unknown, err
		}
		trace[req.Predicate] = tri
		return tri, nil

	case dgmodel.ReqAnd:
		result := dgmodel.True
		for _, child := range req.Children {
			tri, err := e.evaluateRequirement(ctx, spec, child, ec, trace)
			if err != nil {
				return dgmodel.Unknown, err
			}
			result = dgmodel.And(result, tri)
		}
		return result, nil

	case dgmodel.ReqOr:
		result := dgmodel.False
		for _, child := range req.Children {
			tri, err := e.evaluateRequirement(ctx, spec, child, ec, trace)
			if err != nil {
				return dgmodel.Unknown, err
			}
			result = dgmodel.Or(result, tri)
		}
		return result, nil

	case dgmodel.ReqNot:
		if len(req.Children) != 1 {
			return dgmodel.Unknown, dgerr.NewInvalidParams("not requirement must have exactly one child")
		}
		tri, err := e.evaluateRequirement(ctx, spec, req.Children[0], ec, trace)
		if err != nil {
			return dgmodel.Unknown, err
		}
		return dgmodel.Not(tri), nil

	default:
		return dgmodel.Unknown, dgerr.NewInvalidParams(fmt.Sprintf("unknown requirement kind %q", req.Kind))
	}
}

func (e *Engine) evaluatePredicate(ctx context.Context, spec dgmodel.ScenarioSpec, name string, ec EvalContext) (dgmodel.Tri, error) {
	pred, ok := spec.PredicateByName(name)
	if !ok {
		return dgmodel.Unknown, dgerr.NewInvalidParams(fmt.Sprintf("requirement references unknown predicate %q", name))
	}

	var result dgmodel.EvidenceResult
	if ec.Precheck {
		asserted, ok := ec.AssertedResults[name]
		if !ok {
			return dgmodel.Unknown, nil // no assertion supplied: Unknown, not an error
		}
		result = asserted
	} else {
		var err error
		result, err = e.federation.Query(ctx, pred.Query, pred.Trust, ec.CallerTime, ec.Env)
		if err != nil {
			return dgmodel.Unknown, err
		}
	}

	if result.Error != nil {
		return dgmodel.Unknown, nil
	}

	raw := evidenceJSON(result)
	if raw == nil {
		// exists/not_exists are the only comparators that can resolve a
		// missing value to a concrete (non-Unknown) answer.
		if pred.Comparator == dgmodel.CmpExists || pred.Comparator == dgmodel.CmpNotExists {
			return comparator.Evaluate(pred.Comparator, nil, pred.ExpectedValue), nil
		}
		return dgmodel.Unknown, nil
	}

	return comparator.Evaluate(pred.Comparator, raw, pred.ExpectedValue), nil
}

// evidenceJSON extracts the JSON bytes a comparator operates on from an
// EvidenceResult's tagged value, or nil if there is no value.
func evidenceJSON(result dgmodel.EvidenceResult) []byte {
	if result.Value == nil {
		return nil
	}
	switch result.Value.Kind {
	case dgmodel.ValueJSON:
		return result.Value.JSON
	case dgmodel.ValueBytes:
		encoded, err := json.Marshal(string(result.Value.Bytes))
		if err != nil {
			return nil
		}
		return encoded
	default:
		return nil
	}
}

// EvaluateStage evaluates every gate in a stage in declaration order
// and combines them with AND — a stage's gates must all resolve True
// for the stage to pass; any False fails the stage even when another
// gate is Unknown, and otherwise any Unknown holds it (Kleene AND:
// False dominates Unknown, which dominates True).
func (e *Engine) EvaluateStage(ctx context.Context, spec dgmodel.ScenarioSpec, stage dgmodel.Stage, ec EvalContext) ([]dgmodel.GateEvaluation, dgmodel.Tri, error) {
	evals := make([]dgmodel.GateEvaluation, 0, len(stage.Gates))
	combined := dgmodel.True
	for _, gate := range stage.Gates {
		eval, err := e.EvaluateGate(ctx, spec, gate, ec)
		if err != nil {
			return nil, dgmodel.Unknown, err
		}
		evals = append(evals, eval)
		combined = dgmodel.And(combined, eval.Result)
	}
	return evals, combined, nil
}

// unmetGateIDs collects the ids of gates that did not resolve True,
// used to populate HoldSummary.UnmetGates in declaration order.
func unmetGateIDs(evals []dgmodel.GateEvaluation) []string {
	out := make([]string, 0, len(evals))
	for _, e := range evals {
		if e.Result != dgmodel.True {
			out = append(out, e.GateID)
		}
	}
	return out
}
