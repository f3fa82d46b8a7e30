package dgengine

import (
	"context"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Start creates the initial run state at the scenario's entry stage and
// issues that stage's entry packets. Start always creates a brand new
// run — idempotency on a duplicate (run_id) pair is the run-state
// store's responsibility (internal/runstate), not the engine's; once a
// run exists, all further operations go through Advance/Submit, whose
// trigger_id idempotency is enforced here.
func (e *Engine) Start(ctx context.Context, cs CompiledScenario, key dgmodel.RunKey, triggerID string, ec EvalContext) (dgmodel.RunState, error) {
	rs := dgmodel.RunState{
		Key:          key,
		ScenarioID:   cs.Spec.ScenarioID,
		SpecHash:     cs.SpecHash,
		CurrentStage: cs.Spec.EntryStage,
		Status:       dgmodel.StatusActive,
	}

	stage, ok := cs.Spec.StageByID(cs.Spec.EntryStage)
	if !ok {
		return dgmodel.RunState{}, dgerr.NewInvalidParams(fmt.Sprintf("scenario %q declares unknown entry stage %q", cs.Spec.ScenarioID, cs.Spec.EntryStage))
	}

	rs.StageEnteredAt = ec.CallerTime

	rs.Triggers = append(rs.Triggers, dgmodel.Trigger{
		Seq: dgmodel.NextSeq(len(rs.Triggers)), TriggerID: triggerID, Kind: "start", At: ec.CallerTime,
	})

	packets, err := issuePackets(cs.Spec, stage, rs, ec.CallerTime)
	if err != nil {
		return dgmodel.RunState{}, err
	}
	rs.Packets = append(rs.Packets, packets...)

	rs.Decisions = append(rs.Decisions, dgmodel.Decision{
		Seq: dgmodel.NextSeq(len(rs.Decisions)), TriggerID: triggerID, Kind: dgmodel.DecisionStart, ToStage: stage.ID,
	})

	return rs, nil
}

// Advance evaluates the run's current stage and applies its advance
// rule, mutating the run's append-only logs in place and returning the
// resulting decision. Idempotent on trigger_id.
func (e *Engine) Advance(ctx context.Context, cs CompiledScenario, rs dgmodel.RunState, triggerID string, ec EvalContext) (dgmodel.RunState, dgmodel.Decision, error) {
	if d, ok := rs.DecisionByTriggerID(triggerID); ok {
		return rs, d, nil
	}
	if rs.Status != dgmodel.StatusActive {
		return rs, dgmodel.Decision{}, dgerr.New(dgerr.Conflict, fmt.Sprintf("run %s/%s is not active (status %q)", rs.Key.NamespaceID, rs.Key.RunID, rs.Status))
	}

	stage, ok := cs.Spec.StageByID(rs.CurrentStage)
	if !ok {
		return rs, dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("run references unknown stage %q", rs.CurrentStage))
	}

	rs.Triggers = append(rs.Triggers, dgmodel.Trigger{
		Seq: dgmodel.NextSeq(len(rs.Triggers)), TriggerID: triggerID, Kind: "next", At: ec.CallerTime,
	})

	evals, combined, err := e.EvaluateStage(ctx, cs.Spec, stage, ec)
	if err != nil {
		return rs, dgmodel.Decision{}, err
	}
	for _, eval := range evals {
		eval.Seq = dgmodel.NextSeq(len(rs.GateEvaluations))
		rs.GateEvaluations = append(rs.GateEvaluations, eval)
	}

	decision, err := e.resolveAdvance(cs.Spec, stage, rs, triggerID, combined, evals, ec.CallerTime)
	if err != nil {
		return rs, dgmodel.Decision{}, err
	}

	decision.Seq = dgmodel.NextSeq(len(rs.Decisions))
	rs.Decisions = append(rs.Decisions, decision)

	switch decision.Kind {
	case dgmodel.DecisionAdvance:
		rs.CurrentStage = decision.ToStage
		rs.StageEnteredAt = ec.CallerTime
		nextStage, ok := cs.Spec.StageByID(decision.ToStage)
		if ok {
			packets, err := issuePackets(cs.Spec, nextStage, rs, ec.CallerTime)
			if err != nil {
				return rs, dgmodel.Decision{}, err
			}
			rs.Packets = append(rs.Packets, packets...)
		}
	case dgmodel.DecisionComplete:
		rs.Status = dgmodel.StatusCompleted
	case dgmodel.DecisionFail:
		rs.Status = dgmodel.StatusFailed
	case dgmodel.DecisionHold:
		// status remains active; caller retries the same stage later
	}

	return rs, decision, nil
}

// resolveAdvance applies a stage's AdvanceRule to a combined gate
// result.
func (e *Engine) resolveAdvance(spec dgmodel.ScenarioSpec, stage dgmodel.Stage, rs dgmodel.RunState, triggerID string, combined dgmodel.Tri, evals []dgmodel.GateEvaluation, at dgmodel.Timestamp) (dgmodel.Decision, error) {
	base := dgmodel.Decision{TriggerID: triggerID, FromStage: stage.ID}

	switch combined {
	case dgmodel.Unknown:
		if stage.Advance.TimeoutMillis > 0 {
			elapsed, err := dgmodel.ElapsedMillis(rs.StageEnteredAt, at)
			if err == nil && elapsed >= stage.Advance.TimeoutMillis {
				return resolveTimeout(spec, stage, base)
			}
		}
		base.Kind = dgmodel.DecisionHold
		base.Hold = &dgmodel.HoldSummary{
			Status:     "hold",
			UnmetGates: unmetGateIDs(evals),
		}
		return base, nil

	case dgmodel.False:
		switch stage.Advance.Kind {
		case dgmodel.AdvanceBranching:
			if stage.Advance.FalseBranch == "" {
				base.Kind = dgmodel.DecisionFail
				base.FailReason = fmt.Sprintf("stage %q resolved false with no false_branch configured", stage.ID)
				return base, nil
			}
			base.Kind = dgmodel.DecisionAdvance
			base.ToStage = stage.Advance.FalseBranch
			return base, nil
		default:
			base.Kind = dgmodel.DecisionFail
			base.FailReason = fmt.Sprintf("stage %q's gates resolved false", stage.ID)
			return base, nil
		}

	case dgmodel.True:
		switch stage.Advance.Kind {
		case dgmodel.AdvanceTerminal:
			base.Kind = dgmodel.DecisionComplete
			return base, nil
		case dgmodel.AdvanceNext, dgmodel.AdvanceBranching:
			if stage.Advance.NextStage == "" {
				base.Kind = dgmodel.DecisionComplete
				return base, nil
			}
			if _, ok := spec.StageByID(stage.Advance.NextStage); !ok {
				return dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("stage %q advance rule references unknown stage %q", stage.ID, stage.Advance.NextStage))
			}
			base.Kind = dgmodel.DecisionAdvance
			base.ToStage = stage.Advance.NextStage
			return base, nil
		default:
			return dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("stage %q has unknown advance kind %q", stage.ID, stage.Advance.Kind))
		}
	}

	return dgmodel.Decision{}, dgerr.NewInternal("unreachable tri-state in resolveAdvance")
}

// resolveTimeout applies a stage's on_timeout policy once its gates
// have stayed Unknown past timeout_millis: "advance" follows the same
// advance rule a True result would have, "fail" (the default, matching
// the fail-closed posture elsewhere in this package) ends the run.
func resolveTimeout(spec dgmodel.ScenarioSpec, stage dgmodel.Stage, base dgmodel.Decision) (dgmodel.Decision, error) {
	base.TimedOut = true

	switch stage.Advance.OnTimeout {
	case "", "fail":
		base.Kind = dgmodel.DecisionFail
		base.FailReason = fmt.Sprintf("stage %q timed out after %dms with gates still unresolved", stage.ID, stage.Advance.TimeoutMillis)
		return base, nil

	case "advance":
		switch stage.Advance.Kind {
		case dgmodel.AdvanceTerminal:
			base.Kind = dgmodel.DecisionComplete
			return base, nil
		case dgmodel.AdvanceNext, dgmodel.AdvanceBranching:
			if stage.Advance.NextStage == "" {
				base.Kind = dgmodel.DecisionComplete
				return base, nil
			}
			if _, ok := spec.StageByID(stage.Advance.NextStage); !ok {
				return dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("stage %q advance rule references unknown stage %q", stage.ID, stage.Advance.NextStage))
			}
			base.Kind = dgmodel.DecisionAdvance
			base.ToStage = stage.Advance.NextStage
			return base, nil
		default:
			return dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("stage %q has unknown advance kind %q", stage.ID, stage.Advance.Kind))
		}

	default:
		return dgmodel.Decision{}, dgerr.NewInvalidParams(fmt.Sprintf("stage %q has unknown on_timeout policy %q", stage.ID, stage.Advance.OnTimeout))
	}
}

// Submit appends a caller-provided payload to a run's submission log.
// It does not itself evaluate gates — a predicate referencing a
// submitted payload is read back out through an evidence provider the
// scenario declares for that purpose.
func (e *Engine) Submit(rs dgmodel.RunState, stageID string, payload []byte, at dgmodel.Timestamp) (dgmodel.RunState, error) {
	if rs.Status != dgmodel.StatusActive {
		return rs, dgerr.New(dgerr.Conflict, fmt.Sprintf("run %s/%s is not active", rs.Key.NamespaceID, rs.Key.RunID))
	}
	rs.Submissions = append(rs.Submissions, dgmodel.Submission{
		Seq: dgmodel.NextSeq(len(rs.Submissions)), StageID: stageID, Payload: payload, At: at,
	})
	return rs, nil
}

// issuePackets renders a stage's entry packet templates into Packet
// log entries, content-hashing each payload.
func issuePackets(spec dgmodel.ScenarioSpec, stage dgmodel.Stage, rs dgmodel.RunState, at dgmodel.Timestamp) ([]dgmodel.Packet, error) {
	out := make([]dgmodel.Packet, 0, len(stage.EntryPackets))
	for i, tmpl := range stage.EntryPackets {
		digest, err := canon.Hash(tmpl.Payload)
		if err != nil {
			return nil, dgerr.Wrap(dgerr.Internal, "hash packet payload", err)
		}
		out = append(out, dgmodel.Packet{
			Seq:              dgmodel.NextSeq(len(rs.Packets) + i),
			ScenarioID:       spec.ScenarioID,
			RunID:            rs.Key.RunID,
			StageID:          stage.ID,
			PacketID:         fmt.Sprintf("%s/%s/%d", rs.Key.RunID, stage.ID, i),
			SchemaID:         tmpl.SchemaID,
			ContentType:      tmpl.ContentType,
			ContentHash:      digest.String(),
			VisibilityLabels: tmpl.VisibilityLabels,
			PolicyTags:       tmpl.PolicyTags,
			ExpiryMillis:     tmpl.ExpiryMillis,
			CorrelationID:    rs.Key.RunID,
			IssuedAt:         at,
			Payload:          tmpl.Payload,
		})
	}
	return out, nil
}
