package dgmodel

import "encoding/json"

// RunKey identifies a run uniquely.
type RunKey struct {
	TenantID    string `json:"tenant_id"`
	NamespaceID string `json:"namespace_id"`
	RunID       string `json:"run_id"`
}

// RunStatus is a run's lifecycle status.
type RunStatus string

const (
	StatusActive    RunStatus = "active"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Trigger is an appended entry in a run's trigger log.
type Trigger struct {
	Seq       uint64    `json:"seq"`
	TriggerID string    `json:"trigger_id"`
	Kind      string    `json:"kind"` // "start" | "next" | "trigger" | "submit" | "tick"
	At        Timestamp `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PredicateTrace is one (predicate → tri-state) pair recorded in a gate
// evaluation, in canonical (declaration) order — not evaluation order —
// so runpacks are byte-identical across re-runs.
type PredicateTrace struct {
	Predicate string `json:"predicate"`
	Result    Tri    `json:"result"`
}

// GateEvaluation is an appended entry in a run's gate-evaluation log.
type GateEvaluation struct {
	Seq     uint64            `json:"seq"`
	GateID  string            `json:"gate_id"`
	Result  Tri               `json:"result"`
	Trace   []PredicateTrace  `json:"trace"`
}

// DecisionKind tags the outcome of a stage evaluation.
type DecisionKind string

const (
	DecisionStart    DecisionKind = "start"
	DecisionAdvance  DecisionKind = "advance"
	DecisionComplete DecisionKind = "complete"
	DecisionFail     DecisionKind = "fail"
	DecisionHold     DecisionKind = "hold"
)

// Decision is the appended record of one tool-entry-point's outcome.
type Decision struct {
	Seq          uint64       `json:"seq"`
	TriggerID    string       `json:"trigger_id"`
	Kind         DecisionKind `json:"kind"`
	FromStage    string       `json:"from_stage,omitempty"`
	ToStage      string       `json:"to_stage,omitempty"`
	TimedOut     bool         `json:"timed_out,omitempty"`
	FailReason   string       `json:"fail_reason,omitempty"`
	Hold         *HoldSummary `json:"hold,omitempty"`
}

// HoldSummary is the safe, no-raw-evidence summary returned when a
// gate resolves Unknown.
type HoldSummary struct {
	Status     string   `json:"status"`
	UnmetGates []string `json:"unmet_gates"`
	RetryHint  string   `json:"retry_hint,omitempty"`
	PolicyTags []string `json:"policy_tags,omitempty"`
}

// Packet is an appended entry in a run's packet log: a disclosure
// envelope wrapping a stage-entry payload.
type Packet struct {
	Seq              uint64   `json:"seq"`
	ScenarioID       string   `json:"scenario_id"`
	RunID            string   `json:"run_id"`
	StageID          string   `json:"stage_id"`
	PacketID         string   `json:"packet_id"`
	SchemaID         string   `json:"schema_id"`
	ContentType      string   `json:"content_type"`
	ContentHash      string   `json:"content_hash"`
	VisibilityLabels []string `json:"visibility_labels,omitempty"`
	PolicyTags       []string `json:"policy_tags,omitempty"`
	ExpiryMillis     int64    `json:"expiry_millis,omitempty"`
	CorrelationID    string   `json:"correlation_id"`
	IssuedAt         Timestamp `json:"issued_at"`
	Payload          json.RawMessage `json:"payload"`
}

// Submission is an appended entry in a run's submission log (payloads
// the caller submits via scenario_submit).
type Submission struct {
	Seq     uint64          `json:"seq"`
	StageID string          `json:"stage_id"`
	Payload json.RawMessage `json:"payload"`
	At      Timestamp       `json:"at"`
}

// ToolCall is an appended entry in a run's tool-call log.
type ToolCall struct {
	Seq       uint64 `json:"seq"`
	Method    string `json:"method"`
	Principal string `json:"principal"`
	At        Timestamp `json:"at"`
	Allowed   bool   `json:"allowed"`
}

// RunState is the complete append-only state of one run.
type RunState struct {
	Key          RunKey    `json:"key"`
	ScenarioID   string    `json:"scenario_id"`
	SpecHash     string    `json:"spec_hash"`
	CurrentStage string    `json:"current_stage"`
	// StageEnteredAt is the timestamp CurrentStage was last entered
	// (by Start or a DecisionAdvance), the basis for the tick/timeout
	// check in resolveAdvance.
	StageEnteredAt Timestamp `json:"stage_entered_at"`
	Status       RunStatus `json:"status"`
	DispatchTargets []string `json:"dispatch_targets,omitempty"`

	Triggers        []Trigger        `json:"triggers"`
	GateEvaluations []GateEvaluation `json:"gate_evaluations"`
	Decisions       []Decision       `json:"decisions"`
	Packets         []Packet         `json:"packets"`
	Submissions     []Submission     `json:"submissions"`
	ToolCalls       []ToolCall       `json:"tool_calls"`
}

// DecisionByTriggerID returns the first decision recorded for the given
// trigger id, supporting the idempotent-resubmission invariant.
func (rs RunState) DecisionByTriggerID(triggerID string) (Decision, bool) {
	for _, d := range rs.Decisions {
		if d.TriggerID == triggerID {
			return d, true
		}
	}
	return Decision{}, false
}

// NextSeq returns the next sequence number for a named log, given its
// current length (logs are append-only and dense from 0).
func NextSeq(logLen int) uint64 {
	return uint64(logLen)
}
