package dgmodel

import "encoding/json"

// Comparator enumerates the comparator vocabulary recognized by the
// strict validator and comparator runtime.
type Comparator string

const (
	CmpEquals           Comparator = "equals"
	CmpNotEquals        Comparator = "not_equals"
	CmpExists           Comparator = "exists"
	CmpNotExists         Comparator = "not_exists"
	CmpGreaterThan       Comparator = "greater_than"
	CmpGreaterThanOrEq   Comparator = "greater_than_or_equal"
	CmpLessThan          Comparator = "less_than"
	CmpLessThanOrEq      Comparator = "less_than_or_equal"
	CmpLexGreaterThan    Comparator = "lex_greater_than"
	CmpLexLessThan       Comparator = "lex_less_than"
	CmpContains          Comparator = "contains"
	CmpInSet             Comparator = "in_set"
	CmpDeepEquals        Comparator = "deep_equals"
	CmpDeepNotEquals     Comparator = "deep_not_equals"
)

// EvidenceQuery names the provider and predicate parameters a
// predicate's evidence is fetched with.
type EvidenceQuery struct {
	ProviderID string          `json:"provider_id"`
	Predicate  string          `json:"predicate"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// PredicateDef declares one named comparison against fetched evidence.
type PredicateDef struct {
	Name          string           `json:"name"`
	Comparator    Comparator       `json:"comparator"`
	ExpectedValue json.RawMessage  `json:"expected_value,omitempty"`
	Query         EvidenceQuery    `json:"evidence_query"`
	Trust         TrustRequirement `json:"trust,omitempty"`
}

// RequirementKind tags a gate requirement tree node.
type RequirementKind string

const (
	ReqLeaf RequirementKind = "leaf"
	ReqAnd  RequirementKind = "and"
	ReqOr   RequirementKind = "or"
	ReqNot  RequirementKind = "not"
)

// Requirement is a node in a gate's requirement tree: either a leaf
// referencing a predicate by name, or a boolean combinator over
// sub-requirements. Trees are finite DAGs by construction — the strict
// validator forbids cycles at registration time.
type Requirement struct {
	Kind      RequirementKind `json:"kind"`
	Predicate string          `json:"predicate,omitempty"`
	Children  []Requirement   `json:"children,omitempty"`
}

// Gate is a named boolean expression over predicates.
type Gate struct {
	ID          string      `json:"id"`
	Requirement Requirement `json:"requirement"`
	Trust       *TrustRequirement `json:"trust,omitempty"`
}

// AdvanceKind tags how a stage's advance rule resolves.
type AdvanceKind string

const (
	AdvanceTerminal  AdvanceKind = "terminal"
	AdvanceNext      AdvanceKind = "next"
	AdvanceBranching AdvanceKind = "branching"
)

// AdvanceRule describes what happens when a stage's gates resolve True,
// False, or time out.
type AdvanceRule struct {
	Kind           AdvanceKind `json:"kind"`
	NextStage      string      `json:"next_stage,omitempty"`
	FalseBranch    string      `json:"false_branch,omitempty"`
	OnTimeout      string      `json:"on_timeout,omitempty"` // "advance" | "fail"
	TimeoutMillis  int64       `json:"timeout_millis,omitempty"`
}

// PacketTemplate declares a disclosure packet issued on stage entry.
type PacketTemplate struct {
	SchemaID        string          `json:"schema_id"`
	ContentType     string          `json:"content_type"`
	Payload         json.RawMessage `json:"payload"`
	VisibilityLabels []string       `json:"visibility_labels,omitempty"`
	PolicyTags      []string        `json:"policy_tags,omitempty"`
	ExpiryMillis    int64           `json:"expiry_millis,omitempty"`
}

// Stage is one node in the workflow: entry packets, ordered gates, and
// an advance rule.
type Stage struct {
	ID           string           `json:"id"`
	EntryPackets []PacketTemplate `json:"entry_packets,omitempty"`
	Gates        []Gate           `json:"gates"`
	Advance      AdvanceRule      `json:"advance"`
}

// AnchorPolicy is a per-provider rule requiring anchored evidence.
type AnchorPolicy struct {
	ProviderID     string   `json:"provider_id"`
	AnchorType     string   `json:"anchor_type"`
	RequiredFields []string `json:"required_fields"`
}

// ScenarioSpec is the immutable, author-declared scenario: identifiers,
// predicate definitions, stages, and policy. A (scenario_id,
// namespace_id) pair maps to exactly one spec.
type ScenarioSpec struct {
	ScenarioID   string          `json:"scenario_id"`
	NamespaceID  string          `json:"namespace_id"`
	SpecVersion  string          `json:"spec_version"`
	Policies     json.RawMessage `json:"policies,omitempty"`
	Predicates   []PredicateDef  `json:"predicates"`
	Stages       []Stage         `json:"stages"`
	EntryStage   string          `json:"entry_stage"`
	Anchors      []AnchorPolicy  `json:"anchors,omitempty"`
}

// PredicateByName returns the predicate definition with the given name.
func (s ScenarioSpec) PredicateByName(name string) (PredicateDef, bool) {
	for _, p := range s.Predicates {
		if p.Name == name {
			return p, true
		}
	}
	return PredicateDef{}, false
}

// StageByID returns the stage with the given id.
func (s ScenarioSpec) StageByID(id string) (Stage, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}
