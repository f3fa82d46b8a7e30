package dgmodel

// TrustLane distinguishes evidence fetched from a registered provider
// (Verified) from evidence asserted directly by a caller, as in
// precheck (Asserted).
type TrustLane string

const (
	Verified TrustLane = "verified"
	Asserted TrustLane = "asserted"
)

// Rank orders trust lanes so a TrustRequirement can be compared against
// an observed lane: Verified outranks Asserted.
func (l TrustLane) Rank() int {
	if l == Verified {
		return 1
	}
	return 0
}

// TrustRequirement is the minimum trust lane a predicate or gate will
// accept. Evidence observed below the bar is coerced to Unknown with a
// trust_lane error attached — see evidence.Federation.Query.
type TrustRequirement struct {
	MinLane TrustLane `json:"min_lane"`
}

// Satisfies reports whether an observed lane meets the requirement.
func (r TrustRequirement) Satisfies(observed TrustLane) bool {
	return observed.Rank() >= r.MinLane.Rank()
}
