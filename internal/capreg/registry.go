// Package capreg implements the Capability Registry (C3): the
// authoring-time and query-time gatekeeper over evidence provider
// contracts. It loads provider descriptors (built-in or MCP-backed),
// compiles predicate schemas, and enforces comparator allow-lists
// before a query ever reaches the evidence federation layer.
//
// The registry enforces unique provider ids, and provider discovery
// allow/deny lists are checked as prefix matches against declared
// glob patterns.
package capreg

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// ReservedBuiltinIDs are the built-in provider ids that MCP providers
// may never shadow.
var ReservedBuiltinIDs = map[string]bool{
	"time": true,
	"env":  true,
	"json": true,
	"http": true,
}

// PredicateContract describes one predicate a provider exposes.
type PredicateContract struct {
	Name               string   `json:"name"`
	ParamsSchema       Schema   `json:"params_schema"`
	ResultSchema       Schema   `json:"result_schema"`
	AllowedComparators []string `json:"allowed_comparators"`
	AnchorTypes        []string `json:"anchor_types,omitempty"`
}

// ProviderContract is a loaded, compiled provider descriptor.
type ProviderContract struct {
	ProviderID string               `json:"provider_id"`
	IsBuiltin  bool                 `json:"is_builtin"`
	Predicates []PredicateContract  `json:"predicates"`
}

// PredicateByName looks up a predicate contract by name.
func (c ProviderContract) PredicateByName(name string) (PredicateContract, bool) {
	for _, p := range c.Predicates {
		if p.Name == name {
			return p, true
		}
	}
	return PredicateContract{}, false
}

// DiscoveryPolicy gates providers.list / describe_provider responses.
type DiscoveryPolicy struct {
	AllowGlobs  []string
	DenyGlobs   []string
	MaxBytes    int
}

func (p DiscoveryPolicy) permits(providerID string) bool {
	for _, g := range p.DenyGlobs {
		if matchGlob(g, providerID) {
			return false
		}
	}
	if len(p.AllowGlobs) == 0 {
		return true
	}
	for _, g := range p.AllowGlobs {
		if matchGlob(g, providerID) {
			return true
		}
	}
	return false
}

// matchGlob supports a single trailing "*" wildcard, the same
// convention used for tool allow-lists elsewhere in the system.
func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == s
}

// Registry holds compiled provider contracts keyed by provider id.
// Registration is write-once per id: duplicate registrations fail.
type Registry struct {
	mu       sync.RWMutex
	contracts map[string]ProviderContract
	policy    DiscoveryPolicy
}

// New creates an empty registry with the given discovery policy.
func New(policy DiscoveryPolicy) *Registry {
	return &Registry{
		contracts: make(map[string]ProviderContract),
		policy:    policy,
	}
}

// Register adds a compiled provider contract. Built-in ids may only be
// registered once as builtins; MCP providers may never claim a
// reserved built-in id. Re-registering any existing id, builtin or
// not, fails — there is no silent override.
func (r *Registry) Register(contract ProviderContract) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.TrimSpace(contract.ProviderID)
	if id == "" {
		return dgerr.NewInvalidParams("provider id must not be empty")
	}
	contract.ProviderID = id

	if !contract.IsBuiltin && ReservedBuiltinIDs[id] {
		return dgerr.NewCapabilityViolation(fmt.Sprintf("provider id %q is reserved for a built-in provider", id))
	}
	if _, exists := r.contracts[id]; exists {
		return dgerr.NewConflict(fmt.Sprintf("provider %q is already registered", id))
	}
	r.contracts[id] = contract
	return nil
}

// Describe returns a provider's contract and its content hash.
func (r *Registry) Describe(providerID string) (ProviderContract, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.policy.permits(providerID) {
		return ProviderContract{}, "", dgerr.NewCapabilityViolation(fmt.Sprintf("provider %q is not discoverable", providerID))
	}
	c, ok := r.contracts[providerID]
	if !ok {
		return ProviderContract{}, "", dgerr.NewNotFound(fmt.Sprintf("unknown provider %q", providerID))
	}
	digest, err := canon.Hash(c)
	if err != nil {
		return ProviderContract{}, "", dgerr.Wrap(dgerr.Internal, "hash provider contract", err)
	}
	return c, digest.String(), nil
}

// List returns discoverable provider contracts matching the discovery
// policy, sorted by id, truncated to stay within the configured
// per-response byte cap.
func (r *Registry) List() ([]ProviderContract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.contracts))
	for id := range r.contracts {
		if r.policy.permits(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]ProviderContract, 0, len(ids))
	total := 0
	for _, id := range ids {
		c := r.contracts[id]
		encoded, err := canon.Marshal(c)
		if err != nil {
			return nil, dgerr.Wrap(dgerr.Internal, "encode provider contract", err)
		}
		size := len(encoded)
		if r.policy.MaxBytes > 0 && total+size > r.policy.MaxBytes {
			break
		}
		total += size
		out = append(out, c)
	}
	return out, nil
}

// ValidateQuery checks that a (provider_id, predicate, params) request
// is well-formed before dispatch: provider exists, predicate exists,
// and params satisfy the predicate's params schema at the type-class
// level.
func (r *Registry) ValidateQuery(providerID, predicate string, params Schema) error {
	r.mu.RLock()
	contract, ok := r.contracts[providerID]
	r.mu.RUnlock()
	if !ok {
		return dgerr.NewInvalidParams(fmt.Sprintf("unknown provider %q", providerID))
	}
	pc, ok := contract.PredicateByName(predicate)
	if !ok {
		return dgerr.NewInvalidParams(fmt.Sprintf("provider %q has no predicate %q", providerID, predicate))
	}
	wantClasses := pc.ParamsSchema.Classes()
	gotClasses := params.Classes()
	for class := range gotClasses {
		if !wantClasses[class] && !wantClasses[ClassDynamic] {
			return dgerr.NewCapabilityViolation(fmt.Sprintf(
				"params for %s/%s do not match declared schema: got class %q", providerID, predicate, class))
		}
	}
	return nil
}

// AllowedComparators returns the comparator allow-list declared by a
// predicate contract, used by strictval at authoring time.
func (r *Registry) AllowedComparators(providerID, predicate string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	contract, ok := r.contracts[providerID]
	if !ok {
		return nil, dgerr.NewInvalidParams(fmt.Sprintf("unknown provider %q", providerID))
	}
	pc, ok := contract.PredicateByName(predicate)
	if !ok {
		return nil, dgerr.NewInvalidParams(fmt.Sprintf("provider %q has no predicate %q", providerID, predicate))
	}
	return pc.AllowedComparators, nil
}
