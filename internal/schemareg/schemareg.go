// Package schemareg implements the predicate schema registry backing
// the schemas_register/schemas_list/schemas_get tools: a named,
// versioned store of reusable capreg.Schema definitions, gated by an
// access-control policy
// separate from the capability registry's own provider-contract
// authorization.
//
// Grounded on internal/capreg.Registry's mutex-guarded map-of-contracts
// shape, generalized from provider contracts to named schema
// definitions, with an ACL layer modeled on the same package's
// DiscoveryPolicy allow/deny-by-id matching.
package schemareg

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// ACLMode selects how Registry.Authorize decides who may register or
// overwrite a schema.
type ACLMode string

const (
	ACLBuiltin ACLMode = "builtin"
	ACLCustom  ACLMode = "custom"
)

// ACLRule grants a principal write access to schema ids matching
// Pattern (a capreg-style glob: exact or trailing "*" prefix match).
type ACLRule struct {
	Principal string
	Pattern   string
}

// ACLConfig configures Registry's write-path authorization.
type ACLConfig struct {
	Mode           ACLMode
	Rules          []ACLRule
	RequireSigning bool
	AllowLocalOnly bool
}

// Entry is one registered, versioned schema.
type Entry struct {
	ID        string        `json:"id"`
	Version   int           `json:"version"`
	Schema    capreg.Schema `json:"schema"`
	Hash      string        `json:"hash"`
	Signer    string        `json:"signer,omitempty"`
}

// Registry is the write-once-per-version, read-many schema store.
type Registry struct {
	cfg ACLConfig

	mu      sync.RWMutex
	entries map[string]Entry

	authorizedSigners map[string]ed25519.PublicKey
}

func New(cfg ACLConfig) *Registry {
	return &Registry{cfg: cfg, entries: make(map[string]Entry), authorizedSigners: make(map[string]ed25519.PublicKey)}
}

// TrustSigner authorizes keyID as a valid schema signer.
func (r *Registry) TrustSigner(keyID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorizedSigners[keyID] = pub
}

func matchPattern(pattern, id string) bool {
	if pattern == id {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(id) >= len(prefix) && id[:len(prefix)] == prefix
	}
	return false
}

// Authorize reports whether principal may register/overwrite schema
// id. builtin mode permits every principal the transport layer has
// already admitted (e.g. through secpipeline's local_only auth mode);
// ACLConfig.AllowLocalOnly is not read here. custom mode requires a
// matching rule.
func (r *Registry) Authorize(principalID, id string) error {
	if r.cfg.Mode != ACLCustom {
		return nil
	}
	for _, rule := range r.cfg.Rules {
		if rule.Principal == principalID && matchPattern(rule.Pattern, id) {
			return nil
		}
	}
	return dgerr.NewUnauthorized(fmt.Sprintf("principal %q is not authorized to register schema %q", principalID, id))
}

// Register stores a new version of id's schema. If RequireSigning is
// set, keyID/signature must verify against a trusted signer before the
// entry is accepted — an unsigned or invalidly signed submission is
// rejected outright, never stored as a draft.
func (r *Registry) Register(principalID, id string, schema capreg.Schema, keyID string, signature []byte) (Entry, error) {
	if err := r.Authorize(principalID, id); err != nil {
		return Entry{}, err
	}

	digest, err := canon.Hash(schema)
	if err != nil {
		return Entry{}, dgerr.Wrap(dgerr.Internal, "hash schema", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.RequireSigning {
		pub, ok := r.authorizedSigners[keyID]
		if !ok {
			return Entry{}, dgerr.NewUnauthorized(fmt.Sprintf("key id %q is not a trusted schema signer", keyID))
		}
		if !ed25519.Verify(pub, []byte(digest.String()), signature) {
			return Entry{}, dgerr.NewUnauthorized("schema signature does not verify")
		}
	}

	version := 1
	if existing, ok := r.entries[id]; ok {
		version = existing.Version + 1
	}
	entry := Entry{ID: id, Version: version, Schema: schema, Hash: digest.String(), Signer: keyID}
	r.entries[id] = entry
	return entry, nil
}

// Get returns the current entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns every registered entry, sorted by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
