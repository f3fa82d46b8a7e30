package evidence

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/obsmetrics"
	"github.com/marcus-qen/decisiongate/internal/shared/signing"
)

// TrustPolicy gates what an adapter's raw result must additionally
// satisfy before it is handed to the comparator runtime.
type TrustPolicyKind string

const (
	TrustAudit            TrustPolicyKind = "audit"             // accept as-is, logged
	TrustRequireSignature TrustPolicyKind = "require_signature"  // reject unless signed
)

// TrustPolicy is attached per provider (or per predicate, via
// PredicateDef.Trust/Gate.Trust upstream in the engine).
type TrustPolicy struct {
	Kind             TrustPolicyKind
	RequireMinLane   dgmodel.TrustRequirement
	AllowedSchemes   []dgmodel.SignatureScheme
	HMACKey          []byte            // required if hmac-sha256 is allowed
	Ed25519PublicKey ed25519.PublicKey // required if ed25519 is allowed
}

func (p TrustPolicy) schemeAllowed(s dgmodel.SignatureScheme) bool {
	for _, allowed := range p.AllowedSchemes {
		if allowed == s {
			return true
		}
	}
	return false
}

// Federation is the evidence federation registry: it holds one Adapter
// per provider id and applies trust-policy and anchor enforcement before
// a result reaches the comparator runtime. It does not consult the
// capability registry; queries are not validated against provider
// contracts here.
type Federation struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	policies map[string]TrustPolicy
	anchors  []dgmodel.AnchorPolicy
}

func NewFederation() *Federation {
	return &Federation{
		adapters: make(map[string]Adapter),
		policies: make(map[string]TrustPolicy),
	}
}

// Register adds an adapter under its provider id. Re-registering an
// id that is already bound fails — there is no silent override,
// matching capreg.Registry's write-once discipline.
func (f *Federation) Register(a Adapter, policy TrustPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := a.ProviderID()
	if _, exists := f.adapters[id]; exists {
		return dgerr.NewConflict(fmt.Sprintf("provider %q is already registered with the federation", id))
	}
	f.adapters[id] = a
	f.policies[id] = policy
	return nil
}

// SetAnchorPolicies installs the scenario-declared anchor requirements
// evaluated after dispatch.
func (f *Federation) SetAnchorPolicies(policies []dgmodel.AnchorPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchors = policies
}

// Close releases every registered adapter's transport resources.
func (f *Federation) Close() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var firstErr error
	for _, a := range f.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Query dispatches a predicate query through the full C5 pipeline:
// adapter lookup, dispatch, trust-policy enforcement, evidence_hash
// backfill, and anchor enforcement. Any violation downgrades the
// result to Unknown rather than returning a transport error — only
// adapter-absence and hard query-shape errors are returned as errors.
func (f *Federation) Query(ctx context.Context, query dgmodel.EvidenceQuery, trustReq dgmodel.TrustRequirement, callerTime dgmodel.Timestamp, env EnvView) (dgmodel.EvidenceResult, error) {
	f.mu.RLock()
	adapter, ok := f.adapters[query.ProviderID]
	policy := f.policies[query.ProviderID]
	anchorPolicies := f.anchors
	f.mu.RUnlock()

	if !ok {
		return dgmodel.EvidenceResult{}, dgerr.NewInvalidParams(fmt.Sprintf("unknown evidence provider %q", query.ProviderID))
	}

	result, err := adapter.Query(ctx, query.Predicate, query.Params, callerTime, env)
	if err != nil {
		obsmetrics.RecordProviderError(query.ProviderID)
		return dgmodel.EvidenceResult{}, dgerr.Wrap(dgerr.Evidence, fmt.Sprintf("provider %q query failed", query.ProviderID), err)
	}

	if !trustReq.Satisfies(result.TrustLane) {
		return result.Downgrade("trust_lane", fmt.Sprintf("evidence trust lane %q does not satisfy minimum %q", result.TrustLane, trustReq.MinLane)), nil
	}

	result, err = applyTrustPolicy(policy, query.ProviderID, result)
	if err != nil {
		return dgmodel.EvidenceResult{}, err
	}
	if result.Error != nil {
		return result, nil // already downgraded by trust policy
	}

	if result.Value != nil && result.ContentHash == "" {
		digest, herr := canon.Hash(result.Value)
		if herr != nil {
			return dgmodel.EvidenceResult{}, dgerr.Wrap(dgerr.Internal, "hash evidence value", herr)
		}
		result.ContentHash = digest.String()
	}

	return enforceAnchor(anchorPolicies, query.ProviderID, result), nil
}

func applyTrustPolicy(policy TrustPolicy, providerID string, result dgmodel.EvidenceResult) (dgmodel.EvidenceResult, error) {
	switch policy.Kind {
	case "", TrustAudit:
		return result, nil
	case TrustRequireSignature:
		if result.Signature == nil {
			return result.Downgrade("signature_required", fmt.Sprintf("provider %q requires a signature and none was attached", providerID)), nil
		}
		if !policy.schemeAllowed(result.Signature.Scheme) {
			return result.Downgrade("signature_scheme_not_allowed", fmt.Sprintf("signature scheme %q is not permitted for provider %q", result.Signature.Scheme, providerID)), nil
		}
		ok, err := verifySignature(policy, result)
		if err != nil {
			return dgmodel.EvidenceResult{}, dgerr.Wrap(dgerr.Internal, "verify evidence signature", err)
		}
		if !ok {
			return result.Downgrade("signature_invalid", fmt.Sprintf("signature verification failed for provider %q", providerID)), nil
		}
		return result, nil
	default:
		return dgmodel.EvidenceResult{}, dgerr.NewInvalidParams(fmt.Sprintf("unknown trust policy kind %q", policy.Kind))
	}
}

func verifySignature(policy TrustPolicy, result dgmodel.EvidenceResult) (bool, error) {
	signedPayload, err := canon.Marshal(result.Value)
	if err != nil {
		return false, err
	}
	switch result.Signature.Scheme {
	case dgmodel.SchemeHMACSHA256:
		if len(policy.HMACKey) == 0 {
			return false, fmt.Errorf("no HMAC key configured for this trust policy")
		}
		signer := signing.NewSigner(policy.HMACKey)
		err := signer.Verify(result.Signature.KeyID, json.RawMessage(signedPayload), hex.EncodeToString(result.Signature.Signature))
		return err == nil, nil
	case dgmodel.SchemeEd25519:
		if len(policy.Ed25519PublicKey) == 0 {
			return false, fmt.Errorf("no ed25519 public key configured for this trust policy")
		}
		return ed25519.Verify(policy.Ed25519PublicKey, signedPayload, result.Signature.Signature), nil
	default:
		return false, fmt.Errorf("unsupported signature scheme %q", result.Signature.Scheme)
	}
}

func enforceAnchor(policies []dgmodel.AnchorPolicy, providerID string, result dgmodel.EvidenceResult) dgmodel.EvidenceResult {
	for _, p := range policies {
		if p.ProviderID != providerID {
			continue
		}
		if result.Anchor == nil {
			return result.Downgrade("anchor_required", fmt.Sprintf("provider %q requires anchored evidence of type %q", providerID, p.AnchorType))
		}
		if result.Anchor.AnchorType != p.AnchorType {
			return result.Downgrade("anchor_type_mismatch", fmt.Sprintf("evidence anchor type %q does not match required %q", result.Anchor.AnchorType, p.AnchorType))
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(result.Anchor.AnchorValue, &fields); err != nil {
			return result.Downgrade("anchor_value_invalid", "anchor_value must be a canonical JSON object")
		}
		for _, required := range p.RequiredFields {
			v, ok := fields[required]
			if !ok {
				return result.Downgrade("anchor_field_missing", fmt.Sprintf("anchor_value missing required field %q", required))
			}
			if !isScalarJSON(v) {
				return result.Downgrade("anchor_field_not_scalar", fmt.Sprintf("anchor_value field %q must be a scalar", required))
			}
		}
	}
	return result
}

func isScalarJSON(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

