package dgmodel

import "encoding/json"

// ValueKind tags whether an EvidenceResult's value is structured JSON
// or an opaque byte payload.
type ValueKind string

const (
	ValueJSON  ValueKind = "json"
	ValueBytes ValueKind = "bytes"
)

// Value is the tagged payload carried by an EvidenceResult.
type Value struct {
	Kind  ValueKind       `json:"kind"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
}

// EvidenceError is the structured error a provider (or trust/anchor
// enforcement) attaches to a downgraded or failed evidence result.
type EvidenceError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Anchor binds an evidence result to an external reference, e.g. a file
// path or object-store key, under a provider-declared anchor type.
type Anchor struct {
	AnchorType  string          `json:"anchor_type"`
	AnchorValue json.RawMessage `json:"anchor_value"`
}

// SignatureScheme enumerates the signature schemes Evidence Federation
// accepts under a RequireSignature trust policy.
type SignatureScheme string

const (
	SchemeHMACSHA256 SignatureScheme = "hmac-sha256"
	SchemeEd25519    SignatureScheme = "ed25519"
)

// Signature is an evidence or decision signature: scheme, signer key
// id, and raw signature bytes.
type Signature struct {
	Scheme    SignatureScheme `json:"scheme"`
	KeyID     string          `json:"key_id"`
	Signature []byte          `json:"signature_bytes"`
}

// EvidenceResult is what a provider query produces, carried through
// trust-policy and anchor enforcement before it reaches the comparator
// runtime.
type EvidenceResult struct {
	Value       *Value         `json:"value,omitempty"`
	TrustLane   TrustLane      `json:"trust_lane"`
	ContentType string         `json:"content_type,omitempty"`
	Error       *EvidenceError `json:"error,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	ReferenceURI string        `json:"reference_uri,omitempty"`
	Anchor      *Anchor        `json:"anchor,omitempty"`
	Signature   *Signature     `json:"signature,omitempty"`
}

// Downgrade returns a copy of the result coerced to Unknown with the
// given error attached, used whenever trust-lane or anchor enforcement
// rejects an otherwise well-formed result.
func (r EvidenceResult) Downgrade(code, message string) EvidenceResult {
	out := r
	out.Value = nil
	out.Error = &EvidenceError{Code: code, Message: message}
	return out
}
