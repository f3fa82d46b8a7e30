package evidence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/shared/signing"
)

func TestFederationQueryUnknownProvider(t *testing.T) {
	f := NewFederation()
	_, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "nope", Predicate: "get"}, dgmodel.TrustRequirement{}, dgmodel.Timestamp{}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestFederationDuplicateRegistrationFails(t *testing.T) {
	f := NewFederation()
	if err := f.Register(TimeProvider{}, TrustPolicy{}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := f.Register(TimeProvider{}, TrustPolicy{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestFederationBackfillsEvidenceHash(t *testing.T) {
	f := NewFederation()
	_ = f.Register(JSONProvider{}, TrustPolicy{})
	doc := json.RawMessage(`{"status":"ok"}`)
	params, _ := json.Marshal(jsonGetParams{Document: doc, Field: "status"})
	result, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "json", Predicate: "get", Params: params}, dgmodel.TrustRequirement{}, dgmodel.Timestamp{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ContentHash == "" {
		t.Fatalf("expected evidence_hash to be backfilled")
	}
	expected, _ := canon.Hash(result.Value)
	if result.ContentHash != expected.String() {
		t.Fatalf("evidence_hash mismatch: got %s want %s", result.ContentHash, expected.String())
	}
}

func TestFederationTrustLaneDowngrade(t *testing.T) {
	f := NewFederation()
	_ = f.Register(EnvProvider{}, TrustPolicy{})
	params, _ := json.Marshal(envGetParams{Name: "X"})
	req := dgmodel.TrustRequirement{MinLane: dgmodel.Verified}
	result, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "env", Predicate: "get", Params: params}, req, dgmodel.Timestamp{}, EnvView{"X": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("env provider is Verified, should satisfy a Verified requirement, got downgrade %+v", result.Error)
	}
}

func TestFederationRequireSignatureRejectsUnsigned(t *testing.T) {
	f := NewFederation()
	_ = f.Register(EnvProvider{}, TrustPolicy{Kind: TrustRequireSignature, AllowedSchemes: []dgmodel.SignatureScheme{dgmodel.SchemeHMACSHA256}})
	params, _ := json.Marshal(envGetParams{Name: "X"})
	result, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "env", Predicate: "get", Params: params}, dgmodel.TrustRequirement{}, dgmodel.Timestamp{}, EnvView{"X": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == nil || result.Error.Code != "signature_required" {
		t.Fatalf("expected signature_required downgrade, got %+v", result.Error)
	}
}

type signedAdapter struct {
	key []byte
}

func (signedAdapter) ProviderID() string { return "signed" }
func (signedAdapter) Close() error       { return nil }

func (a signedAdapter) Query(_ context.Context, _ string, _ json.RawMessage, _ dgmodel.Timestamp, _ EnvView) (dgmodel.EvidenceResult, error) {
	value := &dgmodel.Value{Kind: dgmodel.ValueJSON, JSON: json.RawMessage(`"approved"`)}
	payload, _ := canon.Marshal(value)
	signer := signing.NewSigner(a.key)
	sigHex, _ := signer.Sign("k1", json.RawMessage(payload))
	sigBytes, _ := hex.DecodeString(sigHex)
	return dgmodel.EvidenceResult{
		Value:     value,
		TrustLane: dgmodel.Verified,
		Signature: &dgmodel.Signature{Scheme: dgmodel.SchemeHMACSHA256, KeyID: "k1", Signature: sigBytes},
	}, nil
}

func TestFederationRequireSignatureAcceptsValidHMAC(t *testing.T) {
	key := []byte("shared-secret-shared-secret-32b")
	f := NewFederation()
	_ = f.Register(signedAdapter{key: key}, TrustPolicy{
		Kind:           TrustRequireSignature,
		AllowedSchemes: []dgmodel.SignatureScheme{dgmodel.SchemeHMACSHA256},
		HMACKey:        key,
	})
	result, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "signed", Predicate: "get"}, dgmodel.TrustRequirement{}, dgmodel.Timestamp{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("expected signed evidence to pass trust policy, got downgrade %+v", result.Error)
	}
}

func TestFederationAnchorEnforcement(t *testing.T) {
	f := NewFederation()
	_ = f.Register(JSONProvider{}, TrustPolicy{})
	f.SetAnchorPolicies([]dgmodel.AnchorPolicy{
		{ProviderID: "json", AnchorType: "file", RequiredFields: []string{"path"}},
	})
	doc := json.RawMessage(`{"status":"ok"}`)
	params, _ := json.Marshal(jsonGetParams{Document: doc, Field: "status"})
	result, err := f.Query(context.Background(), dgmodel.EvidenceQuery{ProviderID: "json", Predicate: "get", Params: params}, dgmodel.TrustRequirement{}, dgmodel.Timestamp{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == nil || result.Error.Code != "anchor_required" {
		t.Fatalf("expected anchor_required downgrade, got %+v", result.Error)
	}
}
