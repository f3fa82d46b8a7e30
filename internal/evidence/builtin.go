package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// TimeProvider answers the single "now" predicate with the
// caller-supplied timestamp; any other predicate name is rejected. It
// never reads the wall clock — the only notion of "now" it has is what
// the caller passes in as callerTime.
type TimeProvider struct{}

func (TimeProvider) ProviderID() string { return "time" }
func (TimeProvider) Close() error       { return nil }

func (TimeProvider) Query(_ context.Context, predicate string, _ json.RawMessage, callerTime dgmodel.Timestamp, _ EnvView) (dgmodel.EvidenceResult, error) {
	switch predicate {
	case "now":
		payload, err := json.Marshal(callerTime)
		if err != nil {
			return dgmodel.EvidenceResult{}, err
		}
		return dgmodel.EvidenceResult{
			Value:     &dgmodel.Value{Kind: dgmodel.ValueJSON, JSON: payload},
			TrustLane: dgmodel.Verified,
		}, nil
	default:
		return dgmodel.EvidenceResult{}, fmt.Errorf("time: unknown predicate %q", predicate)
	}
}

// EnvProvider answers "env.get" predicates against the caller-supplied
// environment view.
type EnvProvider struct{}

func (EnvProvider) ProviderID() string { return "env" }
func (EnvProvider) Close() error       { return nil }

type envGetParams struct {
	Name string `json:"name"`
}

func (EnvProvider) Query(_ context.Context, predicate string, params json.RawMessage, _ dgmodel.Timestamp, env EnvView) (dgmodel.EvidenceResult, error) {
	if predicate != "get" {
		return dgmodel.EvidenceResult{}, fmt.Errorf("env: unknown predicate %q", predicate)
	}
	var p envGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return dgmodel.EvidenceResult{}, fmt.Errorf("env: invalid params: %w", err)
	}
	val, ok := env[p.Name]
	if !ok {
		return dgmodel.EvidenceResult{
			Value:     nil,
			TrustLane: dgmodel.Verified,
		}, nil
	}
	payload, err := json.Marshal(val)
	if err != nil {
		return dgmodel.EvidenceResult{}, err
	}
	return dgmodel.EvidenceResult{
		Value:     &dgmodel.Value{Kind: dgmodel.ValueJSON, JSON: payload},
		TrustLane: dgmodel.Verified,
	}, nil
}

// JSONProvider answers "json.get" predicates: extracts a field from a
// caller-supplied JSON document passed in params (useful for
// precheck-style asserted evidence and tests).
type JSONProvider struct{}

func (JSONProvider) ProviderID() string { return "json" }
func (JSONProvider) Close() error       { return nil }

type jsonGetParams struct {
	Document json.RawMessage `json:"document"`
	Field    string          `json:"field"`
}

func (JSONProvider) Query(_ context.Context, predicate string, params json.RawMessage, _ dgmodel.Timestamp, _ EnvView) (dgmodel.EvidenceResult, error) {
	if predicate != "get" {
		return dgmodel.EvidenceResult{}, fmt.Errorf("json: unknown predicate %q", predicate)
	}
	var p jsonGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return dgmodel.EvidenceResult{}, fmt.Errorf("json: invalid params: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.Document, &doc); err != nil {
		return dgmodel.EvidenceResult{}, fmt.Errorf("json: invalid document: %w", err)
	}
	val, ok := doc[p.Field]
	if !ok {
		return dgmodel.EvidenceResult{TrustLane: dgmodel.Verified}, nil
	}
	return dgmodel.EvidenceResult{
		Value:     &dgmodel.Value{Kind: dgmodel.ValueJSON, JSON: val},
		TrustLane: dgmodel.Verified,
	}, nil
}
