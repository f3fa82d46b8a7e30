package evidence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

func TestTimeProviderReflectsCallerTime(t *testing.T) {
	p := TimeProvider{}
	callerTime := dgmodel.NewUnixMillis(1700000000000)
	result, err := p.Query(context.Background(), "now", nil, callerTime, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TrustLane != dgmodel.Verified {
		t.Fatalf("expected verified lane, got %v", result.TrustLane)
	}
	var got dgmodel.Timestamp
	if err := json.Unmarshal(result.Value.JSON, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Millis != callerTime.Millis {
		t.Fatalf("expected reflected caller time %d, got %d", callerTime.Millis, got.Millis)
	}
}

func TestEnvProviderMissingKeyIsNilNotError(t *testing.T) {
	p := EnvProvider{}
	params, _ := json.Marshal(envGetParams{Name: "MISSING"})
	result, err := p.Query(context.Background(), "get", params, dgmodel.Timestamp{}, EnvView{"OTHER": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != nil {
		t.Fatalf("expected nil value for missing env key, got %+v", result.Value)
	}
}

func TestJSONProviderExtractsField(t *testing.T) {
	p := JSONProvider{}
	doc := json.RawMessage(`{"status":"approved","count":3}`)
	params, _ := json.Marshal(jsonGetParams{Document: doc, Field: "status"})
	result, err := p.Query(context.Background(), "get", params, dgmodel.Timestamp{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Value.JSON) != `"approved"` {
		t.Fatalf("expected \"approved\", got %s", result.Value.JSON)
	}
}

func TestHTTPProviderRejectsPlainHTTPByDefault(t *testing.T) {
	cfg := DefaultHTTPProviderConfig()
	p := NewHTTPProvider(cfg)
	params, _ := json.Marshal(httpGetParams{URL: "http://example.invalid/resource"})
	result, err := p.Query(context.Background(), "get", params, dgmodel.Timestamp{}, nil)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if result.Error == nil || result.Error.Code != "host_policy" {
		t.Fatalf("expected host_policy downgrade for plain http, got %+v", result.Error)
	}
}
