package dgserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/runstate"
	"github.com/marcus-qen/decisiongate/internal/schemareg"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"
	"github.com/marcus-qen/decisiongate/internal/strictval"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	fed := evidence.NewFederation()
	if err := fed.Register(evidence.TimeProvider{}, evidence.TrustPolicy{Kind: evidence.TrustAudit}); err != nil {
		t.Fatalf("register time provider: %v", err)
	}

	pipeline := secpipeline.New(
		secpipeline.NewAuthenticator(secpipeline.AuthConfig{Mode: secpipeline.AuthLocalOnly}),
		secpipeline.NewRateLimiter(secpipeline.RateLimitConfig{BurstSize: 100, RefillPerSecond: 100, MaxInflight: 100}),
		secpipeline.NewMemoryAuditSink(1000, true),
	)

	return New(Deps{
		Pipeline:       pipeline,
		Federation:     fed,
		Runs:           runstate.NewMemoryStore(),
		Capabilities:   capreg.New(capreg.DiscoveryPolicy{}),
		Schemas:        schemareg.New(schemareg.ACLConfig{Mode: schemareg.ACLBuiltin}),
		ValidationOpts: strictval.Options{},
		RunpackOutputDir: t.TempDir(),
	})
}

func connectTestSession(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for server shutdown")
		}
	})
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) map[string]any {
	t.Helper()
	argBytes, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	var rawArgs map[string]any
	if err := json.Unmarshal(argBytes, &rawArgs); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: rawArgs})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if result.IsError {
		t.Fatalf("call %s returned tool error: %+v", name, result.Content)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("call %s: expected text content, got %T", name, result.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		t.Fatalf("call %s: decode result: %v", name, err)
	}
	return out
}

func sampleSpec(scenarioID string) dgmodel.ScenarioSpec {
	return dgmodel.ScenarioSpec{
		ScenarioID:  scenarioID,
		SpecVersion: "1",
		EntryStage:  "start",
		Predicates: []dgmodel.PredicateDef{
			{
				Name:       "clock_ticked",
				Comparator: dgmodel.CmpExists,
				Query:      dgmodel.EvidenceQuery{ProviderID: "time", Predicate: "now"},
			},
		},
		Stages: []dgmodel.Stage{
			{
				ID: "start",
				Gates: []dgmodel.Gate{
					{ID: "gate-1", Requirement: dgmodel.Requirement{Kind: dgmodel.ReqLeaf, Predicate: "clock_ticked"}},
				},
				Advance: dgmodel.AdvanceRule{Kind: dgmodel.AdvanceTerminal},
			},
		},
	}
}

func TestScenarioLifecycleOverMCP(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	defineOut := callTool(t, session, "scenario_define", map[string]any{
		"namespace_id": "ns1",
		"spec":         sampleSpec("scn-1"),
	})
	if defineOut["scenario_id"] != "scn-1" {
		t.Fatalf("expected scenario_id scn-1, got %+v", defineOut)
	}

	startOut := callTool(t, session, "scenario_start", map[string]any{
		"namespace_id":       "ns1",
		"scenario_id":        "scn-1",
		"run_id":             "run-1",
		"trigger_id":         "trig-1",
		"caller_time_millis": 1000,
	})
	if startOut["status"] != string(dgmodel.StatusActive) {
		t.Fatalf("expected active run after start, got %+v", startOut)
	}

	nextOut := callTool(t, session, "scenario_next", map[string]any{
		"namespace_id":       "ns1",
		"run_id":             "run-1",
		"trigger_id":         "trig-2",
		"caller_time_millis": 2000,
	})
	run, ok := nextOut["run"].(map[string]any)
	if !ok {
		t.Fatalf("expected run field in scenario_next result, got %+v", nextOut)
	}
	if run["status"] != string(dgmodel.StatusCompleted) {
		t.Fatalf("expected completed run (time.now always resolves), got %+v", run)
	}

	statusOut := callTool(t, session, "scenario_status", map[string]any{
		"namespace_id": "ns1",
		"run_id":       "run-1",
	})
	if statusOut["status"] != string(dgmodel.StatusCompleted) {
		t.Fatalf("expected completed status on reload, got %+v", statusOut)
	}
}

func TestScenariosListReturnsDefinedScenarios(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	callTool(t, session, "scenario_define", map[string]any{
		"namespace_id": "ns1",
		"spec":         sampleSpec("scn-a"),
	})
	callTool(t, session, "scenario_define", map[string]any{
		"namespace_id": "ns1",
		"spec":         sampleSpec("scn-b"),
	})

	out := callTool(t, session, "scenarios_list", map[string]any{"namespace_id": "ns1"})
	list, ok := out["scenarios"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 scenarios listed, got %+v", out)
	}
}

func TestPrecheckDoesNotMutateRunState(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	callTool(t, session, "scenario_define", map[string]any{
		"namespace_id": "ns1",
		"spec":         sampleSpec("scn-precheck"),
	})

	out := callTool(t, session, "precheck", map[string]any{
		"namespace_id": "ns1",
		"scenario_id":  "scn-precheck",
		"gate_id":      "gate-1",
		"asserted_results": map[string]any{
			"clock_ticked": map[string]any{
				"value": map[string]any{"kind": "json", "json": "anything"},
			},
		},
		"caller_time_millis": 500,
	})
	if out["result"] != dgmodel.True.String() {
		t.Fatalf("expected gate to resolve true against asserted evidence, got %+v", out)
	}
}

func TestRunpackExportAndVerifyRoundTrips(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	callTool(t, session, "scenario_define", map[string]any{
		"namespace_id": "ns1",
		"spec":         sampleSpec("scn-pack"),
	})
	callTool(t, session, "scenario_start", map[string]any{
		"namespace_id":       "ns1",
		"scenario_id":        "scn-pack",
		"run_id":             "run-pack",
		"trigger_id":         "trig-1",
		"caller_time_millis": 1000,
	})
	callTool(t, session, "scenario_next", map[string]any{
		"namespace_id":       "ns1",
		"run_id":             "run-pack",
		"trigger_id":         "trig-2",
		"caller_time_millis": 2000,
	})

	exportOut := callTool(t, session, "runpack_export", map[string]any{
		"namespace_id": "ns1",
		"run_id":       "run-pack",
	})
	if exportOut["manifest"] == nil {
		t.Fatalf("expected a manifest in export output, got %+v", exportOut)
	}

	verifyOut := callTool(t, session, "runpack_verify", map[string]any{
		"namespace_id": "ns1",
		"run_id":       "run-pack",
	})
	if verifyOut["status"] != "pass" {
		t.Fatalf("expected runpack verification to pass, got %+v", verifyOut)
	}
}

func TestSchemaRegisterListGetRoundTrips(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	callTool(t, session, "schemas_register", map[string]any{
		"namespace_id": "ns1",
		"schema_id":    "cpu.load",
		"schema":       map[string]any{"type": "number"},
	})

	listOut := callTool(t, session, "schemas_list", map[string]any{"namespace_id": "ns1"})
	list, ok := listOut["schemas"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected 1 registered schema, got %+v", listOut)
	}

	getOut := callTool(t, session, "schemas_get", map[string]any{
		"namespace_id": "ns1",
		"schema_id":    "cpu.load",
	})
	if getOut["id"] != "cpu.load" {
		t.Fatalf("expected schemas_get to return the registered entry, got %+v", getOut)
	}
}

func TestUnknownRunIsNotFound(t *testing.T) {
	s := newTestServer(t)
	session := connectTestSession(t, s)

	argBytes, _ := json.Marshal(map[string]any{"namespace_id": "ns1", "run_id": "missing"})
	var rawArgs map[string]any
	_ = json.Unmarshal(argBytes, &rawArgs)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "scenario_status", Arguments: rawArgs})
	if err != nil {
		t.Fatalf("call scenario_status: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected scenario_status on an unknown run to report a tool error")
	}
}
