// Package dgserver wires every C-component into the MCP tool surface:
// scenario lifecycle, evidence queries, runpack export/verify, provider
// and schema introspection. Every tool call is dispatched through
// internal/secpipeline.Pipeline before a handler ever touches engine
// state, so authentication, rate limiting, and authorization are
// enforced uniformly regardless of which tool is invoked.
//
// Grounded on internal/controlplane/mcpserver's MCPServer: a struct
// holding every backing store/service, a New constructor that wires
// options, registerTools appending mcp.AddTool calls, and Handler
// exposing the transport. Generalized here from fleet-management tools
// to the scenario/evidence/runpack/schema tool surface, and extended
// so every handler is routed through a security pipeline first.
package dgserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgengine"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/runstate"
	"github.com/marcus-qen/decisiongate/internal/schemareg"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"
	"github.com/marcus-qen/decisiongate/internal/strictval"
)

// Version is injected from build metadata.
var Version = "dev"

// scenarioKey identifies one compiled scenario by namespace+id.
type scenarioKey struct {
	NamespaceID string
	ScenarioID  string
}

// Server exposes Decision Gate's tool surface over MCP.
type Server struct {
	server   *mcp.Server
	handler  http.Handler
	pipeline *secpipeline.Pipeline
	engine   *dgengine.Engine
	runs     runstate.Store
	caps     *capreg.Registry
	schemas  *schemareg.Registry
	fed      *evidence.Federation
	log      logr.Logger

	validationOpts strictval.Options

	mu        sync.RWMutex
	scenarios map[scenarioKey]dgengine.CompiledScenario

	// RunpackOutputDir roots the filesystem sink used by runpack_export;
	// runpack_verify reads back from the same root by run key.
	RunpackOutputDir string
}

// Deps bundles every backing component Server needs.
type Deps struct {
	Pipeline       *secpipeline.Pipeline
	Federation     *evidence.Federation
	Runs           runstate.Store
	Capabilities   *capreg.Registry
	Schemas        *schemareg.Registry
	ValidationOpts strictval.Options
	Log            logr.Logger
	RunpackOutputDir string
}

// New builds and wires the MCP server surface for Decision Gate.
func New(deps Deps) *Server {
	log := deps.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "decisiongate",
		Version: Version,
	}, nil)

	s := &Server{
		server:           srv,
		pipeline:         deps.Pipeline,
		engine:           dgengine.New(deps.Federation),
		runs:             deps.Runs,
		caps:             deps.Capabilities,
		schemas:          deps.Schemas,
		fed:              deps.Federation,
		log:              log.WithName("dgserver"),
		validationOpts:   deps.ValidationOpts,
		scenarios:        make(map[scenarioKey]dgengine.CompiledScenario),
		RunpackOutputDir: deps.RunpackOutputDir,
	}

	s.registerTools()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	return s
}

// Handler returns the HTTP SSE transport handler mounted for http/sse
// callers.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// Serve runs the MCP server against an arbitrary transport (stdio or
// otherwise), blocking until ctx is canceled or the transport closes.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_define",
		Description: "Compile and register a scenario spec for a namespace",
	}, s.handleScenarioDefine)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_start",
		Description: "Start a new run of a defined scenario",
	}, s.handleScenarioStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_status",
		Description: "Get the current status and stage of a run",
	}, s.handleScenarioStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_next",
		Description: "Re-evaluate the current stage's gates without a new external trigger",
	}, s.handleScenarioNext)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_trigger",
		Description: "Advance a run with an external trigger event",
	}, s.handleScenarioTrigger)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenario_submit",
		Description: "Submit a payload for the run's current stage",
	}, s.handleScenarioSubmit)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scenarios_list",
		Description: "List defined scenarios for a namespace",
	}, s.handleScenariosList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "precheck",
		Description: "Evaluate a gate against caller-asserted evidence, without dispatching to providers or mutating run state",
	}, s.handlePrecheck)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "evidence_query",
		Description: "Query a single predicate's evidence directly through the federation",
	}, s.handleEvidenceQuery)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "runpack_export",
		Description: "Export a completed run's spec and logs as a verifiable runpack",
	}, s.handleRunpackExport)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "runpack_verify",
		Description: "Verify a previously exported runpack's integrity and anchor coverage",
	}, s.handleRunpackVerify)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "providers_list",
		Description: "List registered evidence providers",
	}, s.handleProvidersList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "provider_contract_get",
		Description: "Get a provider's full contract",
	}, s.handleProviderContractGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "provider_schema_get",
		Description: "Get one predicate's params/result schema for a provider",
	}, s.handleProviderSchemaGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "schemas_register",
		Description: "Register or update a named reusable predicate schema",
	}, s.handleSchemasRegister)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "schemas_list",
		Description: "List registered named predicate schemas",
	}, s.handleSchemasList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "schemas_get",
		Description: "Get one named predicate schema",
	}, s.handleSchemasGet)
}

func (s *Server) compiled(namespaceID, scenarioID string) (dgengine.CompiledScenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.scenarios[scenarioKey{NamespaceID: namespaceID, ScenarioID: scenarioID}]
	return cs, ok
}

func (s *Server) putCompiled(cs dgengine.CompiledScenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[scenarioKey{NamespaceID: cs.Spec.NamespaceID, ScenarioID: cs.Spec.ScenarioID}] = cs
}

func (s *Server) listCompiled(namespaceID string) []dgengine.CompiledScenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dgengine.CompiledScenario, 0)
	for k, cs := range s.scenarios {
		if k.NamespaceID == namespaceID {
			out = append(out, cs)
		}
	}
	return out
}

// predicateSchemas resolves the capreg.Schema map Compile needs from
// every provider contract's declared predicates.
func (s *Server) predicateSchemas() map[string]capreg.Schema {
	out := make(map[string]capreg.Schema)
	contracts, err := s.caps.List()
	if err != nil {
		return out
	}
	for _, c := range contracts {
		for _, p := range c.Predicates {
			out[p.Name] = p.ParamsSchema
		}
	}
	return out
}
