package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgconfig"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
	"github.com/marcus-qen/decisiongate/internal/dgserver"
	"github.com/marcus-qen/decisiongate/internal/evidence"
	"github.com/marcus-qen/decisiongate/internal/obslog"
	"github.com/marcus-qen/decisiongate/internal/obstrace"
	"github.com/marcus-qen/decisiongate/internal/runstate"
	"github.com/marcus-qen/decisiongate/internal/schemareg"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"
	"github.com/marcus-qen/decisiongate/internal/strictval"
)

// Tunables the config surface doesn't expose per-deployment; fixed
// constants rather than further configuration surface.
const (
	defaultBurstSize       = 50
	defaultRefillPerSecond = 25.0
	defaultMaxInflight     = 64
	defaultAuditRingSize   = 10000
)

// components bundles everything buildComponents wires up so serve.go
// can start or tear it down without repeating the wiring logic.
type components struct {
	log           logr.Logger
	sync          func()
	traceShutdown func(context.Context) error
	server        *dgserver.Server
	fed           *evidence.Federation
	runs          runstate.Store
}

// buildComponents loads config, builds logging, trace export, the
// evidence federation (with built-in providers and any MCP providers
// named in config), the capability and schema registries, the
// run-state store, the security pipeline, and finally the MCP server
// wired over all of it, in "config, then logger, then every backing
// service, then the server" order.
func buildComponents(ctx context.Context, cfg dgconfig.Config, runpackOutputDir string) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, sync := obslog.MustNew(obslog.Config{Format: obslog.Format(cfg.LogFormat), Level: cfg.LogLevel})

	traceShutdown, err := obstrace.New(ctx, obstrace.Config{Endpoint: cfg.Telemetry.OTLPEndpoint})
	if err != nil {
		sync()
		return nil, err
	}

	fed := evidence.NewFederation()
	caps := capreg.New(capreg.DiscoveryPolicy{})

	if err := registerBuiltins(fed, caps); err != nil {
		sync()
		return nil, err
	}
	if err := registerConfiguredProviders(fed, caps, cfg.Providers); err != nil {
		sync()
		return nil, err
	}
	if len(cfg.Anchors.Providers) > 0 {
		fed.SetAnchorPolicies(anchorPolicies(cfg.Anchors))
	}

	runs, err := openRunStateStore(cfg.RunState)
	if err != nil {
		sync()
		return nil, err
	}

	pipeline := buildPipeline(cfg, log)
	schemas := schemareg.New(schemareg.ACLConfig{
		Mode:           schemareg.ACLMode(cfg.SchemaACL.Mode),
		RequireSigning: cfg.SchemaACL.RequireSigning,
		AllowLocalOnly: cfg.SchemaACL.AllowLocalOnly,
	})

	srv := dgserver.New(dgserver.Deps{
		Pipeline:     pipeline,
		Federation:   fed,
		Runs:         runs,
		Capabilities: caps,
		Schemas:      schemas,
		ValidationOpts: strictval.Options{
			AllowLexComparators:  cfg.Validation.EnableLexComparators,
			AllowDeepComparators: cfg.Validation.EnableDeepComparators,
		},
		Log:              log,
		RunpackOutputDir: runpackOutputDir,
	})

	return &components{log: log, sync: sync, traceShutdown: traceShutdown, server: srv, fed: fed, runs: runs}, nil
}

func buildPipeline(cfg dgconfig.Config, log logr.Logger) *secpipeline.Pipeline {
	authn := secpipeline.NewAuthenticator(secpipeline.AuthConfig{
		Mode:         secpipeline.AuthMode(cfg.Server.Auth.Mode),
		BearerTokens: cfg.Server.Auth.BearerTokens,
		MTLSSubjects: cfg.Server.Auth.MTLSSubjects,
	})
	limiter := secpipeline.NewRateLimiter(secpipeline.RateLimitConfig{
		BurstSize:       defaultBurstSize,
		RefillPerSecond: defaultRefillPerSecond,
		MaxInflight:     defaultMaxInflight,
	})
	audit := secpipeline.NewMemoryAuditSink(defaultAuditRingSize, true)

	pipeline := secpipeline.New(authn, limiter, audit)
	if len(cfg.Server.Auth.AllowedTools) > 0 {
		pipeline.ToolAllowList = secpipeline.NewToolAllowList(cfg.Server.Auth.AllowedTools)
	}
	pipeline.NamespacePolicy = secpipeline.NewNamespacePolicy(secpipeline.NamespacePolicyConfig{
		AllowDefault:     cfg.Namespace.AllowDefault,
		DefaultTenants:   cfg.Namespace.DefaultTenants,
		Authority:        secpipeline.AuthorityMode(cfg.Namespace.Authority.Mode),
		AuthorityURL:     cfg.Namespace.Authority.BaseURL,
		AuthorityTimeout: cfg.Namespace.Authority.Timeout(),
		AuthorityToken:   cfg.Namespace.Authority.BearerToken,
	})
	return pipeline
}

func openRunStateStore(cfg dgconfig.RunStateConfig) (runstate.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return runstate.NewMemoryStore(), nil
	case "sqlite":
		return runstate.NewSQLStore(runstate.DriverSQLite, cfg.DSN)
	case "mysql":
		return runstate.NewSQLStore(runstate.DriverMySQL, cfg.DSN)
	case "postgres":
		return runstate.NewSQLStore(runstate.DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("decisiongate: unrecognized run_state_store.kind %q", cfg.Kind)
	}
}

func registerBuiltins(fed *evidence.Federation, caps *capreg.Registry) error {
	if err := fed.Register(evidence.TimeProvider{}, evidence.TrustPolicy{Kind: evidence.TrustAudit}); err != nil {
		return err
	}
	if err := fed.Register(evidence.EnvProvider{}, evidence.TrustPolicy{Kind: evidence.TrustAudit}); err != nil {
		return err
	}
	if err := fed.Register(evidence.JSONProvider{}, evidence.TrustPolicy{Kind: evidence.TrustAudit}); err != nil {
		return err
	}
	for _, contract := range builtinContracts() {
		if err := caps.Register(contract); err != nil {
			return err
		}
	}
	return nil
}

// registerConfiguredProviders wires an MCP-backed evidence adapter per
// config.ProviderConfig entry — stdio or HTTP transport — and, when
// the provider ships a capabilities document, registers its contract
// with the capability registry so strictval can validate scenarios
// against it ahead of any live query.
func registerConfiguredProviders(fed *evidence.Federation, caps *capreg.Registry, providers []dgconfig.ProviderConfig) error {
	for _, p := range providers {
		var adapter evidence.Adapter
		switch p.Type {
		case "mcp_stdio":
			a, err := evidence.NewMCPStdioAdapter(p.ID, p.Command, nil)
			if err != nil {
				return fmt.Errorf("decisiongate: start provider %q: %w", p.ID, err)
			}
			adapter = a
		case "mcp_http":
			httpCfg := evidence.DefaultHTTPProviderConfig()
			if p.TimeoutMs > 0 {
				httpCfg.RequestTimeout = time.Duration(p.TimeoutMs) * time.Millisecond
			}
			httpCfg.AllowInsecureHTTP = p.AllowInsecureHTTP
			adapter = evidence.NewMCPHTTPAdapter(p.ID, p.URL, httpCfg)
		case "builtin":
			continue // already registered by registerBuiltins
		default:
			return fmt.Errorf("decisiongate: provider %q has unrecognized type %q", p.ID, p.Type)
		}

		policy := evidence.TrustPolicy{Kind: evidence.TrustAudit}
		if p.Trust == "require_signature" {
			policy.Kind = evidence.TrustRequireSignature
		}
		if err := fed.Register(adapter, policy); err != nil {
			return fmt.Errorf("decisiongate: register provider %q: %w", p.ID, err)
		}

		if p.CapabilitiesPath != "" {
			contract, err := loadProviderContract(p.ID, p.CapabilitiesPath)
			if err != nil {
				return err
			}
			if err := caps.Register(contract); err != nil {
				return fmt.Errorf("decisiongate: register capability contract for %q: %w", p.ID, err)
			}
		}
	}
	return nil
}

// loadProviderContract reads a provider's capabilities document, authored
// as either JSON or YAML (by extension: .yaml/.yml), and parses it
// against the same capreg.ProviderContract shape either way — YAML is
// converted to JSON first via sigs.k8s.io/yaml so the document still
// goes through a single decoding path.
func loadProviderContract(providerID, path string) (capreg.ProviderContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return capreg.ProviderContract{}, fmt.Errorf("decisiongate: read capabilities for %q: %w", providerID, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = k8syaml.YAMLToJSON(data)
		if err != nil {
			return capreg.ProviderContract{}, fmt.Errorf("decisiongate: convert yaml capabilities for %q: %w", providerID, err)
		}
	}

	var contract capreg.ProviderContract
	if err := json.Unmarshal(data, &contract); err != nil {
		return capreg.ProviderContract{}, fmt.Errorf("decisiongate: parse capabilities for %q: %w", providerID, err)
	}
	contract.ProviderID = providerID
	return contract, nil
}

func anchorPolicies(cfg dgconfig.AnchorsConfig) []dgmodel.AnchorPolicy {
	out := make([]dgmodel.AnchorPolicy, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, dgmodel.AnchorPolicy{
			ProviderID:     p.ProviderID,
			AnchorType:     p.AnchorType,
			RequiredFields: p.RequiredFields,
		})
	}
	return out
}
