package dgserver

import (
	"context"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/secpipeline"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type providersListInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
}

func (s *Server) handleProvidersList(ctx context.Context, _ *mcp.CallToolRequest, input providersListInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "providers_list", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		contracts, err := s.caps.List()
		if err != nil {
			return nil, err
		}
		return map[string]any{"providers": contracts}, nil
	})
}

type providerContractGetInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
	ProviderID  string `json:"provider_id"`
}

func (s *Server) handleProviderContractGet(ctx context.Context, _ *mcp.CallToolRequest, input providerContractGetInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "provider_contract_get", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		contract, hash, err := s.caps.Describe(input.ProviderID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contract": contract, "contract_hash": hash}, nil
	})
}

type providerSchemaGetInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
	ProviderID  string `json:"provider_id"`
	Predicate   string `json:"predicate"`
}

func (s *Server) handleProviderSchemaGet(ctx context.Context, _ *mcp.CallToolRequest, input providerSchemaGetInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "provider_schema_get", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		contract, _, err := s.caps.Describe(input.ProviderID)
		if err != nil {
			return nil, err
		}
		pc, ok := contract.PredicateByName(input.Predicate)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("provider %q has no predicate %q", input.ProviderID, input.Predicate))
		}
		return map[string]any{
			"params_schema":       pc.ParamsSchema,
			"result_schema":       pc.ResultSchema,
			"allowed_comparators": pc.AllowedComparators,
			"anchor_types":        pc.AnchorTypes,
		}, nil
	})
}

type schemasRegisterInput struct {
	TenantID    string        `json:"tenant_id,omitempty"`
	NamespaceID string        `json:"namespace_id,omitempty"`
	SchemaID    string        `json:"schema_id"`
	Schema      capreg.Schema `json:"schema" jsonschema:"the schema document to register"`
	SignerKeyID string        `json:"signer_key_id,omitempty"`
	Signature   []byte        `json:"signature,omitempty"`
}

func (s *Server) handleSchemasRegister(ctx context.Context, _ *mcp.CallToolRequest, input schemasRegisterInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "schemas_register", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		entry, err := s.schemas.Register(principal.ID, input.SchemaID, input.Schema, input.SignerKeyID, input.Signature)
		if err != nil {
			return nil, err
		}
		return entry, nil
	})
}

type schemasListInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
}

func (s *Server) handleSchemasList(ctx context.Context, _ *mcp.CallToolRequest, input schemasListInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "schemas_list", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		return map[string]any{"schemas": s.schemas.List()}, nil
	})
}

type schemasGetInput struct {
	TenantID    string `json:"tenant_id,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
	SchemaID    string `json:"schema_id"`
}

func (s *Server) handleSchemasGet(ctx context.Context, _ *mcp.CallToolRequest, input schemasGetInput) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, "schemas_get", input.TenantID, input.NamespaceID, func(ctx context.Context, req secpipeline.Request, principal secpipeline.Principal) (any, error) {
		entry, ok := s.schemas.Get(input.SchemaID)
		if !ok {
			return nil, dgerr.NewNotFound(fmt.Sprintf("no schema registered with id %q", input.SchemaID))
		}
		return entry, nil
	})
}
