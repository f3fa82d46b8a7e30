// Package evidence implements the Evidence Federation layer (C5): a
// registry of provider adapters, trust-policy and anchor enforcement,
// and the transport hardening required of MCP/stdio and MCP/HTTP
// adapters. Trust/signature enforcement is built on
// internal/shared/signing.
package evidence

import (
	"context"
	"encoding/json"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// EnvView is the environment-variable view passed to built-in
// adapters; it is supplied by the caller, never read from the live
// process environment at evaluation time, so that built-ins stay
// reproducible across runpack replay.
type EnvView map[string]string

// Adapter is the contract every provider — built-in, MCP/stdio, or
// MCP/HTTP — implements.
type Adapter interface {
	// ProviderID is the adapter's unique provider id.
	ProviderID() string

	// Query dispatches one predicate query. callerTime is the
	// caller-supplied timestamp (built-ins never read the wall clock
	// themselves); env is the caller-supplied environment view.
	Query(ctx context.Context, predicate string, params json.RawMessage, callerTime dgmodel.Timestamp, env EnvView) (dgmodel.EvidenceResult, error)

	// Close releases any transport resources (subprocess, HTTP
	// connection pool). Built-ins are no-ops.
	Close() error
}
