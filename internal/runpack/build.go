package runpack

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Sink is where a built runpack's artifacts and manifest land. The
// filesystem and object-store implementations are the two sinks named
// in the build protocol; both satisfy this interface identically so
// Build does not need to know which one it's writing to.
type Sink interface {
	WriteArtifact(ctx context.Context, path string, data []byte) error
	WriteManifest(ctx context.Context, manifest Manifest) error
	// Abort removes everything written so far. Build calls it on any
	// failure so a canceled or errored build never leaves a partial
	// runpack behind.
	Abort(ctx context.Context)
	Close() error
}

// BuildOptions carries the manifest fields that are not derived from
// the run state itself.
type BuildOptions struct {
	Tenant          string
	PathLimits      PathLimits
	SecurityContext map[string]any
	AnchorPolicy    map[string]any
}

type artifact struct {
	kind ArtifactKind
	data any
}

// Build renders a completed run's spec and logs into a runpack: one
// canonical-JSON artifact per log, a sorted file-hash list, a root
// hash over that list, and the manifest tying it all together. Any
// partial write is the sink's responsibility to roll back —
// FilesystemSink removes everything it wrote on a build error.
func Build(ctx context.Context, sink Sink, spec dgmodel.ScenarioSpec, specHash string, rs dgmodel.RunState, opts BuildOptions) (Manifest, error) {
	limits := opts.PathLimits
	if limits == (PathLimits{}) {
		limits = DefaultPathLimits()
	}

	fail := func(err error) (Manifest, error) {
		sink.Abort(ctx)
		return Manifest{}, err
	}

	artifacts := []artifact{
		{ArtifactScenarioSpec, spec},
		{ArtifactTriggerLog, rs.Triggers},
		{ArtifactGateEvalLog, rs.GateEvaluations},
		{ArtifactDecisionLog, rs.Decisions},
		{ArtifactPacketLog, rs.Packets},
		{ArtifactSubmissionLog, rs.Submissions},
		{ArtifactToolCallLog, rs.ToolCalls},
	}

	hashes := make([]FileHash, 0, len(artifacts))
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return fail(dgerr.Wrap(dgerr.Runpack, "build canceled", err))
		}

		path := string(a.kind)
		if err := validateRelativePath(path, limits); err != nil {
			return fail(err)
		}

		raw, err := canon.Marshal(a.data)
		if err != nil {
			return fail(dgerr.Wrap(dgerr.Internal, fmt.Sprintf("marshal artifact %q", path), err))
		}
		if len(raw) > limits.MaxArtifactBytes {
			return fail(dgerr.NewRunpack(fmt.Sprintf("artifact %q exceeds max size %d bytes", path, limits.MaxArtifactBytes)))
		}

		digest, err := canon.Hash(a.data)
		if err != nil {
			return fail(dgerr.Wrap(dgerr.Internal, fmt.Sprintf("hash artifact %q", path), err))
		}

		if err := sink.WriteArtifact(ctx, path, raw); err != nil {
			return fail(dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("write artifact %q", path), err))
		}

		hashes = append(hashes, FileHash{Path: path, Hash: digest.String()})
		paths = append(paths, path)
	}

	integrity, err := buildIntegrity(hashes)
	if err != nil {
		return fail(err)
	}

	manifest := Manifest{
		ManifestVersion: ManifestVersion,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Tenant:          opts.Tenant,
		Namespace:       rs.Key.NamespaceID,
		Scenario:        rs.ScenarioID,
		Run:             rs.Key.RunID,
		SpecHash:        specHash,
		HashAlgorithm:   "sha256",
		VerifierMode:    VerifierModeStrict,
		SecurityContext: opts.SecurityContext,
		AnchorPolicy:    opts.AnchorPolicy,
		Integrity:       integrity,
		Artifacts:       paths,
	}

	if err := sink.WriteManifest(ctx, manifest); err != nil {
		return fail(dgerr.Wrap(dgerr.Runpack, "write manifest", err))
	}

	return manifest, nil
}
