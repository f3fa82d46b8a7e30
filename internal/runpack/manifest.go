// Package runpack implements the Runpack Builder/Verifier (C9): a
// content-addressed bundle of a completed run's spec and append-only
// logs, built once for offline audit and re-verifiable without any
// live system state. Artifacts are bundled and pushed/pulled as OCI
// blobs via oras-go; the runpack-relative path constraints the build
// and verify protocols both enforce follow a resolvePath/pathIsWithin
// path-traversal defense.
package runpack

import (
	"fmt"
	"sort"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// ArtifactKind names one of the fixed set of files a runpack bundles.
type ArtifactKind string

const (
	ArtifactScenarioSpec       ArtifactKind = "scenario_spec.json"
	ArtifactTriggerLog         ArtifactKind = "trigger_log.json"
	ArtifactGateEvalLog        ArtifactKind = "gate_eval_log.json"
	ArtifactDecisionLog        ArtifactKind = "decision_log.json"
	ArtifactPacketLog          ArtifactKind = "packet_log.json"
	ArtifactSubmissionLog      ArtifactKind = "submission_log.json"
	ArtifactToolCallLog        ArtifactKind = "tool_call_log.json"
	ArtifactVerificationReport ArtifactKind = "verification_report.json"
)

// VerifierMode records how strictly Verify should apply anchor replay
// — scenarios built without any declared anchor policy simply skip
// that step, so the mode is informational for the report rather than
// something Verify branches on today.
type VerifierMode string

const (
	VerifierModeStrict VerifierMode = "strict"
)

// FileHash is one entry in the manifest's sorted integrity list.
type FileHash struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Integrity is the manifest's hash-of-hashes section.
type Integrity struct {
	FileHashes []FileHash `json:"file_hashes"`
	RootHash   string     `json:"root_hash"`
}

// Manifest is the runpack's top-level, machine-verifiable index.
type Manifest struct {
	ManifestVersion int            `json:"manifest_version"`
	GeneratedAt     string         `json:"generated_at"`
	Tenant          string         `json:"tenant"`
	Namespace       string         `json:"namespace"`
	Scenario        string         `json:"scenario"`
	Run             string         `json:"run"`
	SpecHash        string         `json:"spec_hash"`
	HashAlgorithm   string         `json:"hash_algorithm"`
	VerifierMode    VerifierMode   `json:"verifier_mode"`
	SecurityContext map[string]any `json:"security_context,omitempty"`
	AnchorPolicy    map[string]any `json:"anchor_policy,omitempty"`
	Integrity       Integrity      `json:"integrity"`
	Artifacts       []string       `json:"artifacts"`
}

const ManifestVersion = 1

// PathLimits bounds the runpack-relative paths a build or verify pass
// will accept, defending against both path-traversal and pathological
// oversized inputs.
type PathLimits struct {
	MaxTotalPathLength int
	MaxComponentLength int
	MaxArtifactBytes   int
}

// DefaultPathLimits are generous but finite bounds suitable for the
// fixed artifact-kind set this package writes.
func DefaultPathLimits() PathLimits {
	return PathLimits{
		MaxTotalPathLength: 255,
		MaxComponentLength: 128,
		MaxArtifactBytes:   64 * 1024 * 1024,
	}
}

// validateRelativePath rejects any path that is absolute, escapes the
// runpack root, or exceeds the configured length bounds. A pure string
// check, since a runpack path is never resolved against a real
// filesystem root until a sink writes it.
func validateRelativePath(path string, limits PathLimits) error {
	if path == "" {
		return dgerr.NewRunpack("artifact path must not be empty")
	}
	if len(path) > limits.MaxTotalPathLength {
		return dgerr.NewRunpack(fmt.Sprintf("artifact path %q exceeds max length %d", path, limits.MaxTotalPathLength))
	}
	if path[0] == '/' || path[0] == '\\' {
		return dgerr.NewRunpack(fmt.Sprintf("artifact path %q must be relative", path))
	}
	for _, component := range splitPath(path) {
		if component == ".." || component == "." {
			return dgerr.NewRunpack(fmt.Sprintf("artifact path %q must not contain . or .. components", path))
		}
		if len(component) > limits.MaxComponentLength {
			return dgerr.NewRunpack(fmt.Sprintf("artifact path %q has a component exceeding max length %d", path, limits.MaxComponentLength))
		}
	}
	return nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' || path[i] == '\\' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// buildIntegrity sorts the given file hashes lexicographically by path
// and computes a root hash over their canonical serialization, so
// reordering or omitting any entry changes the root hash.
func buildIntegrity(hashes []FileHash) (Integrity, error) {
	sorted := make([]FileHash, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	digest, err := canon.Hash(sorted)
	if err != nil {
		return Integrity{}, dgerr.Wrap(dgerr.Internal, "hash runpack file list", err)
	}
	return Integrity{FileHashes: sorted, RootHash: digest.String()}, nil
}
