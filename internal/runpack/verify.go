package runpack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Source reads a previously built runpack back for verification.
// FilesystemSource and ObjectStoreSource are the two implementations,
// mirroring Build's Sink pair.
type Source interface {
	ReadManifest(ctx context.Context) (Manifest, error)
	ReadArtifact(ctx context.Context, path string) ([]byte, error)
}

// VerifyReport is the offline verification protocol's output.
type VerifyReport struct {
	Status       string   `json:"status"` // "pass" | "fail"
	CheckedFiles int      `json:"checked_files"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *VerifyReport) fail(format string, args ...any) {
	r.Status = "fail"
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Verify replays the runpack verification protocol against source: it
// never mutates anything it reads. Every failure mode is recorded in
// the returned report rather than short-circuiting, so a single run
// surfaces every mismatch at once.
func Verify(ctx context.Context, source Source, limits PathLimits) (VerifyReport, error) {
	if limits == (PathLimits{}) {
		limits = DefaultPathLimits()
	}
	report := VerifyReport{Status: "pass"}

	manifest, err := source.ReadManifest(ctx)
	if err != nil {
		report.fail("read manifest: %v", err)
		return report, nil
	}

	for _, path := range manifest.Artifacts {
		if err := validateRelativePath(path, limits); err != nil {
			report.fail("artifact %q: %v", path, err)
			continue
		}

		raw, err := source.ReadArtifact(ctx, path)
		if err != nil {
			report.fail("read artifact %q: %v", path, err)
			continue
		}
		report.CheckedFiles++

		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			report.fail("artifact %q is not valid JSON: %v", path, err)
			continue
		}
		digest, err := canon.Hash(generic)
		if err != nil {
			report.fail("hash artifact %q: %v", path, err)
			continue
		}

		want := findFileHash(manifest.Integrity.FileHashes, path)
		if want == "" {
			report.fail("artifact %q is not listed in file_hashes", path)
			continue
		}
		if digest.String() != want {
			report.fail("%s hash mismatch", path)
		}
	}

	recomputed, err := buildIntegrity(manifest.Integrity.FileHashes)
	if err != nil {
		report.fail("recompute root hash: %v", err)
	} else if recomputed.RootHash != manifest.Integrity.RootHash {
		report.fail("root_hash mismatch")
	}

	if decisionRaw, ok := findArtifactData(ctx, source, manifest.Artifacts, ArtifactDecisionLog); ok {
		var decisions []dgmodel.Decision
		if err := json.Unmarshal(decisionRaw, &decisions); err != nil {
			report.fail("decode %s: %v", ArtifactDecisionLog, err)
		} else if dup := firstDuplicateTriggerID(decisions); dup != "" {
			report.fail("decision_log.json contains duplicate trigger_id %q", dup)
		}
	}

	if manifest.AnchorPolicy != nil {
		verifyAnchorCoverage(ctx, source, manifest, &report)
	}

	return report, nil
}

// verifyAnchorCoverage replays the scenario's declared anchor policy
// against the gate-evaluation log. Anchor enforcement itself already
// ran once, live, inside Federation.Query at evaluation time — a
// violation there downgrades the offending predicate to Unknown before
// it is ever traced. Offline verification has no provider to
// re-dispatch to and the trace records only a predicate's Tri result,
// not the raw evidence or anchor it was enforced against, so it cannot
// re-derive that per-value judgment. What it can check is coverage:
// every predicate whose provider is named in an anchor policy must
// actually appear in the recorded trace, so a predicate cannot be
// evaluated as if no anchor policy applied to its provider by being
// silently absent from the log entirely.
func verifyAnchorCoverage(ctx context.Context, source Source, manifest Manifest, report *VerifyReport) {
	specRaw, ok := findArtifactData(ctx, source, manifest.Artifacts, ArtifactScenarioSpec)
	if !ok {
		report.fail("anchor policy replay: %s not found among artifacts", ArtifactScenarioSpec)
		return
	}
	var spec dgmodel.ScenarioSpec
	if err := json.Unmarshal(specRaw, &spec); err != nil {
		report.fail("decode %s: %v", ArtifactScenarioSpec, err)
		return
	}
	if len(spec.Anchors) == 0 {
		return
	}

	anchoredProviders := make(map[string]bool, len(spec.Anchors))
	for _, a := range spec.Anchors {
		anchoredProviders[a.ProviderID] = true
	}
	anchoredPredicates := make(map[string]bool)
	for _, p := range spec.Predicates {
		if anchoredProviders[p.Query.ProviderID] {
			anchoredPredicates[p.Name] = true
		}
	}
	if len(anchoredPredicates) == 0 {
		return
	}

	gateEvalRaw, ok := findArtifactData(ctx, source, manifest.Artifacts, ArtifactGateEvalLog)
	if !ok {
		report.fail("anchor policy replay: %s not found among artifacts", ArtifactGateEvalLog)
		return
	}
	var evals []dgmodel.GateEvaluation
	if err := json.Unmarshal(gateEvalRaw, &evals); err != nil {
		report.fail("decode %s: %v", ArtifactGateEvalLog, err)
		return
	}

	traced := make(map[string]bool)
	for _, eval := range evals {
		for _, t := range eval.Trace {
			traced[t.Predicate] = true
		}
	}
	for name := range anchoredPredicates {
		if !traced[name] {
			report.fail("anchored predicate %q never appears in %s", name, ArtifactGateEvalLog)
		}
	}
}

func findFileHash(hashes []FileHash, path string) string {
	for _, h := range hashes {
		if h.Path == path {
			return h.Hash
		}
	}
	return ""
}

func findArtifactData(ctx context.Context, source Source, artifacts []string, kind ArtifactKind) ([]byte, bool) {
	for _, path := range artifacts {
		if path == string(kind) {
			raw, err := source.ReadArtifact(ctx, path)
			if err != nil {
				return nil, false
			}
			return raw, true
		}
	}
	return nil, false
}

func firstDuplicateTriggerID(decisions []dgmodel.Decision) string {
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if d.TriggerID == "" {
			continue
		}
		if seen[d.TriggerID] {
			return d.TriggerID
		}
		seen[d.TriggerID] = true
	}
	return ""
}
