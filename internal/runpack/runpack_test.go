package runpack

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

func sampleSpec() dgmodel.ScenarioSpec {
	return dgmodel.ScenarioSpec{
		ScenarioID:  "approval-flow",
		NamespaceID: "default",
		SpecVersion: "1",
		EntryStage:  "await-approval",
		Predicates: []dgmodel.PredicateDef{
			{
				Name:       "manager_approved",
				Comparator: dgmodel.CmpEquals,
				Query:      dgmodel.EvidenceQuery{ProviderID: "ledger", Predicate: "approval"},
			},
		},
		Stages: []dgmodel.Stage{
			{
				ID: "await-approval",
				Gates: []dgmodel.Gate{
					{ID: "approval-gate", Requirement: dgmodel.Requirement{Kind: dgmodel.ReqLeaf, Predicate: "manager_approved"}},
				},
				Advance: dgmodel.AdvanceRule{Kind: dgmodel.AdvanceTerminal},
			},
		},
	}
}

func sampleRunState(runID string) dgmodel.RunState {
	return dgmodel.RunState{
		Key:          dgmodel.RunKey{TenantID: "acme", NamespaceID: "default", RunID: runID},
		ScenarioID:   "approval-flow",
		SpecHash:     "sha256:deadbeef",
		CurrentStage: "await-approval",
		Status:       dgmodel.StatusCompleted,
		Triggers: []dgmodel.Trigger{
			{Seq: 0, TriggerID: "trg-1", Kind: "start", At: dgmodel.NewUnixMillis(1000)},
		},
		GateEvaluations: []dgmodel.GateEvaluation{
			{
				Seq:    1,
				GateID: "approval-gate",
				Result: dgmodel.True,
				Trace:  []dgmodel.PredicateTrace{{Predicate: "manager_approved", Result: dgmodel.True}},
			},
		},
		Decisions: []dgmodel.Decision{
			{Seq: 2, TriggerID: "trg-1", Kind: dgmodel.DecisionComplete, FromStage: "await-approval"},
		},
		Packets:     []dgmodel.Packet{},
		Submissions: []dgmodel.Submission{},
		ToolCalls:   []dgmodel.ToolCall{},
	}
}

func buildSample(t *testing.T, dir string) Manifest {
	t.Helper()
	sink, err := NewFilesystemSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	manifest, err := Build(context.Background(), sink, sampleSpec(), "sha256:specdigest", sampleRunState("r1"), BuildOptions{Tenant: "acme"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return manifest
}

func TestBuildThenVerifyRoundTripsClean(t *testing.T) {
	dir := t.TempDir()
	manifest := buildSample(t, dir)
	if manifest.Run != "r1" {
		t.Fatalf("unexpected run id: %q", manifest.Run)
	}
	if len(manifest.Integrity.FileHashes) != 7 {
		t.Fatalf("expected 7 artifacts, got %d", len(manifest.Integrity.FileHashes))
	}

	report, err := Verify(context.Background(), NewFilesystemSource(dir), DefaultPathLimits())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Status != "pass" {
		t.Fatalf("expected pass, got %+v", report)
	}
	if report.CheckedFiles != 7 {
		t.Fatalf("expected 7 checked files, got %d", report.CheckedFiles)
	}
}

func TestBuildIsDeterministicAcrossRuns(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	manifestA := buildSample(t, dirA)
	manifestB := buildSample(t, dirB)

	if manifestA.Integrity.RootHash != manifestB.Integrity.RootHash {
		t.Fatalf("root hash differs across identical builds: %q vs %q", manifestA.Integrity.RootHash, manifestB.Integrity.RootHash)
	}
	for i := range manifestA.Integrity.FileHashes {
		if manifestA.Integrity.FileHashes[i] != manifestB.Integrity.FileHashes[i] {
			t.Fatalf("file hash %d differs: %+v vs %+v", i, manifestA.Integrity.FileHashes[i], manifestB.Integrity.FileHashes[i])
		}
	}
}

func TestVerifyDetectsTamperedArtifact(t *testing.T) {
	dir := t.TempDir()
	buildSample(t, dir)

	path := filepath.Join(dir, string(ArtifactDecisionLog))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var decisions []dgmodel.Decision
	if err := json.Unmarshal(raw, &decisions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decisions[0].FailReason = "tampered"
	tampered, err := json.Marshal(decisions)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	report, err := Verify(context.Background(), NewFilesystemSource(dir), DefaultPathLimits())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Status != "fail" {
		t.Fatal("expected tamper to be detected")
	}
	found := false
	for _, e := range report.Errors {
		if e == string(ArtifactDecisionLog)+" hash mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a decision_log.json hash mismatch error, got %v", report.Errors)
	}
}

func TestVerifyDetectsDuplicateTriggerID(t *testing.T) {
	dir := t.TempDir()
	rs := sampleRunState("r1")
	rs.Decisions = append(rs.Decisions, dgmodel.Decision{Seq: 3, TriggerID: "trg-1", Kind: dgmodel.DecisionAdvance})

	sink, err := NewFilesystemSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if _, err := Build(context.Background(), sink, sampleSpec(), "sha256:specdigest", rs, BuildOptions{Tenant: "acme"}); err != nil {
		t.Fatalf("build: %v", err)
	}

	report, err := Verify(context.Background(), NewFilesystemSource(dir), DefaultPathLimits())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Status != "fail" {
		t.Fatal("expected duplicate trigger_id to be detected")
	}
}

func TestVerifyDetectsMissingAnchorCoverage(t *testing.T) {
	dir := t.TempDir()
	spec := sampleSpec()
	spec.Anchors = []dgmodel.AnchorPolicy{
		{ProviderID: "ledger", AnchorType: "file", RequiredFields: []string{"path"}},
	}
	// manager_approved's evidence is queried against the ledger provider,
	// but the run state's only gate evaluation omits it from the trace —
	// simulating a predicate that was never actually evaluated despite
	// its provider carrying an anchor requirement.
	rs := sampleRunState("r1")
	rs.GateEvaluations = []dgmodel.GateEvaluation{
		{Seq: 1, GateID: "approval-gate", Result: dgmodel.Unknown, Trace: nil},
	}

	sink, err := NewFilesystemSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	opts := BuildOptions{Tenant: "acme", AnchorPolicy: map[string]any{"required": true}}
	if _, err := Build(context.Background(), sink, spec, "sha256:specdigest", rs, opts); err != nil {
		t.Fatalf("build: %v", err)
	}

	report, err := Verify(context.Background(), NewFilesystemSource(dir), DefaultPathLimits())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Status != "fail" {
		t.Fatalf("expected missing anchor coverage to be detected, got %+v", report)
	}
}

func TestBuildRejectsPathTraversalArtifactPath(t *testing.T) {
	limits := DefaultPathLimits()
	if err := validateRelativePath("../../etc/passwd", limits); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
	if err := validateRelativePath("/absolute/path.json", limits); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
	if err := validateRelativePath("scenario_spec.json", limits); err != nil {
		t.Fatalf("expected well-formed relative path to be accepted, got %v", err)
	}
}

func TestBuildRejectsOversizedArtifact(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFilesystemSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	opts := BuildOptions{Tenant: "acme", PathLimits: PathLimits{MaxTotalPathLength: 255, MaxComponentLength: 128, MaxArtifactBytes: 4}}
	_, err = Build(context.Background(), sink, sampleSpec(), "sha256:specdigest", sampleRunState("r1"), opts)
	if err == nil {
		t.Fatal("expected oversized artifact to be rejected")
	}
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatalf("read dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected failed build to leave no partial artifacts, found %v", entries)
	}
}

func TestFilesystemSourceRejectsEscapingArtifactPath(t *testing.T) {
	dir := t.TempDir()
	buildSample(t, dir)
	source := NewFilesystemSource(dir)
	if _, err := source.ReadArtifact(context.Background(), "../outside.json"); err == nil {
		t.Fatal("expected escaping artifact path to be rejected")
	}
}
