package runstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

func sampleRun(runID string) dgmodel.RunState {
	return dgmodel.RunState{
		Key:          dgmodel.RunKey{NamespaceID: "default", RunID: runID},
		ScenarioID:   "approval-flow",
		SpecHash:     "sha256:deadbeef",
		CurrentStage: "await-approval",
		Status:       dgmodel.StatusActive,
	}
}

func runStoreConformanceSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateThenLoadRoundTrips", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		rs := sampleRun("r1")
		if err := s.Create(context.Background(), rs); err != nil {
			t.Fatalf("create: %v", err)
		}
		loaded, err := s.Load(context.Background(), rs.Key)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if loaded.ScenarioID != rs.ScenarioID || loaded.CurrentStage != rs.CurrentStage {
			t.Fatalf("loaded run does not match: %+v", loaded)
		}
	})

	t.Run("CreateDuplicateFails", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		rs := sampleRun("r1")
		if err := s.Create(context.Background(), rs); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := s.Create(context.Background(), rs)
		if err == nil {
			t.Fatal("expected duplicate create to fail")
		}
		if de, ok := dgerr.As(err); !ok || de.Code != dgerr.Conflict {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("SaveRequiresExistingRun", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		err := s.Save(context.Background(), sampleRun("missing"))
		if de, ok := dgerr.As(err); !ok || de.Code != dgerr.NotFound {
			t.Fatalf("expected not_found, got %v", err)
		}
	})

	t.Run("SavePersistsMutation", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		rs := sampleRun("r1")
		if err := s.Create(context.Background(), rs); err != nil {
			t.Fatalf("create: %v", err)
		}
		rs.Status = dgmodel.StatusCompleted
		rs.CurrentStage = ""
		if err := s.Save(context.Background(), rs); err != nil {
			t.Fatalf("save: %v", err)
		}
		loaded, err := s.Load(context.Background(), rs.Key)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if loaded.Status != dgmodel.StatusCompleted {
			t.Fatalf("expected completed status, got %q", loaded.Status)
		}
	})

	t.Run("LoadUnknownRunIsNotFound", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		_, err := s.Load(context.Background(), dgmodel.RunKey{NamespaceID: "default", RunID: "nope"})
		if de, ok := dgerr.As(err); !ok || de.Code != dgerr.NotFound {
			t.Fatalf("expected not_found, got %v", err)
		}
	})

	t.Run("ListFiltersByNamespace", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		a := sampleRun("r1")
		b := sampleRun("r2")
		b.Key.NamespaceID = "other"
		if err := s.Create(context.Background(), a); err != nil {
			t.Fatalf("create a: %v", err)
		}
		if err := s.Create(context.Background(), b); err != nil {
			t.Fatalf("create b: %v", err)
		}
		page, err := s.List(context.Background(), "", "default", "", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Keys) != 1 || page.Keys[0].RunID != "r1" {
			t.Fatalf("expected only r1 in default namespace, got %+v", page.Keys)
		}
		if page.NextCursor != "" {
			t.Fatalf("expected no next cursor, got %q", page.NextCursor)
		}
	})

	t.Run("ListPaginatesByCursor", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		for _, id := range []string{"r1", "r2", "r3"} {
			if err := s.Create(context.Background(), sampleRun(id)); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}

		first, err := s.List(context.Background(), "", "default", "", 2)
		if err != nil {
			t.Fatalf("list first page: %v", err)
		}
		if len(first.Keys) != 2 || first.Keys[0].RunID != "r1" || first.Keys[1].RunID != "r2" {
			t.Fatalf("unexpected first page: %+v", first.Keys)
		}
		if first.NextCursor != "r2" {
			t.Fatalf("expected next cursor %q, got %q", "r2", first.NextCursor)
		}

		second, err := s.List(context.Background(), "", "default", first.NextCursor, 2)
		if err != nil {
			t.Fatalf("list second page: %v", err)
		}
		if len(second.Keys) != 1 || second.Keys[0].RunID != "r3" {
			t.Fatalf("unexpected second page: %+v", second.Keys)
		}
		if second.NextCursor != "" {
			t.Fatalf("expected no next cursor on final page, got %q", second.NextCursor)
		}
	})

	t.Run("PurgeRemovesOnlyTerminalRunsPastCutoff", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		active := sampleRun("active")
		completed := sampleRun("completed")
		completed.Status = dgmodel.StatusCompleted
		if err := s.Create(context.Background(), active); err != nil {
			t.Fatalf("create active: %v", err)
		}
		if err := s.Create(context.Background(), completed); err != nil {
			t.Fatalf("create completed: %v", err)
		}

		removed, err := s.Purge(context.Background(), 0)
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if removed != 1 {
			t.Fatalf("expected 1 terminal run removed, got %d", removed)
		}
		if _, err := s.Load(context.Background(), active.Key); err != nil {
			t.Fatalf("active run should survive purge: %v", err)
		}
		if _, err := s.Load(context.Background(), completed.Key); err == nil {
			t.Fatal("expected completed run to be purged")
		}
	})
}

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformanceSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformanceSuite(t, func(t *testing.T) Store {
		dsn := filepath.Join(t.TempDir(), "runstate.db")
		s, err := NewSQLStore(DriverSQLite, dsn)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		return s
	})
}

func TestSQLiteStoreDetectsCorruption(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "runstate.db")
	s, err := NewSQLStore(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer s.Close()

	rs := sampleRun("r1")
	if err := s.Create(context.Background(), rs); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE runs SET snapshot = REPLACE(snapshot, 'await-approval', 'tampered-stage') WHERE run_id = ?`, "r1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = s.Load(context.Background(), rs.Key)
	if de, ok := dgerr.As(err); !ok || de.Code != dgerr.ControlPlane {
		t.Fatalf("expected control_plane corruption error, got %v", err)
	}
}

func TestRetentionPolicyParsesStandardCronExpression(t *testing.T) {
	policy, err := NewRetentionPolicy("0 3 * * *", 24*time.Hour)
	if err != nil {
		t.Fatalf("parse retention policy: %v", err)
	}
	if policy.Schedule == nil {
		t.Fatal("expected a parsed schedule")
	}
}

func TestRetentionPolicyRejectsInvalidSchedule(t *testing.T) {
	_, err := NewRetentionPolicy("not a cron expression", time.Hour)
	if de, ok := dgerr.As(err); !ok || de.Code != dgerr.InvalidParams {
		t.Fatalf("expected invalid_params, got %v", err)
	}
}
