package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ausmarton/agentforge/pkg/runtypes"
)

func samplePlan() runtypes.OrchestrationPlan {
	return runtypes.OrchestrationPlan{
		Mode: runtypes.ModeSequential,
		Briefs: []runtypes.SpecialistBrief{
			{SpecialistID: "research", Brief: "look into it"},
			{SpecialistID: "engineering", Brief: "build it"},
		},
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	cp := &runtypes.Checkpoint{RunID: "run-1", Plan: samplePlan()}
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.RunID != "run-1" {
		t.Fatalf("expected to load back run-1, got %+v", loaded)
	}
	if loaded.CreatedAt.IsZero() || loaded.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be stamped on save")
	}
	if diff := cmp.Diff(samplePlan(), loaded.Plan); diff != "" {
		t.Fatalf("plan round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileReturnsNilNotError(t *testing.T) {
	store := NewStore(t.TempDir())
	cp, err := store.Load()
	if err != nil {
		t.Fatalf("expected no error for a missing checkpoint, got %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	cp := &runtypes.Checkpoint{RunID: "run-1", Plan: samplePlan()}
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName+".tmp")); !os.IsNotExist(err) {
		t.Fatal("expected the temp file to be renamed away, not left behind")
	}
}

func TestMarkSpecialistDoneAccumulatesAndSeeds(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	cp := &runtypes.Checkpoint{RunID: "run-1", Plan: samplePlan()}

	payload := json.RawMessage(`{"summary":"researched it"}`)
	if err := store.MarkSpecialistDone(cp, "research", payload); err != nil {
		t.Fatalf("MarkSpecialistDone: %v", err)
	}
	if len(cp.CompletedSpecialistIDs) != 1 || cp.CompletedSpecialistIDs[0] != "research" {
		t.Fatalf("expected research recorded as completed, got %v", cp.CompletedSpecialistIDs)
	}
	if string(cp.LastFinishPayload) != string(payload) {
		t.Fatalf("expected last finish payload to be seeded, got %s", cp.LastFinishPayload)
	}

	// Marking it done a second time must not duplicate the id.
	if err := store.MarkSpecialistDone(cp, "research", payload); err != nil {
		t.Fatalf("MarkSpecialistDone (repeat): %v", err)
	}
	if len(cp.CompletedSpecialistIDs) != 1 {
		t.Fatalf("expected no duplicate entry, got %v", cp.CompletedSpecialistIDs)
	}
}

func TestPendingSkipsCompletedAndPreservesOrder(t *testing.T) {
	cp := &runtypes.Checkpoint{Plan: samplePlan(), CompletedSpecialistIDs: []string{"research"}}
	pending := Pending(cp)
	if len(pending) != 1 || pending[0].SpecialistID != "engineering" {
		t.Fatalf("expected only engineering pending, got %+v", pending)
	}
}

func TestDeleteRemovesCheckpointAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	cp := &runtypes.Checkpoint{RunID: "run-1", Plan: samplePlan()}
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName)); !os.IsNotExist(err) {
		t.Fatal("expected checkpoint file to be gone")
	}
	if err := store.Delete(); err != nil {
		t.Fatalf("expected a second Delete to be a no-op, got %v", err)
	}
}
