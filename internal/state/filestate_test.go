package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileState_CheckpointsAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	if err := fs.AdvanceCheckpoint("contacts", `{"offset":100,"completed":false}`, "full"); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}
	if err := fs.AdvanceCheckpoint("tags", `{"offset":0,"completed":true}`, "incremental"); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	// Check state file exists
	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		t.Fatal("state file not created")
	}

	// Reopen from disk and verify everything survived
	fs2, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState reload: %v", err)
	}
	cp, err := fs2.GetCheckpoint("contacts")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("checkpoint lost across reload")
	}
	if cp.Cursor != `{"offset":100,"completed":false}` {
		t.Errorf("Cursor = %q", cp.Cursor)
	}
	if cp.Mode != "full" {
		t.Errorf("Mode = %q, want full", cp.Mode)
	}

	cps, err := fs2.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("ListCheckpoints len = %d, want 2", len(cps))
	}
	if cps[0].EntityType != "contacts" || cps[1].EntityType != "tags" {
		t.Errorf("order = [%s, %s], want [contacts, tags]", cps[0].EntityType, cps[1].EntityType)
	}

	if err := fs2.ResetCheckpoint("contacts"); err != nil {
		t.Fatalf("ResetCheckpoint: %v", err)
	}
	cp, err = fs2.GetCheckpoint("contacts")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil checkpoint after reset, got %+v", cp)
	}
}

func TestFileState_Ledger(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	id1, err := fs.AppendError(&ErrorRecord{
		EntityType: "orders",
		EntityID:   "101",
		Kind:       KindDependencyMissing,
		Message:    "contact 55 not loaded",
		RawPayload: []byte(`{"id":101,"contact_id":55}`),
		RefType:    "contacts",
		RefID:      "55",
	})
	if err != nil {
		t.Fatalf("AppendError: %v", err)
	}
	if id1 == 0 {
		t.Fatal("expected non-zero error id")
	}

	id2, err := fs.AppendError(&ErrorRecord{
		EntityType: "notes", EntityID: "9", Kind: KindValidation, Message: "missing body",
	})
	if err != nil {
		t.Fatalf("AppendError: %v", err)
	}
	if id2 == id1 {
		t.Fatal("distinct entries share an id")
	}

	// Supersede keeps the id and the retry count
	if _, err := fs.IncrementErrorRetry(id1); err != nil {
		t.Fatalf("IncrementErrorRetry: %v", err)
	}
	again, err := fs.AppendError(&ErrorRecord{
		EntityType: "orders", EntityID: "101", Kind: KindDependencyMissing,
		Message: "still waiting", RefType: "contacts", RefID: "55",
	})
	if err != nil {
		t.Fatalf("AppendError supersede: %v", err)
	}
	if again != id1 {
		t.Errorf("supersede id = %d, want %d", again, id1)
	}
	rec, err := fs.GetError(id1)
	if err != nil {
		t.Fatalf("GetError: %v", err)
	}
	if rec.Message != "still waiting" {
		t.Errorf("Message = %q", rec.Message)
	}
	if rec.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rec.RetryCount)
	}

	refs, err := fs.DistinctMissingReferences()
	if err != nil {
		t.Fatalf("DistinctMissingReferences: %v", err)
	}
	if len(refs) != 1 || refs[0].Type != "contacts" || refs[0].ID != "55" {
		t.Errorf("refs = %v, want [{contacts 55}]", refs)
	}

	blocked, err := fs.ListErrorsByReference("contacts", "55")
	if err != nil {
		t.Fatalf("ListErrorsByReference: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != id1 {
		t.Errorf("blocked = %+v", blocked)
	}

	// Permanent entries leave the sweep queries but keep counting as unresolved
	if err := fs.MarkErrorPermanent(id1); err != nil {
		t.Fatalf("MarkErrorPermanent: %v", err)
	}
	refs, err = fs.DistinctMissingReferences()
	if err != nil {
		t.Fatalf("DistinctMissingReferences: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs after permanent = %v, want none", refs)
	}
	count, err := fs.CountUnresolvedErrors()
	if err != nil {
		t.Fatalf("CountUnresolvedErrors: %v", err)
	}
	if count != 2 {
		t.Errorf("CountUnresolvedErrors = %d, want 2", count)
	}

	// Permanent entries are never superseded
	if _, err := fs.AppendError(&ErrorRecord{
		EntityType: "orders", EntityID: "101", Kind: KindValidation, Message: "would overwrite",
	}); err != nil {
		t.Fatalf("AppendError on permanent: %v", err)
	}
	rec, err = fs.GetError(id1)
	if err != nil {
		t.Fatalf("GetError: %v", err)
	}
	if rec.Message != "still waiting" {
		t.Errorf("permanent entry overwritten: %q", rec.Message)
	}

	if err := fs.MarkErrorResolved(id2); err != nil {
		t.Fatalf("MarkErrorResolved: %v", err)
	}
	count, err = fs.CountUnresolvedErrors()
	if err != nil {
		t.Fatalf("CountUnresolvedErrors: %v", err)
	}
	if count != 1 {
		t.Errorf("CountUnresolvedErrors = %d, want 1", count)
	}

	// Ids keep growing after a reload
	fs2, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState reload: %v", err)
	}
	id3, err := fs2.AppendError(&ErrorRecord{
		EntityType: "tasks", EntityID: "3", Kind: KindTransientExhausted, Message: "timeout",
	})
	if err != nil {
		t.Fatalf("AppendError after reload: %v", err)
	}
	if id3 <= id2 {
		t.Errorf("id after reload = %d, want > %d", id3, id2)
	}
	rec, err = fs2.GetError(id1)
	if err != nil {
		t.Fatalf("GetError after reload: %v", err)
	}
	if rec == nil || !rec.Permanent || rec.RetryCount != 1 {
		t.Errorf("entry lost detail across reload: %+v", rec)
	}
	if string(rec.RawPayload) != `{"id":101,"contact_id":55}` {
		t.Errorf("RawPayload = %s", rec.RawPayload)
	}
}

func TestFileState_RunLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	if err := fs.CreateRun("run-1", "full", []string{"contacts", "orders"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Mismatched run ids are rejected
	if err := fs.CompleteRun("other", "success", ""); err == nil {
		t.Error("expected run ID mismatch error")
	}
	if err := fs.RecordEntityResult(&EntityResult{RunID: "other", EntityType: "contacts"}); err == nil {
		t.Error("expected run ID mismatch error")
	}

	if err := fs.RecordEntityResult(&EntityResult{
		RunID: "run-1", EntityType: "contacts", Status: "success", Succeeded: 120,
	}); err != nil {
		t.Fatalf("RecordEntityResult: %v", err)
	}
	if err := fs.RecordEntityResult(&EntityResult{
		RunID: "run-1", EntityType: "contacts", Status: "success", Succeeded: 125, Skipped: 2,
	}); err != nil {
		t.Fatalf("RecordEntityResult upsert: %v", err)
	}
	results, err := fs.GetEntityResults("run-1")
	if err != nil {
		t.Fatalf("GetEntityResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results len = %d, want 1 after upsert", len(results))
	}
	if results[0].Succeeded != 125 || results[0].Skipped != 2 {
		t.Errorf("result = %+v, want updated counts", results[0])
	}

	if err := fs.CompleteRun("run-1", "success", ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	run, err := fs.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if run == nil || run.Status != "success" || run.CompletedAt == nil {
		t.Fatalf("run = %+v, want completed success", run)
	}

	// A new run replaces the old one; the file backend keeps no history
	if err := fs.CreateRun("run-2", "incremental", []string{"contacts"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run, err := fs.GetRun("run-1"); err != nil || run != nil {
		t.Errorf("GetRun(run-1) = %+v, %v, want nil", run, err)
	}
	runs, err := fs.GetAllRuns()
	if err != nil {
		t.Fatalf("GetAllRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-2" {
		t.Errorf("GetAllRuns = %+v, want only run-2", runs)
	}
}

func TestFileState_LoadExisting(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	existingState := `checkpoints:
  contacts:
    cursor: '{"offset":200,"completed":true}'
    mode: full
    updated_at: 2026-08-20T10:00:00Z
last_error_id: 1
errors:
  - id: 1
    entity_type: orders
    entity_id: "101"
    kind: dependency_missing
    message: contact 55 not loaded
    ref_type: contacts
    ref_id: "55"
    retry_count: 2
    first_seen_at: 2026-08-20T10:00:00Z
    last_attempt_at: 2026-08-20T11:00:00Z
    resolved: false
run:
  id: run-9
  mode: incremental
  entities:
    - contacts
    - orders
  started_at: 2026-08-20T09:00:00Z
  status: running
`
	if err := os.WriteFile(stateFile, []byte(existingState), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	cp, err := fs.GetCheckpoint("contacts")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("expected checkpoint from existing file")
	}
	if cp.Cursor != `{"offset":200,"completed":true}` {
		t.Errorf("Cursor = %q", cp.Cursor)
	}

	rec, err := fs.GetError(1)
	if err != nil {
		t.Fatalf("GetError: %v", err)
	}
	if rec == nil {
		t.Fatal("expected ledger entry from existing file")
	}
	if rec.RetryCount != 2 || rec.RefType != "contacts" || rec.RefID != "55" {
		t.Errorf("entry = %+v", rec)
	}

	run, err := fs.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if run == nil || run.ID != "run-9" || run.Status != "running" {
		t.Fatalf("run = %+v, want run-9 running", run)
	}

	// New entries continue from the stored counter
	id, err := fs.AppendError(&ErrorRecord{
		EntityType: "tags", EntityID: "5", Kind: KindValidation, Message: "bad name",
	})
	if err != nil {
		t.Fatalf("AppendError: %v", err)
	}
	if id != 2 {
		t.Errorf("next id = %d, want 2", id)
	}
}
