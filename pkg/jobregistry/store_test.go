package jobregistry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runningRecord(jobID, owner, sessionID string) *JobRecord {
	now := time.Now().UTC()
	return &JobRecord{
		JobID:      jobID,
		Owner:      owner,
		SessionID:  sessionID,
		Status:     StatusRunning,
		Parameters: map[string]any{"tree": "OTT-2024", "resolution": float64(4)},
		Invocation: []string{"nextflow", "run", "main.nf", "--tree", "OTT-2024"},
		PID:        4242,
		CreatedAt:  now,
		StartedAt:  &now,
	}
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := runningRecord("job-1", "alice", "sess-a")
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Owner != "alice" || got.SessionID != "sess-a" || got.Status != StatusRunning {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.Parameters["tree"] != "OTT-2024" {
		t.Fatalf("parameters not persisted: %+v", got.Parameters)
	}
	if len(got.Invocation) != 5 || got.Invocation[0] != "nextflow" {
		t.Fatalf("invocation not persisted: %+v", got.Invocation)
	}
	if got.PID != 4242 {
		t.Fatalf("pid not persisted: %d", got.PID)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_FinalizeIsMonotone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, runningRecord("job-1", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	code := 0
	if err := s.Finalize(ctx, "job-1", StatusCompleted, &code, "", ""); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	// A second terminal write must not overwrite the first.
	code1 := 1
	err := s.Finalize(ctx, "job-1", StatusFailed, &code1, "", "late failure")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning on second finalize, got %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("terminal status changed: %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("exit code lost: %+v", got.ExitCode)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestStore_FinalizeAborted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, runningRecord("job-1", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if err := s.Finalize(ctx, "job-1", StatusAborted, nil, "SIGTERM", "aborted by owner"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	got, _ := s.Get(ctx, "job-1")
	if got.Status != StatusAborted || got.TermSignal != "SIGTERM" {
		t.Fatalf("abort not recorded: %+v", got)
	}
}

func TestStore_ListByOwnerAndCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, runningRecord("job-1", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, runningRecord("job-2", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, runningRecord("job-3", "bob", "sess-b")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	mine, err := s.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner() error: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 jobs for alice, got %d", len(mine))
	}

	running, err := s.CountRunning(ctx)
	if err != nil {
		t.Fatalf("CountRunning() error: %v", err)
	}
	if running != 3 {
		t.Fatalf("expected 3 running, got %d", running)
	}

	n, err := s.CountBySession(ctx, "sess-a")
	if err != nil {
		t.Fatalf("CountBySession() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs in sess-a, got %d", n)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, runningRecord("job-1", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.StartHypothesis(ctx, "job-1"); err != nil {
		t.Fatalf("StartHypothesis: %v", err)
	}

	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_HypothesisLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, runningRecord("job-1", "alice", "sess-a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Before any submission the record reads as not started.
	rec, err := s.GetHypothesis(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetHypothesis() error: %v", err)
	}
	if rec.Status != HypothesisNotStarted {
		t.Fatalf("expected not_started, got %s", rec.Status)
	}

	if err := s.StartHypothesis(ctx, "job-1"); err != nil {
		t.Fatalf("StartHypothesis() error: %v", err)
	}
	rows := []ResultRow{{Metric: "pd", EntireArea: 10.5, Reference: 4.2, Test: 6.3}}
	if err := s.FinishHypothesis(ctx, "job-1", HypothesisCompleted, rows, ""); err != nil {
		t.Fatalf("FinishHypothesis() error: %v", err)
	}

	rec, err = s.GetHypothesis(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetHypothesis() error: %v", err)
	}
	if rec.Status != HypothesisCompleted || len(rec.Results) != 1 {
		t.Fatalf("unexpected hypothesis record: %+v", rec)
	}
	if rec.Results[0].Metric != "pd" || rec.Results[0].Test != 6.3 {
		t.Fatalf("result row mismatch: %+v", rec.Results[0])
	}

	// Resubmission replaces the completed record with a fresh running one.
	if err := s.StartHypothesis(ctx, "job-1"); err != nil {
		t.Fatalf("StartHypothesis() resubmit error: %v", err)
	}
	rec, _ = s.GetHypothesis(ctx, "job-1")
	if rec.Status != HypothesisRunning || len(rec.Results) != 0 || rec.CompletedAt != nil {
		t.Fatalf("resubmit did not reset record: %+v", rec)
	}
}
