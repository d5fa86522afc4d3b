package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-deploy/strata/pkg/engine"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func sampleReport(runID string) *engine.RunReport {
	started := time.Now().Add(-2 * time.Second)
	return &engine.RunReport{
		RunID:       runID,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Duration:    2 * time.Second,
		Summary: engine.RunSummary{
			Total:   3,
			Created: 2,
			Failed:  1,
		},
	}
}

func TestHistoryRunLifecycle(t *testing.T) {
	h := newTestHistory(t).ForEnvironment("staging")
	ctx := context.Background()

	if err := h.StartRun(ctx, "run-1", false); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	run, err := h.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("status = %s, want running", run.Status)
	}
	if run.Environment != "staging" {
		t.Errorf("environment = %q", run.Environment)
	}

	if err := h.FinishRun(ctx, sampleReport("run-1")); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	run, err = h.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed (summary has a failure)", run.Status)
	}
	if run.Created != 2 || run.Failed != 1 || run.Total != 3 {
		t.Errorf("summary columns = %+v", run)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestHistoryRecordsResults(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.StartRun(ctx, "run-2", true); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	results := []engine.ApplyResult{
		{
			Ref:         engine.Ref{Kind: engine.KindDataset, Identifier: "events"},
			Action:      engine.ActionUpdate,
			State:       engine.StateApplied,
			Changes:     []engine.FieldChange{{Path: "retention.days", Before: 7, After: 30, Op: engine.FieldModified}},
			StartedAt:   now,
			CompletedAt: now.Add(50 * time.Millisecond),
			Duration:    50 * time.Millisecond,
		},
		{
			Ref:    engine.Ref{Kind: engine.KindPipeline, Identifier: "ingest"},
			Action: engine.ActionCreate,
			State:  engine.StateFailed,
			Err:    engine.NewConflictError("identifier taken", nil).WithCode(engine.ErrCodeConflict),
		},
	}
	for _, r := range results {
		if err := h.RecordResult(ctx, "run-2", r); err != nil {
			t.Fatalf("RecordResult() error = %v", err)
		}
	}

	stored, err := h.ListResults(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListResults() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d results, want 2", len(stored))
	}
	if stored[0].Kind != "dataset" || stored[0].Action != "update" {
		t.Errorf("first result = %+v", stored[0])
	}
	if stored[0].Changes == "" {
		t.Error("change set not persisted")
	}
	if stored[1].ErrorCode == nil || *stored[1].ErrorCode != engine.ErrCodeConflict {
		t.Errorf("error code = %v", stored[1].ErrorCode)
	}
	if stored[1].ErrorClass == nil || *stored[1].ErrorClass != "conflict" {
		t.Errorf("error class = %v", stored[1].ErrorClass)
	}
}

func TestHistoryListRunsFiltersEnvironment(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.ForEnvironment("staging").StartRun(ctx, "run-a", false); err != nil {
		t.Fatal(err)
	}
	if err := h.ForEnvironment("production").StartRun(ctx, "run-b", false); err != nil {
		t.Fatal(err)
	}

	all, err := h.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d runs, want 2", len(all))
	}

	staging, err := h.ListRuns(ctx, "staging", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(staging) != 1 || staging[0].ID != "run-a" {
		t.Errorf("staging runs = %+v", staging)
	}
}

func TestHistoryGetRunNotFound(t *testing.T) {
	h := newTestHistory(t)
	_, err := h.GetRun(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected an error for a missing run")
	}
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != engine.ErrCodeNotFound {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestHistoryPruneRuns(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.StartRun(ctx, "old", false); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordResult(ctx, "old", engine.ApplyResult{
		Ref:    engine.Ref{Kind: engine.KindDataset, Identifier: "x"},
		Action: engine.ActionCreate,
		State:  engine.StateApplied,
	}); err != nil {
		t.Fatal(err)
	}

	pruned, err := h.PruneRuns(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneRuns() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	// Cascade removes the results.
	results, err := h.ListResults(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results survived the prune: %v", results)
	}
}
