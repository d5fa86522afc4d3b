package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testReconciler(t *testing.T, loaders ...*fakeLoader) (*Reconciler, *Registry) {
	t.Helper()
	reg := testRegistry(t, loaders...)
	return NewReconciler(reg, zerolog.Nop()), reg
}

func TestReconcileCreatesInDependencyOrder(t *testing.T) {
	creds := newFakeLoader(KindCredential)
	pipelines := newFakeLoader(KindPipeline)
	r, _ := testReconciler(t, creds, pipelines)

	artifacts := []*BuildArtifact{
		artifact(KindPipeline, "ingest", 1, Ref{Kind: KindCredential, Identifier: "warehouse"}),
		artifact(KindCredential, "warehouse", 0),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("run failed: %+v", report.Summary)
	}
	if report.Summary.Created != 2 {
		t.Errorf("expected 2 creates, got %d", report.Summary.Created)
	}

	// The credential result must precede the pipeline result.
	var credIdx, pipeIdx int
	for i, res := range report.Results {
		switch res.Ref.Kind {
		case KindCredential:
			credIdx = i
		case KindPipeline:
			pipeIdx = i
		}
	}
	if credIdx >= pipeIdx {
		t.Errorf("credential must apply before pipeline, got results %v", report.Results)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	r, _ := testReconciler(t, datasets)

	artifacts := []*BuildArtifact{
		artifact(KindDataset, "events", 0),
		artifact(KindDataset, "sessions", 1),
	}

	first, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{})
	if err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if first.Summary.Created != 2 {
		t.Fatalf("expected 2 creates on first run, got %d", first.Summary.Created)
	}

	before := datasets.mutations()
	second, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{})
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if second.Summary.Unchanged != 2 {
		t.Errorf("expected 2 unchanged on second run, got %+v", second.Summary)
	}
	if datasets.mutations() != before {
		t.Errorf("second run issued %d mutations, want 0", datasets.mutations()-before)
	}
}

func TestReconcileDryRunNeverMutates(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	datasets.seed("stale", map[string]interface{}{"name": "old"})
	r, _ := testReconciler(t, datasets)

	artifacts := []*BuildArtifact{
		artifact(KindDataset, "events", 0),
		artifact(KindDataset, "stale", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{DryRun: true, Drop: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if datasets.mutations() != 0 {
		t.Fatalf("dry run issued %d mutations, want 0", datasets.mutations())
	}

	actions := make(map[string]Action)
	for _, res := range report.Results {
		actions[res.Ref.Identifier] = res.Action
		if res.State != StatePlanned {
			t.Errorf("dry-run result for %s in state %s, want planned", res.Ref, res.State)
		}
	}
	if actions["events"] != ActionCreate {
		t.Errorf("expected create for events, got %s", actions["events"])
	}
	if actions["stale"] != ActionUpdate {
		t.Errorf("expected update for stale, got %s", actions["stale"])
	}
}

func TestReconcileDropDeletesOrphans(t *testing.T) {
	pipelines := newFakeLoader(KindPipeline)
	pipelines.seed("orphan", map[string]interface{}{"name": "orphan"})
	r, _ := testReconciler(t, pipelines)

	artifacts := []*BuildArtifact{artifact(KindPipeline, "ingest", 0)}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{Drop: true, Scope: "staging"})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Deleted != 1 || report.Summary.Created != 1 {
		t.Fatalf("expected 1 delete + 1 create, got %+v", report.Summary)
	}

	// Delete of the orphan must precede the create.
	if report.Results[0].Action != ActionDelete {
		t.Errorf("expected delete first in drop mode, got %s", report.Results[0].Action)
	}
	if _, err := pipelines.Retrieve(context.Background(), []string{"orphan"}); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileDeleteOnly(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	datasets.seed("orphan", map[string]interface{}{"name": "orphan"})
	datasets.seed("keep", map[string]interface{}{"name": "keep"})
	r, _ := testReconciler(t, datasets)

	artifacts := []*BuildArtifact{artifact(KindDataset, "keep", 0)}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{Drop: true, DeleteOnly: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Deleted != 1 {
		t.Fatalf("expected 1 delete, got %+v", report.Summary)
	}
	if datasets.creates != 0 || datasets.updates != 0 {
		t.Errorf("delete-only run must not create or update (creates=%d updates=%d)", datasets.creates, datasets.updates)
	}
}

// sequencedLoader wraps a fakeLoader to slow down selected creates and record
// the order in which creates start and finish.
type sequencedLoader struct {
	*fakeLoader
	delay map[string]time.Duration

	seqMu  sync.Mutex
	events []string
}

func (s *sequencedLoader) Create(ctx context.Context, a *BuildArtifact) error {
	s.logEvent("start:" + a.Identifier)
	if d := s.delay[a.Identifier]; d > 0 {
		time.Sleep(d)
	}
	err := s.fakeLoader.Create(ctx, a)
	s.logEvent("done:" + a.Identifier)
	return err
}

func (s *sequencedLoader) logEvent(e string) {
	s.seqMu.Lock()
	s.events = append(s.events, e)
	s.seqMu.Unlock()
}

func TestReconcileSameKindDependencyWaits(t *testing.T) {
	// consumer depends on producer within the same kind. producer's create is
	// slow, so with parallel workers a same-phase schedule would let consumer
	// finish first. Phase splitting must make consumer wait until producer
	// has completed.
	loader := &sequencedLoader{
		fakeLoader: newFakeLoader(KindPipeline),
		delay:      map[string]time.Duration{"producer": 150 * time.Millisecond},
	}
	reg := NewRegistry()
	if err := reg.Register(loader); err != nil {
		t.Fatal(err)
	}
	r := NewReconciler(reg, zerolog.Nop())

	artifacts := []*BuildArtifact{
		artifact(KindPipeline, "consumer", 0, Ref{Kind: KindPipeline, Identifier: "producer"}),
		artifact(KindPipeline, "producer", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{MaxParallel: 4})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !report.Succeeded() || report.Summary.Created != 2 {
		t.Fatalf("expected 2 creates, got %+v", report.Summary)
	}

	want := []string{"start:producer", "done:producer", "start:consumer", "done:consumer"}
	if !reflect.DeepEqual(loader.events, want) {
		t.Errorf("create sequence = %v, want %v", loader.events, want)
	}
}

func TestReconcileDeleteOnlyReverseOrder(t *testing.T) {
	// Teardown must delete the pipeline orphan before the credential orphan
	// it may still reference.
	creds := newFakeLoader(KindCredential)
	creds.seed("keep-cred", map[string]interface{}{"name": "keep-cred"})
	creds.seed("stale-cred", map[string]interface{}{"name": "stale-cred"})
	pipelines := newFakeLoader(KindPipeline)
	pipelines.seed("keep-pipe", map[string]interface{}{"name": "keep-pipe"})
	pipelines.seed("stale-pipe", map[string]interface{}{"name": "stale-pipe"})
	r, _ := testReconciler(t, creds, pipelines)

	artifacts := []*BuildArtifact{
		artifact(KindCredential, "keep-cred", 0),
		artifact(KindPipeline, "keep-pipe", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{Drop: true, DeleteOnly: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Deleted != 2 {
		t.Fatalf("expected 2 deletes, got %+v", report.Summary)
	}

	pipeIdx, credIdx := -1, -1
	for i, res := range report.Results {
		if res.Action != ActionDelete {
			t.Errorf("delete-only run produced %s for %s", res.Action, res.Ref)
		}
		switch res.Ref {
		case (Ref{Kind: KindPipeline, Identifier: "stale-pipe"}):
			pipeIdx = i
		case (Ref{Kind: KindCredential, Identifier: "stale-cred"}):
			credIdx = i
		}
	}
	if pipeIdx < 0 || credIdx < 0 {
		t.Fatalf("missing orphan deletes in results: %v", report.Results)
	}
	if pipeIdx > credIdx {
		t.Errorf("pipeline orphan must delete before credential orphan, got results %v", report.Results)
	}
}

func TestReconcileSkipsOnFailedDependency(t *testing.T) {
	creds := newFakeLoader(KindCredential)
	creds.failOn["broken"] = errors.New("permission denied")
	pipelines := newFakeLoader(KindPipeline)
	r, _ := testReconciler(t, creds, pipelines)

	artifacts := []*BuildArtifact{
		artifact(KindCredential, "broken", 0),
		artifact(KindPipeline, "dependent", 1, Ref{Kind: KindCredential, Identifier: "broken"}),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{OnFailure: FailurePolicyContinue})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Failed != 1 || report.Summary.Skipped != 1 {
		t.Fatalf("expected 1 failed + 1 skipped, got %+v", report.Summary)
	}
	for _, res := range report.Results {
		if res.Ref.Identifier == "dependent" {
			if res.State != StateSkipped {
				t.Errorf("dependent should be skipped, got %s", res.State)
			}
			if res.Err == nil || res.Err.Code != ErrCodeDependencyFailed {
				t.Errorf("skipped result should carry %s, got %+v", ErrCodeDependencyFailed, res.Err)
			}
		}
	}
	if pipelines.mutations() != 0 {
		t.Errorf("pipeline loader should not have been called, got %d mutations", pipelines.mutations())
	}
}

func TestReconcileAbortStopsLaterPhases(t *testing.T) {
	creds := newFakeLoader(KindCredential)
	creds.failOn["broken"] = errors.New("permission denied")
	datasets := newFakeLoader(KindDataset)
	r, _ := testReconciler(t, creds, datasets)

	artifacts := []*BuildArtifact{
		artifact(KindCredential, "broken", 0),
		artifact(KindDataset, "independent", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{OnFailure: FailurePolicyAbort})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", report.Summary)
	}
	if report.Summary.Skipped != 1 {
		t.Fatalf("abort should skip the later phase, got %+v", report.Summary)
	}
	if datasets.mutations() != 0 {
		t.Errorf("abort policy must not touch later phases, got %d mutations", datasets.mutations())
	}
}

func TestReconcileContinueAppliesIndependents(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	datasets.failOn["broken"] = errors.New("quota exceeded")
	r, _ := testReconciler(t, datasets)

	artifacts := []*BuildArtifact{
		artifact(KindDataset, "broken", 0),
		artifact(KindDataset, "fine", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{OnFailure: FailurePolicyContinue})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Failed != 1 || report.Summary.Created != 1 {
		t.Errorf("expected 1 failed + 1 created, got %+v", report.Summary)
	}
}

func TestReconcileConflictSurfaced(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	datasets.seed("events", map[string]interface{}{"name": "old"})
	datasets.failOn["events"] = NewConflictError("version mismatch", nil).
		WithResource(KindDataset, "events")
	r, _ := testReconciler(t, datasets)

	report, err := r.Reconcile(context.Background(), []*BuildArtifact{artifact(KindDataset, "events", 0)}, ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", report.Summary)
	}
	res := report.Results[0]
	if res.Err == nil || res.Err.Class != ErrorClassConflict {
		t.Errorf("conflict must surface with conflict class, got %+v", res.Err)
	}
}

func TestReconcileCancelledContext(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	r, _ := testReconciler(t, datasets)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Reconcile(ctx, []*BuildArtifact{artifact(KindDataset, "events", 0)}, ReconcileOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if datasets.mutations() != 0 {
		t.Errorf("cancelled run must not mutate, got %d mutations", datasets.mutations())
	}
	if report == nil {
		t.Fatal("report should still be returned on cancellation")
	}
}

func TestReconcileIncludeKinds(t *testing.T) {
	creds := newFakeLoader(KindCredential)
	datasets := newFakeLoader(KindDataset)
	r, _ := testReconciler(t, creds, datasets)

	artifacts := []*BuildArtifact{
		artifact(KindCredential, "warehouse", 0),
		artifact(KindDataset, "events", 1),
	}

	report, err := r.Reconcile(context.Background(), artifacts, ReconcileOptions{
		IncludeKinds: []Kind{KindDataset},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Summary.Total != 1 || report.Summary.Created != 1 {
		t.Fatalf("expected only the dataset to apply, got %+v", report.Summary)
	}
	if creds.mutations() != 0 {
		t.Errorf("excluded kind must not be touched, got %d mutations", creds.mutations())
	}
}

func TestReconcileRecordsHistory(t *testing.T) {
	datasets := newFakeLoader(KindDataset)
	r, _ := testReconciler(t, datasets)

	rec := &memRecorder{}
	r.WithRecorder(rec)

	report, err := r.Reconcile(context.Background(), []*BuildArtifact{artifact(KindDataset, "events", 0)}, ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if rec.started != report.RunID {
		t.Errorf("recorder saw run %q, want %q", rec.started, report.RunID)
	}
	if len(rec.results) != 1 {
		t.Errorf("expected 1 recorded result, got %d", len(rec.results))
	}
	if rec.finished == nil || rec.finished.RunID != report.RunID {
		t.Error("recorder did not see run completion")
	}
}

type memRecorder struct {
	started  string
	results  []ApplyResult
	finished *RunReport
}

func (m *memRecorder) StartRun(_ context.Context, runID string, _ bool) error {
	m.started = runID
	return nil
}

func (m *memRecorder) RecordResult(_ context.Context, _ string, result ApplyResult) error {
	m.results = append(m.results, result)
	return nil
}

func (m *memRecorder) FinishRun(_ context.Context, report *RunReport) error {
	m.finished = report
	return nil
}
