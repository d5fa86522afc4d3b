package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-deploy/strata/pkg/telemetry"
)

// HistoryRecorder persists reconciliation runs for later inspection. A nil
// recorder disables history.
type HistoryRecorder interface {
	// StartRun records that a run began.
	StartRun(ctx context.Context, runID string, dryRun bool) error

	// RecordResult appends one terminal artifact result to the run.
	RecordResult(ctx context.Context, runID string, result ApplyResult) error

	// FinishRun records the completed run report.
	FinishRun(ctx context.Context, report *RunReport) error
}

// Reconciler executes the diff/apply protocol across all resource kinds in
// dependency order.
//
// Phases run strictly sequentially; within a phase, Loader calls for
// independent artifacts run concurrently up to a bounded worker pool. The
// orderer places every dependency of an artifact in an earlier phase, so a
// dependent never starts applying before all of its dependencies have
// reached a terminal state. No intra-phase synchronization is needed.
type Reconciler struct {
	registry *Registry
	orderer  *Orderer
	differ   *Differ
	logger   zerolog.Logger

	recorder HistoryRecorder
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewReconciler creates a reconciler over the given loader registry.
func NewReconciler(registry *Registry, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		orderer:  NewOrderer(),
		differ:   NewDiffer(registry),
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// WithRecorder attaches a run history recorder.
func (r *Reconciler) WithRecorder(rec HistoryRecorder) *Reconciler {
	r.recorder = rec
	return r
}

// WithMetrics attaches a metrics collector.
func (r *Reconciler) WithMetrics(m *telemetry.Metrics) *Reconciler {
	r.metrics = m
	return r
}

// WithTracer attaches a tracer.
func (r *Reconciler) WithTracer(t *telemetry.Tracer) *Reconciler {
	r.tracer = t
	return r
}

// reconcileRun carries the mutable state of one run. The mutex guards the
// maps; results are appended in apply order per phase.
type reconcileRun struct {
	mu sync.Mutex

	// states maps every planned ref to its current artifact state.
	states map[Ref]ArtifactState

	// results accumulates terminal outcomes.
	results []ApplyResult

	// anyFailed is set on the first Failed artifact, for the abort policy.
	anyFailed bool

	// orphansDone marks kinds whose orphan-delete pass already ran. A kind
	// can span several phases, but its scope is listed only once.
	orphansDone map[Kind]bool
}

func (rr *reconcileRun) setState(ref Ref, s ArtifactState) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.states[ref] = s
}

func (rr *reconcileRun) record(result ApplyResult) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.states[result.Ref] = result.State
	rr.results = append(rr.results, result)
	if result.State == StateFailed {
		rr.anyFailed = true
	}
}

// dependencyFailed reports whether any of the artifact's dependencies ended
// Failed or Skipped. Dependencies outside the planned set are external
// references and do not block.
func (rr *reconcileRun) dependencyFailed(a *BuildArtifact) (Ref, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for _, dep := range a.DependsOn {
		if s, ok := rr.states[dep]; ok && (s == StateFailed || s == StateSkipped) {
			return dep, true
		}
	}
	return Ref{}, false
}

// Reconcile runs the full protocol for the given artifacts and returns a
// report with one result per planned outcome. The caller's context is
// checked between phases and between individual applies; in-flight Loader
// calls complete, but no further calls are issued after cancellation.
func (r *Reconciler) Reconcile(ctx context.Context, artifacts []*BuildArtifact, opts ReconcileOptions) (*RunReport, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.OnFailure == "" {
		opts.OnFailure = FailurePolicyAbort
	}

	artifacts = filterKinds(artifacts, opts.IncludeKinds)

	phases, err := r.orderer.Order(artifacts)
	if err != nil {
		return nil, err
	}
	if opts.DeleteOnly {
		// Teardown unwinds the graph: dependents are deleted before the
		// resources they reference.
		for i, j := 0, len(phases)-1; i < j; i, j = i+1, j-1 {
			phases[i], phases[j] = phases[j], phases[i]
		}
	}

	desired := make(map[Kind]map[string]*BuildArtifact)
	for _, a := range artifacts {
		if desired[a.Kind] == nil {
			desired[a.Kind] = make(map[string]*BuildArtifact)
		}
		desired[a.Kind][a.Identifier] = a
	}

	report := &RunReport{
		RunID:     uuid.New().String(),
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}
	logger := r.logger.With().Str("run_id", report.RunID).Bool("dry_run", opts.DryRun).Logger()
	logger.Info().Int("artifacts", len(artifacts)).Int("phases", len(phases)).Msg("reconciliation started")

	if r.tracer != nil {
		spanCtx, runSpan := r.tracer.StartRunSpan(ctx, report.RunID)
		ctx = spanCtx
		defer runSpan.End()
	}
	if r.metrics != nil {
		r.metrics.RecordRunStarted(opts.Scope)
	}
	if r.recorder != nil {
		if err := r.recorder.StartRun(ctx, report.RunID, opts.DryRun); err != nil {
			return nil, fmt.Errorf("failed to record run start: %w", err)
		}
	}

	run := &reconcileRun{
		states:      make(map[Ref]ArtifactState),
		orphansDone: make(map[Kind]bool),
	}
	for _, p := range phases {
		for _, a := range p.Artifacts {
			run.states[a.Ref()] = StatePending
		}
	}

	var runErr error
	aborted := false
	for i, phase := range phases {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			r.skipPhases(run, phases[i:], "run cancelled")
			break
		}
		if aborted {
			r.skipPhases(run, phases[i:], "aborted after earlier failure")
			break
		}

		if err := r.executePhase(ctx, logger, run, phase, desired, opts); err != nil {
			runErr = err
			r.skipPhases(run, phases[i+1:], "aborted after phase error")
			break
		}

		if run.anyFailed && opts.OnFailure == FailurePolicyAbort {
			aborted = true
		}
	}

	report.Results = run.results
	report.Summary = summarize(run.results)
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	if r.metrics != nil {
		status := "succeeded"
		if report.Summary.Failed > 0 {
			status = "failed"
		}
		r.metrics.RecordRunCompleted(status, report.Duration)
	}
	if r.recorder != nil {
		for _, res := range report.Results {
			if err := r.recorder.RecordResult(ctx, report.RunID, res); err != nil {
				logger.Warn().Err(err).Msg("failed to record result")
			}
		}
		if err := r.recorder.FinishRun(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("failed to record run completion")
		}
	}

	logger.Info().
		Int("created", report.Summary.Created).
		Int("updated", report.Summary.Updated).
		Int("deleted", report.Summary.Deleted).
		Int("unchanged", report.Summary.Unchanged).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Msg("reconciliation finished")

	return report, runErr
}

// executePhase plans and applies one phase: batched retrieval, diffing, the
// optional orphan-delete pass, then the apply pool.
func (r *Reconciler) executePhase(ctx context.Context, logger zerolog.Logger, run *reconcileRun, phase Phase, desired map[Kind]map[string]*BuildArtifact, opts ReconcileOptions) error {
	if r.tracer != nil {
		phaseCtx, span := r.tracer.StartPhaseSpan(ctx, phase.Index)
		ctx = phaseCtx
		defer span.End()
	}

	byKind := make(map[Kind][]*BuildArtifact)
	for _, a := range phase.Artifacts {
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}

	// Retrieve remote state for the whole phase, one batched call per kind.
	remotes := make(map[Ref]RemoteState)
	for kind, kindArtifacts := range byKind {
		loader, err := r.registry.Get(kind)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(kindArtifacts))
		for _, a := range kindArtifacts {
			ids = append(ids, a.Identifier)
		}
		states, err := r.retrieve(ctx, loader, ids)
		if err != nil {
			return NewTransientError(fmt.Sprintf("failed to retrieve remote state for kind %s", kind), err).
				WithCode(ErrCodeLoaderFailed)
		}
		for id, state := range states {
			remotes[Ref{Kind: kind, Identifier: id}] = state
		}
	}

	// Plan deletes first (drop mode), then creates/updates in topological
	// order. Deletes precede creates of the same kind within the phase.
	var deletes, applies []DiffOutcome
	if opts.Drop || opts.DeleteOnly {
		for kind := range byKind {
			if run.orphansDone[kind] {
				continue
			}
			run.orphansDone[kind] = true
			loader, err := r.registry.Get(kind)
			if err != nil {
				return err
			}
			scoped, err := loader.ListScope(ctx, opts.Scope)
			if err != nil {
				return NewTransientError(fmt.Sprintf("failed to list scope for kind %s", kind), err).
					WithCode(ErrCodeLoaderFailed)
			}
			deletes = append(deletes, r.differ.Orphans(kind, desired[kind], scoped)...)
		}
	}

	if !opts.DeleteOnly {
		for _, a := range phase.Artifacts {
			run.setState(a.Ref(), StatePlanned)
			remote, ok := remotes[a.Ref()]
			var rs *RemoteState
			if ok {
				rs = &remote
			}
			outcome, err := r.differ.Diff(a, rs)
			if err != nil {
				return err
			}
			applies = append(applies, outcome)
		}
	}

	if opts.DryRun {
		for _, outcome := range append(deletes, applies...) {
			run.record(ApplyResult{
				Ref:     outcome.Ref,
				Action:  outcome.Action,
				State:   StatePlanned,
				Changes: outcome.Changes,
			})
		}
		return nil
	}

	// Deletes run before creates/updates for the same kinds in this phase:
	// drop implies recreate-from-scratch semantics.
	if err := r.applyPool(ctx, logger, run, deletes, opts); err != nil {
		return err
	}
	return r.applyPool(ctx, logger, run, applies, opts)
}

// applyPool applies a batch of outcomes through a bounded worker pool.
// Unchanged outcomes are recorded without a Loader call.
func (r *Reconciler) applyPool(ctx context.Context, logger zerolog.Logger, run *reconcileRun, outcomes []DiffOutcome, opts ReconcileOptions) error {
	if len(outcomes) == 0 {
		return nil
	}

	workers := opts.MaxParallel
	if len(outcomes) < workers {
		workers = len(outcomes)
	}

	queue := make(chan DiffOutcome, len(outcomes))
	for _, o := range outcomes {
		queue <- o
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for outcome := range queue {
				if ctx.Err() != nil {
					return
				}
				r.applyOne(ctx, logger, run, outcome)
			}
		}()
	}
	wg.Wait()

	return ctx.Err()
}

// applyOne drives a single outcome through Planned -> Applying -> terminal.
func (r *Reconciler) applyOne(ctx context.Context, logger zerolog.Logger, run *reconcileRun, outcome DiffOutcome) {
	result := ApplyResult{
		Ref:     outcome.Ref,
		Action:  outcome.Action,
		Changes: outcome.Changes,
	}

	if outcome.Action == ActionUnchanged {
		result.State = StateApplied
		run.record(result)
		return
	}

	// Skip-on-failed-dependency: the only cross-phase coupling.
	if outcome.Artifact != nil {
		if dep, failed := run.dependencyFailed(outcome.Artifact); failed {
			result.State = StateSkipped
			result.Err = NewPermanentError(fmt.Sprintf("dependency %s failed", dep), nil).
				WithCode(ErrCodeDependencyFailed).
				WithResource(outcome.Ref.Kind, outcome.Ref.Identifier)
			run.record(result)
			logger.Warn().Str("ref", outcome.Ref.String()).Str("dependency", dep.String()).Msg("artifact skipped")
			return
		}
	}

	run.setState(outcome.Ref, StateApplying)
	result.StartedAt = time.Now()

	if r.tracer != nil {
		applyCtx, span := r.tracer.StartApplySpan(ctx, outcome.Ref.String(), string(outcome.Action))
		ctx = applyCtx
		defer span.End()
	}

	err := r.invokeLoader(ctx, outcome)

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if err != nil {
		result.State = StateFailed
		result.Err = classify(err, outcome)
		if r.metrics != nil {
			r.metrics.RecordApply(string(outcome.Ref.Kind), string(outcome.Action), "failed", result.Duration)
			r.metrics.RecordError(string(result.Err.Class), result.Err.Code)
		}
		logger.Error().Err(err).Str("ref", outcome.Ref.String()).Str("action", string(outcome.Action)).Msg("apply failed")
	} else {
		result.State = StateApplied
		if r.metrics != nil {
			r.metrics.RecordApply(string(outcome.Ref.Kind), string(outcome.Action), "applied", result.Duration)
		}
		logger.Info().Str("ref", outcome.Ref.String()).Str("action", string(outcome.Action)).Msg("applied")
	}
	run.record(result)
}

// invokeLoader dispatches one mutating action to the kind's loader.
func (r *Reconciler) invokeLoader(ctx context.Context, outcome DiffOutcome) error {
	loader, err := r.registry.Get(outcome.Ref.Kind)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordLoaderCall(string(outcome.Ref.Kind), string(outcome.Action), time.Since(start))
		}
	}()

	switch outcome.Action {
	case ActionCreate:
		return loader.Create(ctx, outcome.Artifact)
	case ActionUpdate:
		return loader.Update(ctx, outcome.Artifact, outcome.Remote)
	case ActionDelete:
		return loader.Delete(ctx, outcome.Ref.Identifier)
	default:
		return NewPermanentError("unexpected action "+string(outcome.Action), nil).WithCode(ErrCodeInternal)
	}
}

// retrieve wraps the batched Retrieve with call metrics.
func (r *Reconciler) retrieve(ctx context.Context, loader Loader, ids []string) (map[string]RemoteState, error) {
	start := time.Now()
	states, err := loader.Retrieve(ctx, ids)
	if r.metrics != nil {
		r.metrics.RecordLoaderCall(string(loader.Kind()), "retrieve", time.Since(start))
		if err != nil {
			r.metrics.RecordLoaderError(string(loader.Kind()), "retrieve")
		}
	}
	return states, err
}

// skipPhases marks every pending artifact of the given phases as skipped.
func (r *Reconciler) skipPhases(run *reconcileRun, phases []Phase, reason string) {
	for _, phase := range phases {
		for _, a := range phase.Artifacts {
			run.mu.Lock()
			state := run.states[a.Ref()]
			run.mu.Unlock()
			if state.Terminal() {
				continue
			}
			run.record(ApplyResult{
				Ref:    a.Ref(),
				Action: ActionUnchanged,
				State:  StateSkipped,
				Err: NewPermanentError(reason, nil).
					WithCode(ErrCodeDependencyFailed).
					WithResource(a.Kind, a.Identifier),
			})
		}
	}
}

// classify wraps a loader error into a classified engine error, preserving
// an existing classification.
func classify(err error, outcome DiffOutcome) *Error {
	if e, ok := err.(*Error); ok {
		if e.Kind == "" {
			e.Kind = outcome.Ref.Kind
			e.Identifier = outcome.Ref.Identifier
		}
		return e
	}
	return NewPermanentError("loader call failed", err).
		WithCode(ErrCodeLoaderFailed).
		WithResource(outcome.Ref.Kind, outcome.Ref.Identifier).
		WithOperation(string(outcome.Action))
}

// filterKinds restricts artifacts to the included kinds. An empty include
// list keeps everything.
func filterKinds(artifacts []*BuildArtifact, include []Kind) []*BuildArtifact {
	if len(include) == 0 {
		return artifacts
	}
	keep := make(map[Kind]bool, len(include))
	for _, k := range include {
		keep[k] = true
	}
	out := make([]*BuildArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if keep[a.Kind] {
			out = append(out, a)
		}
	}
	return out
}

// summarize aggregates terminal results into a run summary.
func summarize(results []ApplyResult) RunSummary {
	s := RunSummary{Total: len(results)}
	for _, res := range results {
		switch res.State {
		case StateFailed:
			s.Failed++
			continue
		case StateSkipped:
			s.Skipped++
			continue
		}
		switch res.Action {
		case ActionCreate:
			s.Created++
		case ActionUpdate:
			s.Updated++
		case ActionDelete:
			s.Deleted++
		case ActionUnchanged:
			s.Unchanged++
		}
	}
	return s
}
