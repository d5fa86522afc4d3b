package engine

import (
	"time"
)

// Ref uniquely names a resource instance as a (kind, identifier) pair.
// Identifiers are the kind's natural key on the remote platform and are
// unique within a kind, not globally.
type Ref struct {
	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Identifier is the kind-specific natural key.
	Identifier string `json:"identifier"`
}

// String renders the reference as "kind/identifier".
func (r Ref) String() string {
	return string(r.Kind) + "/" + r.Identifier
}

// RawManifest is a single resource description as found on disk, before
// template rendering.
type RawManifest struct {
	// Kind is the resource kind, derived from the kind subdirectory name.
	Kind Kind `json:"kind"`

	// Module is the slash-separated path of the module the manifest
	// belongs to, relative to the module tree root.
	Module string `json:"module"`

	// SourceFile is the manifest file path for diagnostics.
	SourceFile string `json:"source_file"`

	// Raw is the unrendered file content.
	Raw []byte `json:"-"`

	// OrderHint is the numeric filename prefix, or -1 when absent. It
	// controls intra-kind ordering for manifests without inferable
	// dependencies: prefixed files sort before unprefixed ones.
	OrderHint int `json:"order_hint"`

	// ScopePath is the variable scope chain for rendering this manifest,
	// outermost first (global, then each module level).
	ScopePath []string `json:"scope_path"`

	// BaseOrder is the manifest's position in the resolver's deterministic
	// base ordering, used as the final tie-break during graph ordering.
	BaseOrder int `json:"base_order"`
}

// BuildArtifact is a manifest after rendering: identifier resolved,
// dependencies extracted, content frozen. Artifacts are immutable once the
// build pipeline completes.
type BuildArtifact struct {
	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Identifier is the kind's natural key extracted from the rendered
	// content.
	Identifier string `json:"identifier"`

	// Content is the rendered manifest, serialized canonically. Identical
	// build inputs always yield byte-identical Content.
	Content []byte `json:"-"`

	// Fields is the parsed structural form of Content.
	Fields map[string]interface{} `json:"fields"`

	// DependsOn lists resources that must be reconciled before this one.
	DependsOn []Ref `json:"depends_on,omitempty"`

	// Module and SourceFile identify the manifest's origin for diagnostics.
	Module     string `json:"module"`
	SourceFile string `json:"source_file"`

	// BaseOrder carries the resolver's base ordering through the pipeline.
	BaseOrder int `json:"base_order"`
}

// Ref returns the artifact's (kind, identifier) reference.
func (a *BuildArtifact) Ref() Ref {
	return Ref{Kind: a.Kind, Identifier: a.Identifier}
}

// RemoteState is the remote platform's view of one resource at retrieval
// time. It is fetched lazily per reconciliation run and never cached across
// runs.
type RemoteState struct {
	// Kind and Identifier name the resource.
	Kind       Kind   `json:"kind"`
	Identifier string `json:"identifier"`

	// Present is false when the resource does not exist remotely.
	Present bool `json:"present"`

	// Content is the remote resource's structural form, including any
	// server-populated fields. Nil when Present is false.
	Content map[string]interface{} `json:"content,omitempty"`

	// Version is the platform's optimistic concurrency token, if any.
	Version string `json:"version,omitempty"`
}

// Action is the planned operation for one artifact.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionUnchanged Action = "unchanged"
)

// Validate returns an error for unknown actions.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionUnchanged:
		return nil
	}
	return NewPermanentError("invalid action: "+string(a), nil).WithCode(ErrCodeValidation)
}

// Mutating reports whether the action would modify remote state.
func (a Action) Mutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// FieldChangeOp describes how a single field differs.
type FieldChangeOp string

const (
	FieldAdded    FieldChangeOp = "add"
	FieldRemoved  FieldChangeOp = "remove"
	FieldModified FieldChangeOp = "modify"
)

// FieldChange is one entry in a diff outcome's normalized change set.
type FieldChange struct {
	// Path is the dotted path of the changed field (e.g. "schedule.cron").
	Path string `json:"path"`

	// Before is the remote value, nil for additions.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value, nil for removals.
	After interface{} `json:"after,omitempty"`

	// Op is the change operation.
	Op FieldChangeOp `json:"op"`
}

// DiffOutcome is the planned action for one resource, carrying the desired
// artifact (nil for orphan deletes), the retrieved remote state (nil for
// creates) and a field-level change set for reporting.
type DiffOutcome struct {
	Action   Action         `json:"action"`
	Ref      Ref            `json:"ref"`
	Artifact *BuildArtifact `json:"-"`
	Remote   *RemoteState   `json:"remote,omitempty"`
	Changes  []FieldChange  `json:"changes,omitempty"`
}

// ArtifactState tracks one artifact through the reconciliation state machine:
// Pending -> Planned -> Applying -> Applied | Failed, with Skipped for
// artifacts whose dependency failed.
type ArtifactState string

const (
	StatePending  ArtifactState = "pending"
	StatePlanned  ArtifactState = "planned"
	StateApplying ArtifactState = "applying"
	StateApplied  ArtifactState = "applied"
	StateFailed   ArtifactState = "failed"
	StateSkipped  ArtifactState = "skipped"
)

// Terminal reports whether the state is final for a run.
func (s ArtifactState) Terminal() bool {
	return s == StateApplied || s == StateFailed || s == StateSkipped
}

// ApplyResult records the terminal outcome of one planned action.
type ApplyResult struct {
	// Ref names the resource.
	Ref Ref `json:"ref"`

	// Action is the planned action that was (or would have been) applied.
	Action Action `json:"action"`

	// State is the terminal artifact state.
	State ArtifactState `json:"state"`

	// Err is the classified failure, if any.
	Err *Error `json:"error,omitempty"`

	// Changes is the field-level change set from the diff.
	Changes []FieldChange `json:"changes,omitempty"`

	// StartedAt / CompletedAt bound the apply attempt. Zero for skipped
	// artifacts and dry runs.
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Phase is one dependency-ordered batch of artifacts: one topological level
// of a kind stratum. Artifacts in a phase have no dependencies on each other;
// everything they depend on sits in an earlier phase.
type Phase struct {
	// Index is the phase's position in the run.
	Index int `json:"index"`

	// Artifacts are the phase's artifacts in apply order.
	Artifacts []*BuildArtifact `json:"-"`
}

// FailurePolicy governs how the reconciler reacts to a failed artifact.
type FailurePolicy string

const (
	// FailurePolicyAbort stops all further phases on the first failure.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicyContinue applies everything not dependent on a failure
	// and reports all failures at the end.
	FailurePolicyContinue FailurePolicy = "continue"
)

// ReconcileOptions configures a single reconciliation run.
type ReconcileOptions struct {
	// DryRun reports planned outcomes without issuing any mutating call.
	DryRun bool `json:"dry_run"`

	// Drop deletes in-scope remote resources that have no corresponding
	// artifact, before creates and updates of the same kind.
	Drop bool `json:"drop"`

	// DeleteOnly restricts the run to Delete outcomes (the clean command).
	DeleteOnly bool `json:"delete_only"`

	// Scope is the logical remote scope (environment name) used to bound
	// the orphan-delete pass. Resources outside the scope are never touched.
	Scope string `json:"scope"`

	// IncludeKinds restricts the run to the listed kinds. Empty means all.
	IncludeKinds []Kind `json:"include_kinds,omitempty"`

	// MaxParallel bounds concurrent Loader calls within a phase.
	MaxParallel int `json:"max_parallel"`

	// OnFailure is the failure policy; defaults to abort.
	OnFailure FailurePolicy `json:"on_failure"`
}

// RunSummary aggregates terminal states over a run.
type RunSummary struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunReport is the result of a reconciliation run.
type RunReport struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// DryRun records whether the run was a dry run.
	DryRun bool `json:"dry_run"`

	// Results holds one entry per planned outcome, in apply order.
	Results []ApplyResult `json:"results"`

	// Summary aggregates the results.
	Summary RunSummary `json:"summary"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded reports whether every non-skipped artifact reached Applied or
// Unchanged.
func (r *RunReport) Succeeded() bool {
	return r.Summary.Failed == 0 && r.Summary.Skipped == 0
}
