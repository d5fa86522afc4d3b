package engine

import (
	"sort"

	"github.com/google/go-cmp/cmp"
)

// Differ computes the planned action for one artifact against its retrieved
// remote state. Semantic equality is delegated to the kind's Loader, which
// normalizes server-populated defaults before comparing; the differ itself
// is kind-agnostic.
type Differ struct {
	registry *Registry
}

// NewDiffer creates a differ backed by the given loader registry.
func NewDiffer(registry *Registry) *Differ {
	return &Differ{registry: registry}
}

// Diff computes the outcome for a desired artifact. remote may be nil or
// carry Present == false when the resource does not exist on the platform.
func (d *Differ) Diff(artifact *BuildArtifact, remote *RemoteState) (DiffOutcome, error) {
	if artifact == nil {
		return DiffOutcome{}, NewPermanentError("artifact is nil", nil).WithCode(ErrCodeValidation)
	}

	outcome := DiffOutcome{
		Ref:      artifact.Ref(),
		Artifact: artifact,
		Remote:   remote,
	}

	if remote == nil || !remote.Present {
		outcome.Action = ActionCreate
		outcome.Changes = fieldChanges("", nil, artifact.Fields)
		return outcome, nil
	}

	loader, err := d.registry.Get(artifact.Kind)
	if err != nil {
		return DiffOutcome{}, err
	}

	if loader.Equal(artifact.Fields, remote.Content) {
		outcome.Action = ActionUnchanged
		return outcome, nil
	}

	outcome.Action = ActionUpdate
	outcome.Changes = fieldChanges("", remote.Content, artifact.Fields)
	return outcome, nil
}

// Orphans computes Delete outcomes for remote resources of one kind that
// exist inside the deployment scope but have no corresponding artifact in
// the current selection. Only called in drop mode; resources outside the
// scope are never considered (the Loader's ListScope owns that boundary).
func (d *Differ) Orphans(kind Kind, desired map[string]*BuildArtifact, remotes map[string]RemoteState) []DiffOutcome {
	ids := make([]string, 0, len(remotes))
	for id := range remotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var outcomes []DiffOutcome
	for _, id := range ids {
		remote := remotes[id]
		if !remote.Present {
			continue
		}
		if _, ok := desired[id]; ok {
			continue
		}
		rc := remote
		outcomes = append(outcomes, DiffOutcome{
			Action:  ActionDelete,
			Ref:     Ref{Kind: kind, Identifier: id},
			Remote:  &rc,
			Changes: fieldChanges("", remote.Content, nil),
		})
	}
	return outcomes
}

// fieldChanges walks desired and remote structural forms in parallel and
// produces a normalized, path-sorted change set for reporting. Maps recurse;
// everything else (scalars, lists) compares as a whole value.
func fieldChanges(prefix string, before, after map[string]interface{}) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, k := range sorted {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		b, hasBefore := before[k]
		a, hasAfter := after[k]

		switch {
		case !hasBefore:
			changes = append(changes, FieldChange{Path: path, After: a, Op: FieldAdded})
		case !hasAfter:
			changes = append(changes, FieldChange{Path: path, Before: b, Op: FieldRemoved})
		default:
			bm, bIsMap := b.(map[string]interface{})
			am, aIsMap := a.(map[string]interface{})
			if bIsMap && aIsMap {
				changes = append(changes, fieldChanges(path, bm, am)...)
				continue
			}
			if !cmp.Equal(normalizeScalar(b), normalizeScalar(a)) {
				changes = append(changes, FieldChange{Path: path, Before: b, After: a, Op: FieldModified})
			}
		}
	}
	return changes
}

// normalizeScalar folds the numeric types YAML and JSON decoding produce
// into a comparable representation, so 1 (int) and 1.0 (float64) do not
// report as a change.
func normalizeScalar(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			out[i] = normalizeScalar(e)
		}
		return out
	default:
		return v
	}
}
