package engine

import (
	"fmt"
	"sort"
)

// Orderer arranges build artifacts into dependency-ordered phases.
//
// Two ordering layers apply. The static kind precedence table partitions
// artifacts into strata; within a stratum, instance-level dependsOn edges
// split the stratum into topological levels via Kahn's algorithm, and each
// level becomes its own phase. An artifact's dependencies therefore always
// sit in an earlier phase than the artifact itself. Ties inside a level fall
// back to the module resolver's deterministic base ordering, so the result
// is stable across runs.
type Orderer struct{}

// NewOrderer creates an orderer.
func NewOrderer() *Orderer {
	return &Orderer{}
}

// Order arranges artifacts into phases. It fails with a *CycleError when
// instance dependencies form a cycle, naming every artifact on the cycle,
// and with a permanent error when a dependency edge points against the
// static kind order (which would induce a cycle at the kind level).
func (o *Orderer) Order(artifacts []*BuildArtifact) ([]Phase, error) {
	byRef := make(map[Ref]*BuildArtifact, len(artifacts))
	strata := make([][]*BuildArtifact, StratumCount())

	for _, a := range artifacts {
		if err := a.Kind.Validate(); err != nil {
			return nil, err
		}
		ref := a.Ref()
		if _, dup := byRef[ref]; dup {
			return nil, NewPermanentError(fmt.Sprintf("duplicate artifact %s", ref), nil).
				WithCode(ErrCodeDuplicateResource).
				WithResource(a.Kind, a.Identifier)
		}
		byRef[ref] = a
		s := StratumOf(a.Kind)
		strata[s] = append(strata[s], a)
	}

	// Validate edge direction against the kind table before sorting.
	for _, a := range artifacts {
		for _, dep := range a.DependsOn {
			target, ok := byRef[dep]
			if !ok {
				// References to resources outside the current selection are
				// satisfied (or not) by the remote platform, not by ordering.
				continue
			}
			if StratumOf(target.Kind) > StratumOf(a.Kind) {
				return nil, &CycleError{Path: []Ref{a.Ref(), dep, a.Ref()}}
			}
		}
	}

	phases := make([]Phase, 0, len(strata))
	for _, stratum := range strata {
		if len(stratum) == 0 {
			continue
		}
		levels, err := o.levelStratum(stratum, byRef)
		if err != nil {
			return nil, err
		}
		for _, level := range levels {
			phases = append(phases, Phase{Index: len(phases), Artifacts: level})
		}
	}
	return phases, nil
}

// levelStratum splits one stratum into topological levels by intra-stratum
// dependsOn edges. Level n holds the artifacts whose longest dependency
// chain inside the stratum has length n, so every dependency of a level-n
// artifact lives in a level below n. Within a level, artifacts sort by base
// order then identifier.
func (o *Orderer) levelStratum(stratum []*BuildArtifact, byRef map[Ref]*BuildArtifact) ([][]*BuildArtifact, error) {
	myStratum := StratumOf(stratum[0].Kind)

	dependents := make(map[Ref][]Ref, len(stratum))
	inDegree := make(map[Ref]int, len(stratum))
	for _, a := range stratum {
		inDegree[a.Ref()] = 0
	}
	for _, a := range stratum {
		for _, dep := range a.DependsOn {
			target, ok := byRef[dep]
			if !ok || StratumOf(target.Kind) != myStratum {
				continue
			}
			dependents[dep] = append(dependents[dep], a.Ref())
			inDegree[a.Ref()]++
		}
	}

	current := make([]*BuildArtifact, 0, len(stratum))
	for _, a := range stratum {
		if inDegree[a.Ref()] == 0 {
			current = append(current, a)
		}
	}

	var levels [][]*BuildArtifact
	placed := 0
	for len(current) > 0 {
		sortByBaseOrder(current)
		levels = append(levels, current)
		placed += len(current)

		var next []*BuildArtifact
		for _, a := range current {
			for _, depRef := range dependents[a.Ref()] {
				inDegree[depRef]--
				if inDegree[depRef] == 0 {
					next = append(next, byRef[depRef])
				}
			}
		}
		current = next
	}

	if placed != len(stratum) {
		return nil, &CycleError{Path: o.findCycle(stratum, byRef, inDegree)}
	}
	return levels, nil
}

// findCycle walks the unresolved remainder of a stratum depth-first to
// recover the full cycle path for the error report.
func (o *Orderer) findCycle(stratum []*BuildArtifact, byRef map[Ref]*BuildArtifact, inDegree map[Ref]int) []Ref {
	remaining := make(map[Ref]bool)
	for _, a := range stratum {
		if inDegree[a.Ref()] > 0 {
			remaining[a.Ref()] = true
		}
	}

	starts := make([]Ref, 0, len(remaining))
	for r := range remaining {
		starts = append(starts, r)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].String() < starts[j].String() })

	for _, start := range starts {
		if path := o.dfsCycle(start, byRef, remaining, nil, make(map[Ref]bool)); path != nil {
			return path
		}
	}
	return starts
}

func (o *Orderer) dfsCycle(node Ref, byRef map[Ref]*BuildArtifact, remaining map[Ref]bool, path []Ref, onStack map[Ref]bool) []Ref {
	if onStack[node] {
		for i, r := range path {
			if r == node {
				return append(path[i:], node)
			}
		}
		return append(path, node)
	}

	onStack[node] = true
	path = append(path, node)

	a := byRef[node]
	deps := make([]Ref, 0, len(a.DependsOn))
	for _, dep := range a.DependsOn {
		if remaining[dep] {
			deps = append(deps, dep)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })

	for _, dep := range deps {
		if cycle := o.dfsCycle(dep, byRef, remaining, path, onStack); cycle != nil {
			return cycle
		}
	}

	onStack[node] = false
	return nil
}

// sortByBaseOrder orders the ready queue by the resolver's base ordering,
// then identifier for manifests sharing a position.
func sortByBaseOrder(artifacts []*BuildArtifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].BaseOrder != artifacts[j].BaseOrder {
			return artifacts[i].BaseOrder < artifacts[j].BaseOrder
		}
		return artifacts[i].Identifier < artifacts[j].Identifier
	})
}
