// Package build turns raw manifests into reconcilable build artifacts:
// render, parse, identifier extraction, dependency scan, deterministic
// output. Build errors accumulate across all manifests so a single run
// reports everything wrong with the tree.
package build

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/modules"
	"github.com/strata-deploy/strata/pkg/telemetry"
	"github.com/strata-deploy/strata/pkg/template"
)

// identifierField is the natural-key field every manifest must declare.
const identifierField = "name"

// Pipeline builds artifacts from a resolved module tree.
type Pipeline struct {
	renderer *template.Renderer
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewPipeline creates a build pipeline.
func NewPipeline(renderer *template.Renderer, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		renderer: renderer,
		logger:   logger.With().Str("component", "build").Logger(),
	}
}

// WithMetrics attaches a metrics collector.
func (p *Pipeline) WithMetrics(m *telemetry.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Build renders and parses every manifest in the tree. Identical inputs
// always produce identical artifacts in identical order. All failures are
// collected into one aggregate error; a partially failed build returns no
// artifacts.
func (p *Pipeline) Build(tree *modules.Tree) ([]*engine.BuildArtifact, error) {
	start := time.Now()

	var errs *multierror.Error
	artifacts := make([]*engine.BuildArtifact, 0, len(tree.Manifests))

	for i := range tree.Manifests {
		m := &tree.Manifests[i]
		artifact, err := p.buildOne(m)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		artifacts = append(artifacts, artifact)
	}

	errs = multierror.Append(errs, p.checkDuplicates(artifacts)...)

	if err := errs.ErrorOrNil(); err != nil {
		if p.metrics != nil {
			p.metrics.RecordBuild("failed", time.Since(start))
		}
		return nil, err
	}

	p.scanDependencies(artifacts)

	// Dependency cycles are fatal at build time: deploy must never see an
	// unorderable artifact set.
	if _, err := engine.NewOrderer().Order(artifacts); err != nil {
		if p.metrics != nil {
			p.metrics.RecordBuild("failed", time.Since(start))
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordBuild("succeeded", time.Since(start))
		perKind := make(map[engine.Kind]int)
		for _, a := range artifacts {
			perKind[a.Kind]++
		}
		for kind, n := range perKind {
			p.metrics.SetArtifactCount(string(kind), float64(n))
		}
	}
	p.logger.Info().Int("artifacts", len(artifacts)).Msg("build completed")
	return artifacts, nil
}

// buildOne renders and parses a single manifest.
func (p *Pipeline) buildOne(m *engine.RawManifest) (*engine.BuildArtifact, error) {
	rendered, err := p.renderer.Render(m.SourceFile, m.Raw, m.ScopePath)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := yaml.Unmarshal(rendered, &fields); err != nil {
		return nil, engine.NewPermanentError("rendered manifest is not a mapping: "+m.SourceFile, err).
			WithCode(engine.ErrCodeValidation)
	}
	if fields == nil {
		return nil, engine.NewPermanentError("manifest is empty: "+m.SourceFile, nil).
			WithCode(engine.ErrCodeValidation)
	}

	identifier, ok := fields[identifierField].(string)
	if !ok || identifier == "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("manifest %s is missing its %q identifier", m.SourceFile, identifierField), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(m.Kind, "")
	}

	return &engine.BuildArtifact{
		Kind:       m.Kind,
		Identifier: identifier,
		Content:    rendered,
		Fields:     fields,
		Module:     m.Module,
		SourceFile: m.SourceFile,
		BaseOrder:  m.BaseOrder,
	}, nil
}

// checkDuplicates reports every identifier declared twice within a kind,
// naming both source files.
func (p *Pipeline) checkDuplicates(artifacts []*engine.BuildArtifact) []error {
	seen := make(map[engine.Ref]*engine.BuildArtifact, len(artifacts))
	var errs []error
	for _, a := range artifacts {
		ref := a.Ref()
		if prev, ok := seen[ref]; ok {
			errs = append(errs, engine.NewPermanentError(
				fmt.Sprintf("duplicate %s %q defined in %s and %s",
					a.Kind, a.Identifier, prev.SourceFile, a.SourceFile), nil).
				WithCode(engine.ErrCodeDuplicateResource).
				WithResource(a.Kind, a.Identifier))
			continue
		}
		seen[ref] = a
	}
	return errs
}

// scanDependencies populates DependsOn by matching string field values
// against the identifiers of each kind's allowed reference sources.
func (p *Pipeline) scanDependencies(artifacts []*engine.BuildArtifact) {
	known := make(map[engine.Kind]map[string]bool)
	for _, a := range artifacts {
		if known[a.Kind] == nil {
			known[a.Kind] = make(map[string]bool)
		}
		known[a.Kind][a.Identifier] = true
	}

	for _, a := range artifacts {
		sources := engine.ReferenceSources(a.Kind)
		if len(sources) == 0 {
			continue
		}
		found := make(map[engine.Ref]bool)
		collectRefs(a.Fields, "", a, sources, known, found)

		a.DependsOn = a.DependsOn[:0]
		for _, kind := range sources {
			ids := make([]string, 0)
			for ref := range found {
				if ref.Kind == kind {
					ids = append(ids, ref.Identifier)
				}
			}
			sort.Strings(ids)
			for _, id := range ids {
				a.DependsOn = append(a.DependsOn, engine.Ref{Kind: kind, Identifier: id})
			}
		}
	}
}

// collectRefs walks the structural form and records matches of string values
// against known prerequisite identifiers. The artifact's own identifier
// field never counts as a reference.
func collectRefs(v interface{}, path string, a *engine.BuildArtifact, sources []engine.Kind, known map[engine.Kind]map[string]bool, found map[engine.Ref]bool) {
	switch t := v.(type) {
	case string:
		if path == identifierField {
			return
		}
		for _, kind := range sources {
			if known[kind][t] {
				ref := engine.Ref{Kind: kind, Identifier: t}
				if ref != a.Ref() {
					found[ref] = true
				}
			}
		}
	case map[string]interface{}:
		for k, e := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			collectRefs(e, childPath, a, sources, known, found)
		}
	case []interface{}:
		for _, e := range t {
			collectRefs(e, path, a, sources, known, found)
		}
	}
}
