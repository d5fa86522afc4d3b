package build

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"

	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/modules"
	"github.com/strata-deploy/strata/pkg/template"
	"github.com/strata-deploy/strata/pkg/vars"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fixturePipeline(t *testing.T) (*Pipeline, *modules.Tree) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "credential/warehouse.yaml", `
name: warehouse-ro
kind_hint: readonly
`)
	writeFile(t, root, "analytics/dataset/events.yaml", `
name: events
credential: warehouse-ro
region: "{{ region }}"
`)
	writeFile(t, root, "analytics/pipeline/ingest.yaml", `
name: ingest
inputs:
  - events
schedule:
  cron: "0 * * * *"
`)

	tree, err := modules.NewResolver(zerolog.Nop()).Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	store := vars.NewStore([]vars.Variable{
		{Key: "region", Value: cty.StringVal("eu-west-1")},
	}, nil)
	renderer := template.NewRenderer(store, nil)
	return NewPipeline(renderer, zerolog.Nop()), tree
}

func TestBuildProducesArtifacts(t *testing.T) {
	p, tree := fixturePipeline(t)

	artifacts, err := p.Build(tree)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(artifacts))
	}

	byRef := make(map[engine.Ref]*engine.BuildArtifact)
	for _, a := range artifacts {
		byRef[a.Ref()] = a
	}

	events := byRef[engine.Ref{Kind: engine.KindDataset, Identifier: "events"}]
	if events == nil {
		t.Fatal("events artifact missing")
	}
	if events.Fields["region"] != "eu-west-1" {
		t.Errorf("variable not rendered: %v", events.Fields)
	}
}

func TestBuildDependencyScan(t *testing.T) {
	p, tree := fixturePipeline(t)

	artifacts, err := p.Build(tree)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	deps := make(map[string][]engine.Ref)
	for _, a := range artifacts {
		deps[a.Identifier] = a.DependsOn
	}

	// events references the credential by identifier.
	if len(deps["events"]) != 1 || deps["events"][0] != (engine.Ref{Kind: engine.KindCredential, Identifier: "warehouse-ro"}) {
		t.Errorf("events deps = %v", deps["events"])
	}
	// ingest references the dataset inside a list.
	found := false
	for _, d := range deps["ingest"] {
		if d == (engine.Ref{Kind: engine.KindDataset, Identifier: "events"}) {
			found = true
		}
	}
	if !found {
		t.Errorf("ingest should depend on dataset/events, got %v", deps["ingest"])
	}
	// The credential has no reference sources.
	if len(deps["warehouse-ro"]) != 0 {
		t.Errorf("credential deps = %v", deps["warehouse-ro"])
	}
}

func TestBuildDeterministic(t *testing.T) {
	p, tree := fixturePipeline(t)

	first, err := p.Build(tree)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Build(tree)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatal("artifact count changed between builds")
		}
		for j := range first {
			if first[j].Identifier != again[j].Identifier {
				t.Fatal("artifact order changed between builds")
			}
			if !bytes.Equal(first[j].Content, again[j].Content) {
				t.Fatalf("artifact %s content not byte-identical", first[j].Identifier)
			}
		}
	}
}

func TestBuildDuplicateIdentifier(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/dataset/events.yaml", "name: events\n")
	writeFile(t, root, "b/dataset/other.yaml", "name: events\n")

	tree, err := modules.NewResolver(zerolog.Nop()).Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(template.NewRenderer(vars.NewStore(nil, nil), nil), zerolog.Nop())

	_, err = p.Build(tree)
	if err == nil {
		t.Fatal("expected duplicate identifier error")
	}
	// Both defining files are named.
	if !strings.Contains(err.Error(), "a/dataset/events.yaml") || !strings.Contains(err.Error(), "b/dataset/other.yaml") {
		t.Errorf("error should name both files: %v", err)
	}
}

func TestBuildRejectsDependencyCycles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pipeline/extract.yaml", `
name: extract
follows: enrich
`)
	writeFile(t, root, "pipeline/enrich.yaml", `
name: enrich
follows: extract
`)

	tree, err := modules.NewResolver(zerolog.Nop()).Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(template.NewRenderer(vars.NewStore(nil, nil), nil), zerolog.Nop())

	_, err = p.Build(tree)
	if err == nil {
		t.Fatal("expected cycle error at build time")
	}
	var cycle *engine.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *engine.CycleError, got %T: %v", err, err)
	}
	for _, id := range []string{"extract", "enrich"} {
		found := false
		for _, r := range cycle.Path {
			if r == (engine.Ref{Kind: engine.KindPipeline, Identifier: id}) {
				found = true
			}
		}
		if !found {
			t.Errorf("cycle path missing pipeline/%s: %v", id, cycle.Path)
		}
	}
}

func TestBuildAggregatesErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dataset/one.yaml", `name: "{{ missing_a }}"`)
	writeFile(t, root, "dataset/two.yaml", "no_identifier: true\n")
	writeFile(t, root, "dataset/three.yaml", "name: fine\n")

	tree, err := modules.NewResolver(zerolog.Nop()).Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(template.NewRenderer(vars.NewStore(nil, nil), nil), zerolog.Nop())

	_, err = p.Build(tree)
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !strings.Contains(err.Error(), "missing_a") || !strings.Contains(err.Error(), "two.yaml") {
		t.Errorf("aggregate should report both failures: %v", err)
	}
}

func TestWriteAndReadArtifacts(t *testing.T) {
	p, tree := fixturePipeline(t)
	artifacts, err := p.Build(tree)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "build")
	if err := WriteArtifacts(out, "staging", artifacts, true); err != nil {
		t.Fatalf("WriteArtifacts() error = %v", err)
	}

	// Files land at <kind>/<identifier>.yaml.
	if _, err := os.Stat(filepath.Join(out, "dataset", "events.yaml")); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}

	env, loaded, err := ReadArtifacts(out)
	if err != nil {
		t.Fatalf("ReadArtifacts() error = %v", err)
	}
	if env != "staging" {
		t.Errorf("environment = %q", env)
	}
	if len(loaded) != len(artifacts) {
		t.Fatalf("round trip lost artifacts: %d != %d", len(loaded), len(artifacts))
	}
	for i := range artifacts {
		if loaded[i].Identifier != artifacts[i].Identifier {
			t.Errorf("order changed: %s != %s", loaded[i].Identifier, artifacts[i].Identifier)
		}
		if !bytes.Equal(loaded[i].Content, artifacts[i].Content) {
			t.Errorf("content changed for %s", loaded[i].Identifier)
		}
		if len(loaded[i].DependsOn) != len(artifacts[i].DependsOn) {
			t.Errorf("dependencies lost for %s", loaded[i].Identifier)
		}
	}
}

func TestWriteArtifactsClean(t *testing.T) {
	p, tree := fixturePipeline(t)
	artifacts, err := p.Build(tree)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "build")
	stale := filepath.Join(out, "dataset", "stale.yaml")
	writeFile(t, out, "dataset/stale.yaml", "name: stale\n")

	if err := WriteArtifacts(out, "staging", artifacts, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("clean build should remove stale artifacts")
	}
}
