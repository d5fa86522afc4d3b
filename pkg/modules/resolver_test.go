package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/strata-deploy/strata/pkg/engine"
)

func writeFile(t *testing.T, root string, rel string, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fixtureTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "variables.yaml", "region: global\n")
	writeFile(t, root, "credential/warehouse.yaml", "name: warehouse\n")
	writeFile(t, root, "analytics/variables.yaml", "region: module\n")
	writeFile(t, root, "analytics/dataset/10-events.yaml", "name: events\n")
	writeFile(t, root, "analytics/dataset/5-sessions.yaml", "name: sessions\n")
	writeFile(t, root, "analytics/dataset/users.yaml", "name: users\n")
	writeFile(t, root, "analytics/pipeline/ingest.yaml", "name: ingest\n")
	writeFile(t, root, "analytics/nested/dataset/clicks.yaml", "name: clicks\n")
	writeFile(t, root, "billing/dataset/invoices.yaml", "name: invoices\n")
	writeFile(t, root, "billing/notes.txt", "not a manifest\n")
	return root
}

func TestResolveFullTree(t *testing.T) {
	tree, err := NewResolver(zerolog.Nop()).Resolve(fixtureTree(t), nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	wantModules := []string{"", "analytics", "analytics/nested", "billing"}
	if len(tree.Modules) != len(wantModules) {
		t.Fatalf("modules = %v, want %v", tree.Modules, wantModules)
	}
	for i, m := range wantModules {
		if tree.Modules[i] != m {
			t.Errorf("modules[%d] = %q, want %q", i, tree.Modules[i], m)
		}
	}

	if len(tree.Manifests) != 7 {
		t.Fatalf("expected 7 manifests, got %d: %v", len(tree.Manifests), tree.Describe())
	}

	// Base order is strictly increasing in traversal order.
	for i, m := range tree.Manifests {
		if m.BaseOrder != i {
			t.Errorf("manifest %s has base order %d, want %d", m.SourceFile, m.BaseOrder, i)
		}
	}
}

func TestResolveNumericPrefixOrdering(t *testing.T) {
	tree, err := NewResolver(zerolog.Nop()).Resolve(fixtureTree(t), []string{"analytics"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var datasets []string
	var hints []int
	for _, m := range tree.Manifests {
		if m.Kind == engine.KindDataset && m.Module == "analytics" {
			datasets = append(datasets, filepath.Base(m.SourceFile))
			hints = append(hints, m.OrderHint)
		}
	}

	want := []string{"5-sessions.yaml", "10-events.yaml", "users.yaml"}
	if len(datasets) != len(want) {
		t.Fatalf("datasets = %v, want %v", datasets, want)
	}
	for i := range want {
		if datasets[i] != want[i] {
			t.Errorf("datasets[%d] = %q, want %q", i, datasets[i], want[i])
		}
	}
	if hints[0] != 5 || hints[1] != 10 || hints[2] != -1 {
		t.Errorf("order hints = %v, want [5 10 -1]", hints)
	}
}

func TestResolveKindPrecedenceWithinModule(t *testing.T) {
	tree, err := NewResolver(zerolog.Nop()).Resolve(fixtureTree(t), []string{"analytics"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var kinds []engine.Kind
	for _, m := range tree.Manifests {
		if m.Module == "analytics" {
			kinds = append(kinds, m.Kind)
		}
	}
	// Datasets come before pipelines even though "dataset" < "pipeline" is
	// also lexical; verify via stratum monotonicity.
	for i := 1; i < len(kinds); i++ {
		if engine.StratumOf(kinds[i]) < engine.StratumOf(kinds[i-1]) {
			t.Errorf("kind order violates precedence: %v", kinds)
		}
	}
}

func TestResolveSelection(t *testing.T) {
	tests := []struct {
		name      string
		selection []string
		wantMods  []string
	}{
		{"by name", []string{"billing"}, []string{"billing"}},
		{"by path prefix includes subtree", []string{"analytics"}, []string{"analytics", "analytics/nested"}},
		{"by nested path", []string{"analytics/nested"}, []string{"analytics/nested"}},
		{"nested by leaf name", []string{"nested"}, []string{"analytics/nested"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := NewResolver(zerolog.Nop()).Resolve(fixtureTree(t), tt.selection)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if len(tree.Modules) != len(tt.wantMods) {
				t.Fatalf("modules = %v, want %v", tree.Modules, tt.wantMods)
			}
			for i := range tt.wantMods {
				if tree.Modules[i] != tt.wantMods[i] {
					t.Errorf("modules[%d] = %q, want %q", i, tree.Modules[i], tt.wantMods[i])
				}
			}
		})
	}
}

func TestResolveScopePaths(t *testing.T) {
	tree, err := NewResolver(zerolog.Nop()).Resolve(fixtureTree(t), nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	for _, m := range tree.Manifests {
		if filepath.Base(m.SourceFile) == "clicks.yaml" {
			if len(m.ScopePath) != 2 || m.ScopePath[0] != "analytics" || m.ScopePath[1] != "nested" {
				t.Errorf("clicks.yaml scope = %v, want [analytics nested]", m.ScopePath)
			}
		}
	}

	var varScopes [][]string
	for _, vf := range tree.VariableFiles {
		varScopes = append(varScopes, vf.ScopePath)
	}
	if len(varScopes) != 2 {
		t.Fatalf("expected 2 variable files, got %v", varScopes)
	}
	if len(varScopes[0]) != 0 {
		t.Errorf("first variable file should be global scope, got %v", varScopes[0])
	}
}

func TestResolveMissingRoot(t *testing.T) {
	_, err := NewResolver(zerolog.Nop()).Resolve(filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestOrderHint(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"10-events.yaml", 10},
		{"020_legacy.yaml", 20},
		{"events.yaml", -1},
		{"5.yaml", -1},
		{"-5-x.yaml", -1},
	}
	for _, tt := range tests {
		if got := orderHint(tt.name); got != tt.want {
			t.Errorf("orderHint(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}
