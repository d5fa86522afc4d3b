package loaders

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/strata-deploy/strata/pkg/engine"
)

func testArtifact(kind engine.Kind, id string, fields map[string]interface{}) *engine.BuildArtifact {
	if fields == nil {
		fields = map[string]interface{}{"name": id}
	}
	return &engine.BuildArtifact{Kind: kind, Identifier: id, Fields: fields}
}

func TestPlatformCreateRetrieve(t *testing.T) {
	p := NewPlatform()
	l := p.Loader(engine.KindDataset, "proj/staging", nil)
	ctx := context.Background()

	if err := l.Create(ctx, testArtifact(engine.KindDataset, "events", nil)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	states, err := l.Retrieve(ctx, []string{"events", "missing"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !states["events"].Present {
		t.Error("created resource should be present")
	}
	if states["events"].Version != "1" {
		t.Errorf("version = %q, want 1", states["events"].Version)
	}
	if states["missing"].Present {
		t.Error("missing resource reported present")
	}
}

func TestPlatformCreateDuplicate(t *testing.T) {
	p := NewPlatform()
	l := p.Loader(engine.KindDataset, "s", nil)
	ctx := context.Background()

	if err := l.Create(ctx, testArtifact(engine.KindDataset, "events", nil)); err != nil {
		t.Fatal(err)
	}
	err := l.Create(ctx, testArtifact(engine.KindDataset, "events", nil))
	if !engine.IsConflict(err) {
		t.Errorf("duplicate create should conflict, got %v", err)
	}
}

func TestPlatformUpdateVersionConflict(t *testing.T) {
	p := NewPlatform()
	l := p.Loader(engine.KindDataset, "s", nil)
	ctx := context.Background()

	if err := l.Create(ctx, testArtifact(engine.KindDataset, "events", nil)); err != nil {
		t.Fatal(err)
	}

	stale := &engine.RemoteState{Kind: engine.KindDataset, Identifier: "events", Present: true, Version: "1"}
	if err := l.Update(ctx, testArtifact(engine.KindDataset, "events", map[string]interface{}{"name": "events", "v": 2}), stale); err != nil {
		t.Fatalf("first update error = %v", err)
	}

	// The same stale version again must conflict.
	err := l.Update(ctx, testArtifact(engine.KindDataset, "events", map[string]interface{}{"name": "events", "v": 3}), stale)
	if !engine.IsConflict(err) {
		t.Errorf("stale update should conflict, got %v", err)
	}
}

func TestPlatformListScope(t *testing.T) {
	p := NewPlatform()
	staging := p.Loader(engine.KindPipeline, "proj/staging", nil)
	prod := p.Loader(engine.KindPipeline, "proj/prod", nil)
	ctx := context.Background()

	if err := staging.Create(ctx, testArtifact(engine.KindPipeline, "staged", nil)); err != nil {
		t.Fatal(err)
	}
	if err := prod.Create(ctx, testArtifact(engine.KindPipeline, "live", nil)); err != nil {
		t.Fatal(err)
	}

	listed, err := staging.ListScope(ctx, "proj/staging")
	if err != nil {
		t.Fatalf("ListScope() error = %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected only the staging resource, got %v", listed)
	}
	if _, ok := listed["staged"]; !ok {
		t.Errorf("staged resource missing from scope listing")
	}
}

func TestPlatformEqualNormalizes(t *testing.T) {
	p := NewPlatform()
	l := p.Loader(engine.KindDataset, "s", nil)

	desired := map[string]interface{}{"name": "events", "retention": 30}
	remote := map[string]interface{}{
		"name":       "events",
		"retention":  float64(30),
		"created_at": "2026-08-24T10:00:00Z",
		"etag":       "xyz",
	}
	if !l.Equal(desired, remote) {
		t.Error("server fields and numeric widths must not break equality")
	}

	remote["retention"] = float64(7)
	if l.Equal(desired, remote) {
		t.Error("genuine differences must be detected")
	}
}

func TestPlatformPersistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "platform")
	ctx := context.Background()

	p, err := OpenPlatform(dir)
	if err != nil {
		t.Fatalf("OpenPlatform() error = %v", err)
	}
	l := p.Loader(engine.KindCredential, "s", nil)
	if err := l.Create(ctx, testArtifact(engine.KindCredential, "warehouse", nil)); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenPlatform(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	states, err := reopened.Loader(engine.KindCredential, "s", nil).Retrieve(ctx, []string{"warehouse"})
	if err != nil {
		t.Fatal(err)
	}
	if !states["warehouse"].Present {
		t.Error("persisted resource lost across reopen")
	}
}

func TestNewRegistryCoversAllKinds(t *testing.T) {
	registry, err := NewRegistry(NewPlatform(), "s")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	for _, kind := range engine.Kinds() {
		if _, err := registry.Get(kind); err != nil {
			t.Errorf("no loader for kind %s: %v", kind, err)
		}
	}
}

func TestKindNormalizers(t *testing.T) {
	p := NewPlatform()
	l := p.Loader(engine.KindCredential, "s", normalizers[engine.KindCredential])

	desired := map[string]interface{}{"name": "warehouse"}
	remote := map[string]interface{}{
		"name":            "warehouse",
		"last_rotated_at": "2026-08-01T00:00:00Z",
		"fingerprint":     "ab:cd",
	}
	if !l.Equal(desired, remote) {
		t.Error("credential rotation metadata must be ignored")
	}
}
