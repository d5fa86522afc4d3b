package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/strata-deploy/strata/pkg/engine"
)

// ManifestFileName is the build index written next to the artifact files.
const ManifestFileName = "manifest.json"

// buildManifest is the serialized build index: everything deploy needs that
// the artifact YAML files alone do not carry.
type buildManifest struct {
	Environment string          `json:"environment,omitempty"`
	Artifacts   []artifactEntry `json:"artifacts"`
}

type artifactEntry struct {
	Kind       engine.Kind  `json:"kind"`
	Identifier string       `json:"identifier"`
	File       string       `json:"file"`
	DependsOn  []engine.Ref `json:"depends_on,omitempty"`
	Module     string       `json:"module"`
	SourceFile string       `json:"source_file"`
	BaseOrder  int          `json:"base_order"`
}

// WriteArtifacts writes artifacts under dir as <kind>/<identifier>.yaml plus
// the manifest index. With clean set, a pre-existing output directory is
// removed first so the output exactly mirrors this build.
func WriteArtifacts(dir string, environment string, artifacts []*engine.BuildArtifact, clean bool) error {
	if clean {
		if err := os.RemoveAll(dir); err != nil {
			return engine.NewPermanentError("failed to clean output directory: "+dir, err).
				WithCode(engine.ErrCodeInternal)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return engine.NewPermanentError("failed to create output directory: "+dir, err).
			WithCode(engine.ErrCodeInternal)
	}

	manifest := buildManifest{Environment: environment}
	sorted := append([]*engine.BuildArtifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BaseOrder < sorted[j].BaseOrder })

	for _, a := range sorted {
		rel := filepath.Join(string(a.Kind), a.Identifier+".yaml")
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return engine.NewPermanentError("failed to create kind directory", err).
				WithCode(engine.ErrCodeInternal)
		}
		if err := os.WriteFile(path, a.Content, 0644); err != nil {
			return engine.NewPermanentError("failed to write artifact "+rel, err).
				WithCode(engine.ErrCodeInternal)
		}
		manifest.Artifacts = append(manifest.Artifacts, artifactEntry{
			Kind:       a.Kind,
			Identifier: a.Identifier,
			File:       rel,
			DependsOn:  a.DependsOn,
			Module:     a.Module,
			SourceFile: a.SourceFile,
			BaseOrder:  a.BaseOrder,
		})
	}

	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return engine.NewPermanentError("failed to serialize build manifest", err).
			WithCode(engine.ErrCodeInternal)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0644); err != nil {
		return engine.NewPermanentError("failed to write build manifest", err).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

// ReadArtifacts loads a build directory written by WriteArtifacts back into
// artifacts, restoring dependency edges and base order from the index.
func ReadArtifacts(dir string) (string, []*engine.BuildArtifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("%s is not a build directory (missing %s)", dir, ManifestFileName), err).
			WithCode(engine.ErrCodeNotFound)
	}

	var manifest buildManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", nil, engine.NewPermanentError("corrupt build manifest in "+dir, err).
			WithCode(engine.ErrCodeValidation)
	}

	artifacts := make([]*engine.BuildArtifact, 0, len(manifest.Artifacts))
	for _, entry := range manifest.Artifacts {
		content, err := os.ReadFile(filepath.Join(dir, entry.File))
		if err != nil {
			return "", nil, engine.NewPermanentError("missing artifact file "+entry.File, err).
				WithCode(engine.ErrCodeNotFound)
		}
		var fields map[string]interface{}
		if err := yaml.Unmarshal(content, &fields); err != nil {
			return "", nil, engine.NewPermanentError("corrupt artifact file "+entry.File, err).
				WithCode(engine.ErrCodeValidation)
		}
		artifacts = append(artifacts, &engine.BuildArtifact{
			Kind:       entry.Kind,
			Identifier: entry.Identifier,
			Content:    content,
			Fields:     fields,
			DependsOn:  entry.DependsOn,
			Module:     entry.Module,
			SourceFile: entry.SourceFile,
			BaseOrder:  entry.BaseOrder,
		})
	}
	return manifest.Environment, artifacts, nil
}
