package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strata-deploy/strata/pkg/modules"
)

func writeConfig(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fixtureConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, "strata.yaml", `
name: analytics-platform
default_environment: staging
environments: [staging, production]
`)
	writeConfig(t, dir, "environments/staging.yaml", `
scope: analytics/staging
variables:
  region: eu-west-1
  replicas: 2
`)
	writeConfig(t, dir, "environments/production.yaml", `
name: production
variables:
  region: eu-central-1
  replicas: 6
computed_script: computed.star
max_parallel: 8
`)
	writeConfig(t, dir, "computed.star", `
_suffix = "-" + region

bucket = "data" + _suffix
workers = replicas * 2
`)
	return dir
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func TestLoadProject(t *testing.T) {
	dir := fixtureConfig(t)
	l := newTestLoader(t)

	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if project.Name != "analytics-platform" {
		t.Errorf("Name = %q", project.Name)
	}
	if project.ModulesDir != "modules" || project.OutputDir != "build" {
		t.Errorf("defaults not applied: %+v", project)
	}
	if project.DefaultEnvironment != "staging" {
		t.Errorf("DefaultEnvironment = %q", project.DefaultEnvironment)
	}
}

func TestLoadProjectSchemaRejection(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "strata.yaml", `
name: "Invalid Name With Spaces"
`)
	l := newTestLoader(t)

	if _, err := l.LoadProject(dir); err == nil {
		t.Fatal("expected schema rejection for invalid project name")
	}
}

func TestLoadProjectMissing(t *testing.T) {
	l := newTestLoader(t)
	if _, err := l.LoadProject(t.TempDir()); err == nil {
		t.Fatal("expected error for missing descriptor")
	}
}

func TestLoadEnvironment(t *testing.T) {
	dir := fixtureConfig(t)
	l := newTestLoader(t)
	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}

	env, err := l.LoadEnvironment(dir, project, "staging")
	if err != nil {
		t.Fatalf("LoadEnvironment() error = %v", err)
	}
	if env.Name != "staging" {
		t.Errorf("name should default from file name, got %q", env.Name)
	}
	if env.Scope != "analytics/staging" {
		t.Errorf("Scope = %q", env.Scope)
	}
	if env.Variables["region"] != "eu-west-1" {
		t.Errorf("variables = %v", env.Variables)
	}
}

func TestLoadEnvironmentDefaultScope(t *testing.T) {
	dir := fixtureConfig(t)
	l := newTestLoader(t)
	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}

	env, err := l.LoadEnvironment(dir, project, "production")
	if err != nil {
		t.Fatalf("LoadEnvironment() error = %v", err)
	}
	if env.Scope != "analytics-platform/production" {
		t.Errorf("default scope = %q", env.Scope)
	}
}

func TestLoadEnvironmentNameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "strata.yaml", "name: p\n")
	writeConfig(t, dir, "environments/staging.yaml", "name: prod\n")
	l := newTestLoader(t)
	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.LoadEnvironment(dir, project, "staging"); err == nil {
		t.Fatal("expected error for name mismatch")
	}
}

func TestListEnvironments(t *testing.T) {
	dir := fixtureConfig(t)
	l := newTestLoader(t)

	names, err := l.ListEnvironments(dir)
	if err != nil {
		t.Fatalf("ListEnvironments() error = %v", err)
	}
	if len(names) != 2 || names[0] != "production" || names[1] != "staging" {
		t.Errorf("names = %v", names)
	}
}

func TestBuildVariablesWithComputed(t *testing.T) {
	dir := fixtureConfig(t)
	l := newTestLoader(t)
	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}
	env, err := l.LoadEnvironment(dir, project, "production")
	if err != nil {
		t.Fatal(err)
	}

	variables, err := l.BuildVariables(dir, env, nil)
	if err != nil {
		t.Fatalf("BuildVariables() error = %v", err)
	}

	byKey := make(map[string]bool)
	for _, v := range variables {
		byKey[v.Key] = true
	}
	for _, want := range []string{"region", "replicas", "bucket", "workers"} {
		if !byKey[want] {
			t.Errorf("missing variable %q in %v", want, byKey)
		}
	}
	if byKey["_suffix"] {
		t.Error("underscore globals must stay private to the script")
	}
}

func TestBuildVariablesModuleFiles(t *testing.T) {
	dir := fixtureConfig(t)
	varFile := filepath.Join(dir, "module-vars.yaml")
	if err := os.WriteFile(varFile, []byte("region: module-region\n"), 0644); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t)
	project, err := l.LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}
	env, err := l.LoadEnvironment(dir, project, "staging")
	if err != nil {
		t.Fatal(err)
	}

	variables, err := l.BuildVariables(dir, env, []modules.VariableFile{
		{Path: varFile, ScopePath: []string{"analytics"}},
	})
	if err != nil {
		t.Fatalf("BuildVariables() error = %v", err)
	}

	found := false
	for _, v := range variables {
		if v.Key == "region" && len(v.ScopePath) == 1 && v.ScopePath[0] == "analytics" {
			found = true
		}
	}
	if !found {
		t.Errorf("module-scoped variable missing: %+v", variables)
	}
}

func TestStarlarkEvaluatorErrors(t *testing.T) {
	se := NewStarlarkEvaluator(0)

	_, err := se.Evaluate("x = undefined_name", nil)
	if err == nil {
		t.Fatal("expected evaluation error")
	}
	if !strings.Contains(err.Error(), "starlark") {
		t.Errorf("error should mention starlark: %v", err)
	}
}

func TestStarlarkEvaluatorTypes(t *testing.T) {
	se := NewStarlarkEvaluator(0)

	result, err := se.Evaluate(`
flag = not base_flag
count = base_count + 1
names = [n.upper() for n in base_names]
meta = {"env": env_name}
`, map[string]interface{}{
		"base_flag":  false,
		"base_count": 2,
		"base_names": []interface{}{"a", "b"},
		"env_name":   "staging",
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.Output["flag"] != true {
		t.Errorf("flag = %v", result.Output["flag"])
	}
	if result.Output["count"] != int64(3) {
		t.Errorf("count = %v (%T)", result.Output["count"], result.Output["count"])
	}
	names, ok := result.Output["names"].([]interface{})
	if !ok || len(names) != 2 || names[0] != "A" {
		t.Errorf("names = %v", result.Output["names"])
	}
	meta, ok := result.Output["meta"].(map[string]interface{})
	if !ok || meta["env"] != "staging" {
		t.Errorf("meta = %v", result.Output["meta"])
	}
}
