package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/modules"
	"github.com/strata-deploy/strata/pkg/vars"
)

const (
	// ProjectFileName is the project descriptor file name.
	ProjectFileName = "strata.yaml"

	// EnvironmentsDir holds the per-environment descriptors.
	EnvironmentsDir = "environments"
)

// Loader reads and validates project configuration from a config directory.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	evaluator *StarlarkEvaluator
}

// NewLoader creates a config loader.
func NewLoader() (*Loader, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Loader{
		schemas:   schemas,
		validator: validator.New(),
		evaluator: NewStarlarkEvaluator(0),
	}, nil
}

// LoadProject reads and validates the project descriptor in dir.
func (l *Loader) LoadProject(dir string) (*Project, error) {
	path := filepath.Join(dir, ProjectFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("project descriptor not found: "+path, err).
			WithCode(engine.ErrCodeNotFound)
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, engine.NewPermanentError("invalid YAML in "+path, err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.schemas.Validate("project", generic); err != nil {
		return nil, engine.NewPermanentError("project descriptor rejected", err).
			WithCode(engine.ErrCodeValidation)
	}

	var project Project
	if err := yaml.Unmarshal(raw, &project); err != nil {
		return nil, engine.NewPermanentError("failed to decode "+path, err).
			WithCode(engine.ErrCodeValidation)
	}
	project.applyDefaults()
	if err := l.validator.Struct(&project); err != nil {
		return nil, engine.NewPermanentError("project descriptor invalid", err).
			WithCode(engine.ErrCodeValidation)
	}
	return &project, nil
}

// LoadEnvironment reads and validates one environment descriptor. The
// environment name defaults to the file name.
func (l *Loader) LoadEnvironment(dir string, project *Project, name string) (*Environment, error) {
	path := filepath.Join(dir, EnvironmentsDir, name+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("environment %q not found (%s)", name, path), err).
			WithCode(engine.ErrCodeNotFound)
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, engine.NewPermanentError("invalid YAML in "+path, err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.schemas.Validate("environment", generic); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("environment %q rejected", name), err).
			WithCode(engine.ErrCodeValidation)
	}

	var env Environment
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, engine.NewPermanentError("failed to decode "+path, err).
			WithCode(engine.ErrCodeValidation)
	}
	if env.Name == "" {
		env.Name = name
	}
	if env.Name != name {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("environment file %s declares name %q", path, env.Name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	env.applyDefaults(project)
	if err := l.validator.Struct(&env); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("environment %q invalid", name), err).
			WithCode(engine.ErrCodeValidation)
	}
	return &env, nil
}

// ListEnvironments returns the environment names present in dir, sorted.
func (l *Loader) ListEnvironments(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, EnvironmentsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") {
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// BuildVariables assembles the full variable set for an environment: the
// descriptor's globals, computed Starlark variables, then the module tree's
// local variable files. Environment overrides (STRATA_VAR_) are layered by
// the store itself.
func (l *Loader) BuildVariables(dir string, env *Environment, varFiles []modules.VariableFile) ([]vars.Variable, error) {
	var out []vars.Variable

	globalKeys := sortedKeys(env.Variables)
	for _, k := range globalKeys {
		v, err := vars.FromGo(env.Variables[k])
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("environment variable %q has unsupported value", k), err).
				WithCode(engine.ErrCodeValidation)
		}
		out = append(out, vars.Variable{Key: k, Value: v})
	}

	if env.ComputedScript != "" {
		computed, err := l.evaluateComputed(filepath.Join(dir, env.ComputedScript), env.Variables)
		if err != nil {
			return nil, err
		}
		for _, k := range sortedKeys(computed) {
			v, err := vars.FromGo(computed[k])
			if err != nil {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("computed variable %q has unsupported value", k), err).
					WithCode(engine.ErrCodeValidation)
			}
			out = append(out, vars.Variable{Key: k, Value: v})
		}
	}

	for _, vf := range varFiles {
		fileVars, err := LoadVariableFile(vf.Path, vf.ScopePath)
		if err != nil {
			return nil, err
		}
		out = append(out, fileVars...)
	}

	return out, nil
}

// evaluateComputed runs the environment's Starlark script with the declared
// variables predeclared and returns its exported globals.
func (l *Loader) evaluateComputed(path string, declared map[string]interface{}) (map[string]interface{}, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("computed-variables script not found: "+path, err).
			WithCode(engine.ErrCodeNotFound)
	}
	result, err := l.evaluator.Evaluate(string(script), declared)
	if err != nil {
		return nil, engine.NewPermanentError("computed-variables script failed: "+path, err).
			WithCode(engine.ErrCodeValidation)
	}
	return result.Output, nil
}

// LoadVariableFile parses one module-local variable file into scoped
// variable definitions.
func LoadVariableFile(path string, scopePath []string) ([]vars.Variable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read variable file: "+path, err).
			WithCode(engine.ErrCodeInternal)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, engine.NewPermanentError("invalid YAML in variable file "+path, err).
			WithCode(engine.ErrCodeValidation)
	}

	out := make([]vars.Variable, 0, len(values))
	for _, k := range sortedKeys(values) {
		v, err := vars.FromGo(values[k])
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("variable %q in %s has unsupported value", k, path), err).
				WithCode(engine.ErrCodeValidation)
		}
		out = append(out, vars.Variable{
			ScopePath: append([]string(nil), scopePath...),
			Key:       k,
			Value:     v,
		})
	}
	return out, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
