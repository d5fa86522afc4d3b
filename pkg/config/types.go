// Package config loads and validates the project descriptor, environment
// descriptors and variable files that drive a build.
//
// Descriptors are YAML, validated twice: structurally against an embedded
// CUE schema, then field-by-field with validator struct tags. Environments
// may attach a Starlark script that computes derived variables from the
// declared ones.
package config

import "time"

// Project is the top-level project descriptor (strata.yaml in the config
// directory).
type Project struct {
	// Name is the project name, used as the default remote scope prefix.
	Name string `yaml:"name" validate:"required,min=1,max=64"`

	// ModulesDir is the module tree root, relative to the config directory.
	ModulesDir string `yaml:"modules_dir" validate:"omitempty,max=256"`

	// OutputDir is the default build output directory.
	OutputDir string `yaml:"output_dir" validate:"omitempty,max=256"`

	// DefaultEnvironment is used when no --env flag is given.
	DefaultEnvironment string `yaml:"default_environment" validate:"omitempty,max=64"`

	// Environments lists the known environment names for validation output.
	Environments []string `yaml:"environments" validate:"omitempty,dive,min=1"`
}

// Environment is one per-environment descriptor
// (environments/<name>.yaml).
type Environment struct {
	// Name is the environment name. Filled from the file name when omitted.
	Name string `yaml:"name" validate:"required,min=1,max=64"`

	// Scope is the logical remote scope bounding orphan deletion. Defaults
	// to "<project>/<name>".
	Scope string `yaml:"scope" validate:"omitempty,max=128"`

	// Modules restricts the build to the listed module names or path
	// prefixes. Empty means the whole tree.
	Modules []string `yaml:"modules" validate:"omitempty,dive,min=1"`

	// Variables are the environment's globally scoped variable definitions.
	Variables map[string]interface{} `yaml:"variables"`

	// ComputedScript is an optional Starlark script (relative to the config
	// directory) whose exported globals become additional global variables.
	ComputedScript string `yaml:"computed_script" validate:"omitempty,max=256"`

	// MaxParallel bounds concurrent loader calls during deploys of this
	// environment. Zero uses the engine default.
	MaxParallel int `yaml:"max_parallel" validate:"omitempty,min=1,max=64"`
}

// StarlarkResult carries the output of one computed-variables evaluation.
type StarlarkResult struct {
	// Output maps exported global names to their Go values.
	Output map[string]interface{}

	// ExecutionTime is how long the script ran.
	ExecutionTime time.Duration

	// Error is set when evaluation failed.
	Error string
}

// applyDefaults fills derived fields after parsing.
func (p *Project) applyDefaults() {
	if p.ModulesDir == "" {
		p.ModulesDir = "modules"
	}
	if p.OutputDir == "" {
		p.OutputDir = "build"
	}
}

func (e *Environment) applyDefaults(project *Project) {
	if e.Scope == "" {
		e.Scope = project.Name + "/" + e.Name
	}
}
