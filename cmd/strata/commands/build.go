package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/strata-deploy/strata/pkg/build"
	"github.com/strata-deploy/strata/pkg/config"
	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/modules"
	"github.com/strata-deploy/strata/pkg/telemetry"
	"github.com/strata-deploy/strata/pkg/template"
	"github.com/strata-deploy/strata/pkg/vars"
)

func newBuildCommand(version string) *cobra.Command {
	var (
		envName   string
		outputDir string
		clean     bool
	)

	cmd := &cobra.Command{
		Use:   "build [CONFIG_DIR]",
		Short: "Render the module tree into build artifacts",
		Long: `Resolve the module tree for an environment, render every manifest
against the variable store and write the resulting artifacts to the build
output directory.

Builds are deterministic: identical inputs produce byte-identical artifacts.
All template, duplicate and structural errors are collected and reported in
one pass.`,
		Example: `  # Build the default environment
  strata build

  # Build a specific environment into a custom directory
  strata build --env production --output-dir /tmp/out ./deploy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			configDir := "."
			if len(args) > 0 {
				configDir = args[0]
			}

			result, err := runBuild(cmd.Context(), rt, configDir, envName, outputDir, clean)
			if err != nil {
				return err
			}

			fmt.Printf("Built %d artifacts for environment %q into %s\n",
				len(result.artifacts), result.environment, result.outputDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "environment to build (defaults to the project's default environment)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "build output directory (defaults to <project output dir>/<env>)")
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the output directory before writing")

	return cmd
}

// buildResult carries what a build produced, for the dev loop and summary
// output.
type buildResult struct {
	environment string
	outputDir   string
	artifacts   []*engine.BuildArtifact
}

// runBuild is the full build flow, shared by build and dev.
func runBuild(ctx context.Context, rt *runtime, configDir, envName, outputDir string, clean bool) (*buildResult, error) {
	timer := telemetry.NewTimer()

	if rt.tracer != nil {
		_, span := rt.tracer.StartBuildSpan(ctx, envName)
		defer span.End()
	}

	cfgLoader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	project, err := cfgLoader.LoadProject(configDir)
	if err != nil {
		return nil, err
	}

	if envName == "" {
		envName = project.DefaultEnvironment
	}
	if envName == "" {
		return nil, fmt.Errorf("no environment given and the project declares no default_environment")
	}
	env, err := cfgLoader.LoadEnvironment(configDir, project, envName)
	if err != nil {
		return nil, err
	}

	logger := rt.logger.WithEnvironment(env.Name)
	logger.Info("build started")

	resolver := modules.NewResolver(logger.Zerolog())
	tree, err := resolver.Resolve(filepath.Join(configDir, project.ModulesDir), env.Modules)
	if err != nil {
		return nil, err
	}

	variables, err := cfgLoader.BuildVariables(configDir, env, tree.VariableFiles)
	if err != nil {
		return nil, err
	}
	store := vars.NewStore(variables, os.Environ())
	renderer := template.NewRenderer(store, os.Environ())

	pipeline := build.NewPipeline(renderer, logger.Zerolog())
	if rt.metrics != nil {
		pipeline = pipeline.WithMetrics(rt.metrics)
	}
	artifacts, err := pipeline.Build(tree)
	if err != nil {
		return nil, err
	}

	if outputDir == "" {
		outputDir = filepath.Join(configDir, project.OutputDir, env.Name)
	}
	if err := build.WriteArtifacts(outputDir, env.Name, artifacts, clean); err != nil {
		return nil, err
	}

	logger.WithField("artifacts", len(artifacts)).
		WithField("duration", timer.Duration().String()).
		Info("build completed")

	return &buildResult{environment: env.Name, outputDir: outputDir, artifacts: artifacts}, nil
}
