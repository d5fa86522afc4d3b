package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/strata-deploy/strata/pkg/config"
	"github.com/strata-deploy/strata/pkg/modules"
	"github.com/strata-deploy/strata/pkg/template"
	"github.com/strata-deploy/strata/pkg/vars"
)

func newValidateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [CONFIG_DIR]",
		Short: "Validate descriptors, schemas and variables",
		Long: `Check the project descriptor, every environment descriptor, the module
tree and each environment's variables without writing any build output.

Every environment is rendered in memory so unresolved variables, duplicate
identifiers and schema violations all surface in one run.`,
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
			return runValidate(rt, configDir)
		},
	}

	return cmd
}

func runValidate(rt *runtime, configDir string) error {
	cfgLoader, err := config.NewLoader()
	if err != nil {
		return err
	}
	project, err := cfgLoader.LoadProject(configDir)
	if err != nil {
		return err
	}
	fmt.Printf("project %q: ok\n", project.Name)

	envNames, err := cfgLoader.ListEnvironments(configDir)
	if err != nil {
		return err
	}
	if len(envNames) == 0 {
		return fmt.Errorf("no environment descriptors found under %s", filepath.Join(configDir, config.EnvironmentsDir))
	}

	failed := 0
	for _, name := range envNames {
		if err := validateEnvironment(rt, cfgLoader, configDir, project, name); err != nil {
			failed++
			fmt.Printf("environment %q: %v\n", name, err)
			continue
		}
		fmt.Printf("environment %q: ok\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d environments failed validation", failed, len(envNames))
	}
	return nil
}

// validateEnvironment runs the full build flow for one environment without
// writing output.
func validateEnvironment(rt *runtime, cfgLoader *config.Loader, configDir string, project *config.Project, name string) error {
	env, err := cfgLoader.LoadEnvironment(configDir, project, name)
	if err != nil {
		return err
	}

	resolver := modules.NewResolver(rt.logger.Zerolog())
	tree, err := resolver.Resolve(filepath.Join(configDir, project.ModulesDir), env.Modules)
	if err != nil {
		return err
	}

	variables, err := cfgLoader.BuildVariables(configDir, env, tree.VariableFiles)
	if err != nil {
		return err
	}
	store := vars.NewStore(variables, os.Environ())
	renderer := template.NewRenderer(store, os.Environ())

	for _, m := range tree.Manifests {
		if _, err := renderer.Render(m.SourceFile, m.Raw, m.ScopePath); err != nil {
			return err
		}
	}
	return nil
}
