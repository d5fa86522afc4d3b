package commands

import (
	"github.com/spf13/cobra"
)

func newCleanCommand(version string) *cobra.Command {
	var (
		envName      string
		dryRun       bool
		policyDir    string
		allowCredDel bool
	)

	cmd := &cobra.Command{
		Use:   "clean BUILD_DIR",
		Short: "Delete the environment's remote resources",
		Long: `Delete every in-scope remote resource for the build directory's
environment, in reverse dependency order.

Only Delete outcomes run; nothing is created or updated. Credentials are
protected by the built-in policy and are only deleted with
--allow-credential-deletion.`,
		Example: `  # Preview what clean would delete
  strata clean --dry-run build/staging

  # Tear down staging, including its credentials
  strata clean --allow-credential-deletion build/staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			return reconcileBuildDir(cmd.Context(), rt, args[0], reconcileParams{
				operation:    "clean",
				envName:      envName,
				dryRun:       dryRun,
				drop:         true,
				deleteOnly:   true,
				policyDir:    policyDir,
				allowCredDel: allowCredDel,
			})
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "expected environment (guards against cleaning the wrong build)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report planned deletions without mutating anything")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego policies")
	cmd.Flags().BoolVar(&allowCredDel, "allow-credential-deletion", false, "permit deletion of credential resources")

	return cmd
}
