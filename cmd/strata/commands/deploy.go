package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/strata-deploy/strata/pkg/build"
	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/loaders"
	"github.com/strata-deploy/strata/pkg/policy"
)

func newDeployCommand(version string) *cobra.Command {
	var (
		envName         string
		dryRun          bool
		drop            bool
		includeKinds    []string
		policyDir       string
		maxParallel     int
		continueOnError bool
		allowCredDel    bool
	)

	cmd := &cobra.Command{
		Use:   "deploy BUILD_DIR",
		Short: "Reconcile build artifacts against the remote platform",
		Long: `Diff every artifact in the build directory against the remote platform
and apply creates, updates and deletes in dependency order.

The plan is checked against the built-in policies (and any --policy-dir
policies) before anything is applied. Failures are reported per artifact in
a summary table.`,
		Example: `  # Preview what a deploy would change
  strata deploy --dry-run build/staging

  # Deploy, deleting remote resources that are no longer declared
  strata deploy --drop build/staging

  # Deploy only datasets and pipelines, keep going past failures
  strata deploy --include dataset,pipeline --continue-on-error build/staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			kinds, err := parseKinds(includeKinds)
			if err != nil {
				return err
			}

			return reconcileBuildDir(cmd.Context(), rt, args[0], reconcileParams{
				operation:       "deploy",
				envName:         envName,
				dryRun:          dryRun,
				drop:            drop,
				includeKinds:    kinds,
				policyDir:       policyDir,
				maxParallel:     maxParallel,
				continueOnError: continueOnError,
				allowCredDel:    allowCredDel,
			})
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "expected environment (guards against deploying the wrong build)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report planned outcomes without mutating anything")
	cmd.Flags().BoolVar(&drop, "drop", false, "delete in-scope remote resources with no artifact")
	cmd.Flags().StringSliceVar(&includeKinds, "include", nil, "restrict to the listed kinds")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego policies")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "max concurrent loader calls per phase")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "apply everything not dependent on a failure")
	cmd.Flags().BoolVar(&allowCredDel, "allow-credential-deletion", false, "permit deletion of credential resources")

	return cmd
}

// reconcileParams collects everything deploy and clean pass down.
type reconcileParams struct {
	operation       string
	envName         string
	dryRun          bool
	drop            bool
	deleteOnly      bool
	includeKinds    []engine.Kind
	policyDir       string
	maxParallel     int
	continueOnError bool
	allowCredDel    bool
}

// reconcileBuildDir is the shared deploy/clean flow: read artifacts, plan,
// check policy, apply, report.
func reconcileBuildDir(ctx context.Context, rt *runtime, buildDir string, params reconcileParams) error {
	environment, artifacts, err := build.ReadArtifacts(buildDir)
	if err != nil {
		return err
	}
	if params.envName != "" && params.envName != environment {
		return fmt.Errorf("build directory is for environment %q, not %q", environment, params.envName)
	}

	logger := rt.logger.WithEnvironment(environment)

	platform, err := loaders.OpenPlatform(stateDir)
	if err != nil {
		return err
	}
	registry, err := loaders.NewRegistry(platform, environment)
	if err != nil {
		return err
	}

	opts := engine.ReconcileOptions{
		Drop:         params.drop,
		DeleteOnly:   params.deleteOnly,
		Scope:        environment,
		IncludeKinds: params.includeKinds,
		MaxParallel:  params.maxParallel,
	}
	if params.continueOnError {
		opts.OnFailure = engine.FailurePolicyContinue
	}

	// Plan pass: a dry run over a bare reconciler, so the history store and
	// metrics only ever see the real run.
	planOpts := opts
	planOpts.DryRun = true
	planReport, err := engine.NewReconciler(registry, logger.Zerolog()).Reconcile(ctx, artifacts, planOpts)
	if err != nil {
		return err
	}

	if err := checkPolicy(ctx, rt, planReport, policy.PlanContext{
		Operation:               params.operation,
		Environment:             environment,
		DryRun:                  params.dryRun,
		Drop:                    params.drop,
		AllowCredentialDeletion: params.allowCredDel,
	}, params.policyDir); err != nil {
		return err
	}

	if params.dryRun {
		printReport(planReport, true)
		return nil
	}

	history, err := openHistory(ctx, environment)
	if err != nil {
		return err
	}
	defer history.Close()

	reconciler := engine.NewReconciler(registry, logger.Zerolog()).WithRecorder(history)
	if rt.metrics != nil {
		reconciler = reconciler.WithMetrics(rt.metrics)
	}
	if rt.tracer != nil {
		reconciler = reconciler.WithTracer(rt.tracer)
	}

	report, err := reconciler.Reconcile(ctx, artifacts, opts)
	if err != nil {
		return err
	}

	printReport(report, false)
	if !report.Succeeded() {
		return fmt.Errorf("%d artifacts failed, %d skipped", report.Summary.Failed, report.Summary.Skipped)
	}
	return nil
}

// checkPolicy evaluates the planned outcomes against the policy guard.
func checkPolicy(ctx context.Context, rt *runtime, plan *engine.RunReport, planCtx policy.PlanContext, policyDir string) error {
	guard, err := policy.NewGuard(rt.logger.Zerolog())
	if err != nil {
		return err
	}
	if policyDir != "" {
		if err := guard.LoadDir(ctx, policyDir); err != nil {
			return err
		}
	}

	outcomes := make([]engine.DiffOutcome, 0, len(plan.Results))
	for _, res := range plan.Results {
		outcomes = append(outcomes, engine.DiffOutcome{Action: res.Action, Ref: res.Ref})
	}

	result, err := guard.EvaluatePlan(ctx, outcomes, planCtx)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "policy warning [%s]: %s\n", w.Policy, w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			fmt.Fprintf(os.Stderr, "policy violation [%s] %s: %s\n", v.Policy, v.Resource, v.Message)
		}
		return fmt.Errorf("plan denied by %d policy violations", len(result.Violations))
	}
	return nil
}

// printReport renders the per-artifact summary table.
func printReport(report *engine.RunReport, planned bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tKIND\tIDENTIFIER\tSTATE\tERROR")
	for _, res := range report.Results {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			res.Action, res.Ref.Kind, res.Ref.Identifier, res.State, errMsg)
	}
	w.Flush()

	s := report.Summary
	verb := "applied"
	if planned {
		verb = "planned"
	}
	fmt.Printf("\n%s: %d created, %d updated, %d deleted, %d unchanged, %d failed, %d skipped (run %s)\n",
		verb, s.Created, s.Updated, s.Deleted, s.Unchanged, s.Failed, s.Skipped, report.RunID)
}

// parseKinds converts --include values into validated kinds.
func parseKinds(values []string) ([]engine.Kind, error) {
	var kinds []engine.Kind
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k := engine.Kind(part)
			if !engine.KnownKind(k) {
				return nil, fmt.Errorf("unknown kind: %s", part)
			}
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}
