package commands

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// rebuildDebounce coalesces editor write bursts into one rebuild.
const rebuildDebounce = 300 * time.Millisecond

func newDevCommand(version string) *cobra.Command {
	var (
		envName   string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "dev [CONFIG_DIR]",
		Short: "Watch the config tree and rebuild on change",
		Long: `Run an initial build, then watch the config and module directories and
rebuild whenever a file changes.

Build failures are logged and watching continues, so the loop survives
half-edited manifests.`,
		Example: `  # Watch the current directory, building the default environment
  strata dev

  # Watch a config tree for a specific environment
  strata dev --env staging ./deploy`,
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
			return runDev(cmd.Context(), rt, configDir, envName, outputDir)
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "environment to build (defaults to the project's default environment)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "build output directory")

	return cmd
}

func runDev(ctx context.Context, rt *runtime, configDir, envName, outputDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watchTree(watcher, configDir); err != nil {
		return err
	}

	rebuild := func() {
		result, err := runBuild(ctx, rt, configDir, envName, outputDir, true)
		if err != nil {
			rt.logger.WithError(err).Error("build failed, watching for changes")
			return
		}
		rt.logger.WithEnvironment(result.environment).
			WithField("artifacts", len(result.artifacts)).
			Info("rebuilt")
	}
	rebuild()

	var debounce *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("dev mode stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if skipEvent(event) {
				continue
			}
			// New directories need watching before their files change.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchTree(watcher, event.Name)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(rebuildDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rt.logger.WithError(err).Warn("watch error")

		case <-pending:
			rebuild()
		}
	}
}

// watchTree adds dir and every subdirectory to the watcher, skipping hidden
// directories and build output.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (strings.HasPrefix(name, ".") || name == "build") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// skipEvent filters events that never affect a build.
func skipEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(event.Name)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
