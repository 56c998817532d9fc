// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/invowk/deskpack/internal/build"
	"github.com/invowk/deskpack/internal/watch"

	"github.com/spf13/cobra"
)

type buildFlags struct {
	projectOverrides
	watch bool
}

func newBuildCommand(app *App) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the application archive",
		Long: `Build the application archive and version.json.

The dependencies declared by the settings, its plugins and its modules are
merged and checked, the compatibility version is computed, and the previous
archive is reused when neither the source tree nor the settings changed.
Production builds (env "prod") always rebuild from source.`,
		Args: cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			if flags.watch {
				return runBuildWatch(cmd.Context(), app, flags)
			}
			return runBuild(cmd.Context(), app, cmd.OutOrStdout(), flags)
		}),
	}
	addProjectFlags(cmd, &flags.projectOverrides)
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "rebuild whenever the sources change")
	return cmd
}

// addProjectFlags registers the flags shared by commands that load a project.
func addProjectFlags(cmd *cobra.Command, o *projectOverrides) {
	cmd.Flags().StringVar(&o.settingsFile, "settings", "", "settings document (overrides settings_file)")
	cmd.Flags().StringVar(&o.sourceDir, "source", "", "application source directory (overrides source_dir)")
	cmd.Flags().StringVar(&o.outputDir, "output", "", "output directory (overrides output_dir)")
	cmd.Flags().StringVar(&o.env, "env", "", `build environment, "dev" or "prod" (overrides the settings env)`)
}

func runBuild(ctx context.Context, app *App, w io.Writer, flags buildFlags) error {
	p, err := app.loadProject(ctx, flags.projectOverrides)
	if err != nil {
		return err
	}
	pipeline, err := app.newPipeline(p, "")
	if err != nil {
		return err
	}
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	printBuildResult(w, result)
	return nil
}

func runBuildWatch(ctx context.Context, app *App, flags buildFlags) error {
	p, err := app.loadProject(ctx, flags.projectOverrides)
	if err != nil {
		return err
	}
	logger := app.logger("watch")

	rebuild := func(ctx context.Context) error {
		// The settings document may change between builds.
		s, err := loadSettings(p.cfg.SettingsFile)
		if err != nil {
			return err
		}
		if flags.env != "" {
			s.Env = flags.env
		}
		p.settings = s
		pipeline, err := app.newPipeline(p, "")
		if err != nil {
			return err
		}
		result, err := pipeline.Run(ctx)
		if err != nil {
			return err
		}
		printBuildResult(app.stdout, result)
		return nil
	}

	if err := rebuild(ctx); err != nil {
		renderError(app.stderr, err, app.opts.verbose)
	}

	w, err := watch.New(watch.Config{
		Root:     p.cfg.SourceDir,
		Ignore:   append(outputIgnores(p.cfg.SourceDir, p.cfg.OutputDir, p.cfg.BuildDir, p.cfg.CacheDir), p.cfg.Transform.Ignore...),
		Debounce: p.cfg.Watch.Debounce,
		OnChange: func(ctx context.Context, changed []string) error {
			logger.Info("sources changed, rebuilding", "files", len(changed))
			if err := rebuild(ctx); err != nil {
				renderError(app.stderr, err, app.opts.verbose)
			}
			return nil
		},
		Log: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("watching for changes", "dir", p.cfg.SourceDir)
	return w.Run(ctx)
}

// outputIgnores returns ignore patterns for the directories deskpack writes
// to when they live inside the source tree.
func outputIgnores(sourceDir string, dirs ...string) []string {
	var patterns []string
	for _, dir := range dirs {
		rel, err := filepath.Rel(sourceDir, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		patterns = append(patterns, filepath.ToSlash(rel), filepath.ToSlash(rel)+"/**")
	}
	return patterns
}

func printBuildResult(w io.Writer, result *build.Result) {
	cache := "miss"
	if result.CacheHit {
		cache = "hit"
	}
	fmt.Fprintln(w, SuccessStyle.Render("✓")+" Built "+CmdStyle.Render(result.ArchivePath))
	printField(w, "version", result.Version)
	printField(w, "compatibility version", result.CompatibilityVersion)
	printField(w, "integrity", result.Integrity.String())
	printField(w, "cache", cache)
	if !result.CacheHit {
		printField(w, "files", fmt.Sprintf("%d transformed, %d from cache, %d copied",
			result.Stats.Transformed, result.Stats.CacheHits, result.Stats.Copied))
	}
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintln(w, "  "+labelStyle.Render(label+":")+" "+value)
}
