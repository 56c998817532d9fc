// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/invowk/deskpack/internal/packaging"

	"github.com/spf13/cobra"
)

type packageFlags struct {
	projectOverrides
	targets []string
	extract []string
}

func newPackageCommand(app *App) *cobra.Command {
	var flags packageFlags
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Package the application with the installer-builder",
		Long: `Build the application, install its dependency tree and package it for
every target.

Modules that must stay outside the archive (native addons and the ones
listed in the settings' extract or --extract) are moved out before packing
and copied into every packaged application afterwards. An interrupted run
is recovered automatically on the next run or with 'deskpack recover'.`,
		Args: cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return runPackage(cmd.Context(), app, cmd.OutOrStdout(), flags)
		}),
	}
	addProjectFlags(cmd, &flags.projectOverrides)
	cmd.Flags().StringSliceVarP(&flags.targets, "target", "t", nil, "platform-arch to package, e.g. linux-x64 (repeatable; overrides packaging.targets)")
	cmd.Flags().StringSliceVar(&flags.extract, "extract", nil, "additional module to keep outside the archive (repeatable)")
	return cmd
}

func runPackage(ctx context.Context, app *App, w io.Writer, flags packageFlags) error {
	p, err := app.loadProject(ctx, flags.projectOverrides)
	if err != nil {
		return err
	}
	if len(flags.targets) > 0 {
		p.cfg.Packaging.Targets = flags.targets
	}
	orch, err := app.newOrchestrator(p.cfg.Config)
	if err != nil {
		return err
	}

	// Recovery runs before the build resets the application root, which may
	// still hold the dependency tree of an interrupted run.
	if err := orch.Preflight(); err != nil {
		return &packaging.TransitionError{State: packaging.StateIdle, Err: err}
	}

	pipeline, err := app.newPipeline(p, orch.Layout.AppRoot)
	if err != nil {
		return err
	}
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	printBuildResult(w, result)

	installer := &packaging.CommandInstaller{Command: p.cfg.Packaging.InstallCommand}
	if err := installer.Install(ctx, orch.Layout, packaging.PackageManifest{
		Name:         p.settings.Name,
		Version:      p.settings.Version,
		Private:      true,
		Dependencies: result.Manifest,
	}); err != nil {
		return err
	}

	extract := slices.Concat(p.settings.Extract, p.cfg.Packaging.Extract, flags.extract)
	if err := orch.Run(ctx, packaging.RunOptions{
		UserExtract:       extract,
		LocalDependencies: result.LocalDependencies,
	}); err != nil {
		return err
	}

	fmt.Fprintln(w, SuccessStyle.Render("✓")+" Packaged")
	for _, out := range orch.Outputs() {
		fmt.Fprintln(w, "  "+CmdStyle.Render(out))
	}
	return nil
}
