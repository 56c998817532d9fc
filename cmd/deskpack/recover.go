// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/invowk/deskpack/internal/packaging"

	"github.com/spf13/cobra"
)

func newRecoverCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restore the build directory after an interrupted packaging run",
		Long: `Move a dependency tree left beside or inside the application root back to
its place and return modules extracted by an interrupted run. This is
the pre-flight step of 'deskpack package', run on its own.`,
		Args: cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return runRecover(cmd.Context(), app, cmd.OutOrStdout())
		}),
	}
}

func runRecover(ctx context.Context, app *App, w io.Writer) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(cfg.Config)
	if err != nil {
		return err
	}

	store := &packaging.StateStore{Path: orch.Layout.StatePath}
	// Preflight reports an unreadable marker itself.
	prev, _ := store.Load()
	if err := orch.Preflight(); err != nil {
		return &packaging.TransitionError{State: packaging.StateIdle, Err: err}
	}

	if prev == nil {
		fmt.Fprintln(w, SuccessStyle.Render("✓")+" Nothing to recover")
		return nil
	}
	fmt.Fprintf(w, "%s Recovered from an interrupted run in state %s\n",
		SuccessStyle.Render("✓"), CmdStyle.Render(prev.Interrupted().String()))
	if prev.Error != "" {
		printField(w, "last error", prev.Error)
	}
	return nil
}
