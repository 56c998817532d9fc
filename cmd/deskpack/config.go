// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/invowk/deskpack/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCommand creates the `deskpack config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage deskpack configuration",
		Long: `Manage deskpack configuration.

Configuration is read from deskpack.cue in the project directory, or from
the file passed with --config. Every key can be overridden with a
DESKPACK_ environment variable, e.g. DESKPACK_CACHE_COMPRESSION=lz4.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return showConfig(cmd.Context(), app, cmd.OutOrStdout(), format)
		}),
	}
	show.Flags().StringVarP(&format, "format", "f", "cue", "output format: cue or json")
	cfgCmd.AddCommand(show)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create deskpack.cue with the defaults",
		Args:  cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return initConfig(app, cmd.OutOrStdout())
		}),
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App, w io.Writer, format string) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	switch format {
	case "cue":
		source := cfg.Path
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(w, "// Source: %s\n", source)
		fmt.Fprint(w, config.GenerateCUE(cfg.Config))
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Config)
	default:
		return fmt.Errorf("unknown format %q (expected cue or json)", format)
	}
}

func initConfig(app *App, w io.Writer) error {
	dir, err := app.projectDir()
	if err != nil {
		return err
	}
	path, err := config.CreateDefaultConfig(dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, SuccessStyle.Render("✓")+" Configuration file: "+CmdStyle.Render(path))
	return nil
}
