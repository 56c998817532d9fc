// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/invowk/deskpack/internal/build"
	"github.com/invowk/deskpack/pkg/compatver"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatTOML = "toml"
)

type (
	// manifestReport is the document printed by 'deskpack manifest'.
	manifestReport struct {
		CompatibilityVersion string               `json:"compatibilityVersion" toml:"compatibility_version"`
		Overridden           bool                 `json:"overridden" toml:"overridden"`
		Dependencies         []manifestDependency `json:"dependencies" toml:"dependencies"`
		Warnings             []string             `json:"warnings,omitempty" toml:"warnings,omitempty"`
	}

	manifestDependency struct {
		Name      string `json:"name" toml:"name"`
		Specifier string `json:"specifier" toml:"specifier"`
		Source    string `json:"source" toml:"source"`
		Local     bool   `json:"local" toml:"local"`
	}
)

func newManifestCommand(app *App) *cobra.Command {
	var (
		overrides projectOverrides
		format    string
	)
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Show the merged dependency manifest",
		Long: `Merge the dependencies declared by the settings, its plugins and its
modules and print them with their source and the compatibility version.
Nothing is built.`,
		Args: cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return runManifest(cmd.Context(), app, cmd.OutOrStdout(), overrides, format)
		}),
	}
	cmd.Flags().StringVar(&overrides.settingsFile, "settings", "", "settings document (overrides settings_file)")
	cmd.Flags().StringVar(&overrides.sourceDir, "source", "", "application source directory (overrides source_dir)")
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "output format: text, json or toml")
	return cmd
}

func runManifest(ctx context.Context, app *App, w io.Writer, overrides projectOverrides, format string) error {
	switch format {
	case formatText, formatJSON, formatTOML:
	default:
		return fmt.Errorf("unknown format %q (expected text, json or toml)", format)
	}

	p, err := app.loadProject(ctx, overrides)
	if err != nil {
		return err
	}
	merger, warnings, err := build.MergeDependencies(p.settings, p.cfg.SourceDir)
	if err != nil {
		return err
	}
	compat, err := compatver.Compute(merger.Manifest(), p.markers(), p.settings.CompatibilityVersion)
	if err != nil {
		return err
	}

	report := manifestReport{
		CompatibilityVersion: compat.Version,
		Overridden:           compat.Overridden,
		Dependencies:         []manifestDependency{},
	}
	manifest := merger.Manifest()
	local := merger.LocalDependencies()
	for _, name := range merger.Names() {
		source, _ := merger.Source(name)
		_, isLocal := local[name]
		report.Dependencies = append(report.Dependencies, manifestDependency{
			Name:      name,
			Specifier: manifest[name],
			Source:    source,
			Local:     isLocal,
		})
	}
	for _, warning := range warnings {
		report.Warnings = append(report.Warnings, warning.Message)
	}

	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case formatTOML:
		enc := toml.NewEncoder(w)
		enc.SetIndentTables(true)
		return enc.Encode(report)
	default:
		printManifest(w, report)
		return nil
	}
}

func printManifest(w io.Writer, report manifestReport) {
	fmt.Fprintln(w, TitleStyle.Render("Dependencies"))
	if len(report.Dependencies) == 0 {
		fmt.Fprintln(w, "  "+SubtitleStyle.Render("(none)"))
	}
	for _, dep := range report.Dependencies {
		kind := "remote"
		if dep.Local {
			kind = "local"
		}
		fmt.Fprintf(w, "  %s %s %s\n", labelStyle.Render(dep.Name), dep.Specifier,
			VerboseStyle.Render("("+kind+", "+dep.Source+")"))
	}
	fmt.Fprintln(w)
	version := report.CompatibilityVersion
	if report.Overridden {
		version += " (from settings)"
	}
	printField(w, "compatibility version", version)
	for _, warning := range report.Warnings {
		fmt.Fprintln(w, WarningStyle.Render("! ")+warning)
	}
}
