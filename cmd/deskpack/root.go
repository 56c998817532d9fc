// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for deskpack.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "deskpack",
		Short: "Build and package the desktop part of a hybrid application",
		Long: TitleStyle.Render("deskpack") + SubtitleStyle.Render(" - Build and package desktop applications") + `

deskpack merges the dependencies declared by the application, its plugins
and its modules, transforms the sources, packs them into a single archive
and drives an installer-builder around it. Builds are cached: an unchanged
source tree with unchanged settings reuses the previous archive.

` + SubtitleStyle.Render("Examples:") + `
  deskpack build              Build dist/app.asar and dist/version.json
  deskpack build --watch      Rebuild whenever the sources change
  deskpack package            Package the application for every target
  deskpack manifest           Show the merged dependency manifest
  deskpack config init        Create deskpack.cue with the defaults`,
		SilenceUsage: true,
	}
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)

	flags := root.PersistentFlags()
	flags.BoolVarP(&app.opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.StringVar(&app.opts.configPath, "config", "", "config file (default is ./deskpack.cue)")
	flags.StringVarP(&app.opts.projectDir, "dir", "C", "", "project directory (default is the working directory)")

	root.AddCommand(
		newBuildCommand(app),
		newPackageCommand(app),
		newManifestCommand(app),
		newCacheCommand(app),
		newRecoverCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI with the process arguments and exits. It is called
// by main.main().
func Execute() {
	os.Exit(Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the CLI with args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := NewApp(Dependencies{Stdout: stdout, Stderr: stderr})
	root := NewRootCommand(app)
	root.SetArgs(args)

	err := fang.Execute(
		ctx,
		root,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			renderError(w, err, app.opts.verbose)
		}),
	)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitFailure
}
